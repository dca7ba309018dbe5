// Package render turns turn snapshots into terminal output and text for the
// chat front ends.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/user/askstream/internal/sources"
	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
	"github.com/user/askstream/pkg/answer"
)

// PrinterOption configures a Printer.
type PrinterOption func(*Printer)

// WithCounter sets the counter used for the summary line.
func WithCounter(c Counter) PrinterOption {
	return func(p *Printer) { p.counter = c }
}

// Printer writes a streaming answer to a terminal. Only the part of the
// answer not yet on screen is written on each update.
type Printer struct {
	out     io.Writer
	counter Counter

	turnID  types.TurnID
	printed int
	status  string

	dim    *color.Color
	cyan   *color.Color
	yellow *color.Color
	red    *color.Color
}

func NewPrinter(out io.Writer, opts ...PrinterOption) *Printer {
	p := &Printer{
		out:     out,
		counter: WordCounter{},
		dim:     color.New(color.Faint, color.Italic),
		cyan:    color.New(color.FgCyan),
		yellow:  color.New(color.FgYellow),
		red:     color.New(color.FgRed),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StatusText is the human-readable form of a status hint.
func StatusText(s answer.StatusEvent) string {
	if s.Message != "" {
		return s.Message
	}
	switch s.Step {
	case answer.StepIntent:
		return "Understanding the question"
	case answer.StepSearching:
		return "Searching"
	case answer.StepGenerating:
		return "Writing the answer"
	default:
		return string(s.Step)
	}
}

// Update renders an in-flight snapshot.
func (p *Printer) Update(snap turn.Snapshot) {
	p.follow(snap)

	if snap.Status != nil && p.printed == 0 {
		text := StatusText(*snap.Status)
		if text != p.status {
			p.status = text
			p.dim.Fprintf(p.out, "%s...\n", text)
		}
	}
	p.writeText(snap.DisplayText)
}

// Finish renders the final snapshot of a turn: the rest of the answer, the
// sources and a summary line, or the error.
func (p *Printer) Finish(snap turn.Snapshot) {
	p.follow(snap)

	switch snap.Phase {
	case turn.PhaseCompleted:
		if p.printed == 0 {
			text, err := Markdown(snap)
			if err != nil {
				text = snap.DisplayText
			}
			fmt.Fprint(p.out, text)
			p.printed = len(snap.DisplayText)
		} else {
			p.writeText(snap.DisplayText)
		}
		fmt.Fprintln(p.out)
		p.writeSources(snap.Sources)
		p.dim.Fprintln(p.out, p.summary(snap))
	case turn.PhaseErrored:
		p.writeText(snap.DisplayText)
		if p.printed > 0 {
			fmt.Fprintln(p.out)
		}
		p.red.Fprintf(p.out, "error: %s\n", snap.ErrorMessage)
	default:
		if p.printed > 0 {
			fmt.Fprintln(p.out)
		}
		p.yellow.Fprintln(p.out, "cancelled")
	}
	p.turnID = ""
	p.printed = 0
	p.status = ""
}

func (p *Printer) follow(snap turn.Snapshot) {
	if snap.TurnID != p.turnID {
		p.turnID = snap.TurnID
		p.printed = 0
		p.status = ""
	}
}

func (p *Printer) writeText(text string) {
	if len(text) <= p.printed {
		return
	}
	fmt.Fprint(p.out, text[p.printed:])
	p.printed = len(text)
}

func (p *Printer) writeSources(refs []sources.Ref) {
	if len(refs) == 0 {
		return
	}
	p.cyan.Fprintln(p.out, "\nSources:")
	for i, ref := range refs {
		fmt.Fprintf(p.out, "  [%d] %s ", i+1, ref.Label)
		p.dim.Fprintln(p.out, ref.Reference)
	}
}

func (p *Printer) summary(snap turn.Snapshot) string {
	parts := []string{fmt.Sprintf("%d tokens", p.counter.Count(snap.DisplayText))}
	if n := len(snap.Sources); n > 0 {
		parts = append(parts, fmt.Sprintf("%d sources", n))
	}
	if snap.ConversationID != "" {
		parts = append(parts, "conversation "+snap.ConversationID)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
