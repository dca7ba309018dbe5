package render

import (
	"fmt"
	"io"
	"time"

	"github.com/user/askstream/internal/sources"
	"github.com/user/askstream/internal/types"
)

// FitHistory keeps the most recent records whose questions and answers fit
// in budget tokens. The result stays in chronological order. A budget of
// zero or less keeps everything.
func FitHistory(records []*types.TurnRecord, budget int, c Counter) []*types.TurnRecord {
	if budget <= 0 {
		return records
	}
	used := 0
	start := len(records)
	for i := len(records) - 1; i >= 0; i-- {
		cost := c.Count(records[i].Query) + c.Count(records[i].Answer)
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	return records[start:]
}

// WriteTranscript prints records the way `thread show` displays them.
func (p *Printer) WriteTranscript(w io.Writer, records []*types.TurnRecord) {
	for _, rec := range records {
		p.cyan.Fprintf(w, "> %s\n", rec.Query)
		p.dim.Fprintf(w, "  %s, %s, %d attempt(s)\n", rec.At.Format(time.DateTime), rec.Phase, rec.Attempts)

		text, err := ToMarkdown(rec.Answer, rec.MetadataMap())
		if err != nil {
			text = rec.Answer
		}
		if text != "" {
			fmt.Fprintln(w, text)
		}
		if rec.Error != "" {
			p.red.Fprintf(w, "error: %s\n", rec.Error)
		}
		for i, ref := range rec.Sources {
			fmt.Fprintf(w, "  [%d] %s ", i+1, sources.Label(ref))
			p.dim.Fprintln(w, ref)
		}
		fmt.Fprintln(w)
	}
}
