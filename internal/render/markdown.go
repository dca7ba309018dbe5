package render

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/askstream/internal/turn"
)

// IsHTML reports whether a completed answer declared HTML content through
// its metadata ("format": "html").
func IsHTML(metadata map[string]any) bool {
	format, _ := metadata["format"].(string)
	return strings.EqualFold(format, "html")
}

// Markdown returns the answer text of snap as markdown, converting it when
// the answer is HTML.
func Markdown(snap turn.Snapshot) (string, error) {
	return ToMarkdown(snap.DisplayText, snap.Metadata)
}

// ToMarkdown converts text to markdown when metadata marks it as HTML and
// returns it unchanged otherwise.
func ToMarkdown(text string, metadata map[string]any) (string, error) {
	if !IsHTML(metadata) || strings.TrimSpace(text) == "" {
		return text, nil
	}
	md, err := htmltomarkdown.ConvertString(text)
	if err != nil {
		return text, fmt.Errorf("convert to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// Reply is the plain-text message form of a finished turn: the answer as
// markdown followed by a numbered source list, or the error.
func Reply(snap turn.Snapshot) string {
	switch snap.Phase {
	case turn.PhaseErrored:
		if snap.DisplayText == "" {
			return "Error: " + snap.ErrorMessage
		}
		return snap.DisplayText + "\n\n(answer interrupted: " + snap.ErrorMessage + ")"
	case turn.PhaseCompleted:
	default:
		return "Cancelled."
	}

	text, err := Markdown(snap)
	if err != nil {
		text = snap.DisplayText
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(text))
	if b.Len() == 0 {
		b.WriteString("(no answer)")
	}
	if len(snap.Sources) > 0 {
		b.WriteString("\n\nSources:")
		for i, ref := range snap.Sources {
			fmt.Fprintf(&b, "\n[%d] %s %s", i+1, ref.Label, ref.Reference)
		}
	}
	return b.String()
}
