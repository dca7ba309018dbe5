package render

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter measures text in tokens.
type Counter interface {
	Count(text string) int
}

// WordCounter counts whitespace-separated words. It needs no tokenizer data.
type WordCounter struct{}

func (WordCounter) Count(text string) int { return len(strings.Fields(text)) }

// TiktokenCounter counts BPE tokens. The encoding is loaded on first use;
// if it cannot be loaded the counter falls back to counting words.
type TiktokenCounter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktokenCounter returns a counter for the named encoding, defaulting
// to cl100k_base.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			slog.Warn("tokenizer unavailable, counting words", "encoding", c.encoding, "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return WordCounter{}.Count(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}
