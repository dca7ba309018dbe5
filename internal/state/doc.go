// Package state provides filesystem-backed storage implementations.
package state

import (
	"github.com/user/askstream/internal/continuity"
	"github.com/user/askstream/internal/types"
)

// Compile-time interface compliance checks.
var _ types.ThreadStore = (*ThreadStore)(nil)
var _ types.TranscriptStore = (*TranscriptStore)(nil)
var _ continuity.Store = (*ThreadStore)(nil)
