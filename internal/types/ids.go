package types

import (
	"strings"

	"github.com/google/uuid"
)

// ThreadKey names a logical conversation thread, e.g. "telegram:42:42" or
// "cli:default". Each thread owns one conversation handle.
type ThreadKey string
type ThreadID string
type TurnID string
type RecordID string
type RunID string

func NewThreadID() ThreadID {
	return ThreadID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

func NewRecordID() RecordID {
	return RecordID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewThreadKey(parts ...string) ThreadKey {
	return ThreadKey(strings.Join(parts, ":"))
}

// Prefix returns the part of the key before the first colon ("telegram" for
// "telegram:1:2").
func (k ThreadKey) Prefix() string {
	prefix, _, _ := strings.Cut(string(k), ":")
	return prefix
}
