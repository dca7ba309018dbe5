// internal/state/transcript.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/askstream/internal/types"
)

const maxRecordSize = 4 << 20

// TranscriptStore is an append-only JSONL log of finished turns, one file
// per thread at threads/<threadID>/turns.jsonl.
type TranscriptStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ThreadID]*sync.Mutex
}

// NewTranscriptStore creates a TranscriptStore rooted at the given data directory.
func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{
		root:  root,
		locks: make(map[types.ThreadID]*sync.Mutex),
	}
}

func (t *TranscriptStore) lockFor(threadID types.ThreadID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lock, ok := t.locks[threadID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	t.locks[threadID] = lock
	return lock
}

func (t *TranscriptStore) path(threadID types.ThreadID) string {
	return filepath.Join(t.root, "threads", string(threadID), "turns.jsonl")
}

func newScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	return scanner
}

// count reads the transcript and counts lines. Caller must hold the thread lock.
func (t *TranscriptStore) count(threadID types.ThreadID) (int64, error) {
	f, err := os.Open(t.path(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var n int64
	scanner := newScanner(f)
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript: %w", err)
	}
	return n, nil
}

// Append writes record to its thread's transcript, assigning the next
// sequence number and an id when missing.
func (t *TranscriptStore) Append(_ context.Context, record *types.TurnRecord) error {
	if record.ThreadID == "" {
		return fmt.Errorf("append turn record: missing thread id")
	}
	lock := t.lockFor(record.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(t.path(record.ThreadID)), 0o755); err != nil {
		return fmt.Errorf("create thread dir: %w", err)
	}

	existing, err := t.count(record.ThreadID)
	if err != nil {
		return err
	}
	record.Seq = existing + 1
	if record.ID == "" {
		record.ID = types.NewRecordID()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal turn record: %w", err)
	}

	f, err := os.OpenFile(t.path(record.ThreadID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write turn record: %w", err)
	}
	return nil
}

// Tail returns the last limit records of a thread, oldest first. A limit of
// zero or less returns everything.
func (t *TranscriptStore) Tail(_ context.Context, threadID types.ThreadID, limit int) ([]*types.TurnRecord, error) {
	lock := t.lockFor(threadID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(t.path(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var records []*types.TurnRecord
	scanner := newScanner(f)
	for scanner.Scan() {
		var rec types.TurnRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal turn record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Count returns the number of records in a thread's transcript.
func (t *TranscriptStore) Count(_ context.Context, threadID types.ThreadID) (int64, error) {
	lock := t.lockFor(threadID)
	lock.Lock()
	defer lock.Unlock()

	return t.count(threadID)
}
