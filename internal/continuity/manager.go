// Package continuity keeps the server-assigned conversation id of a thread so
// follow-up questions continue the same conversation.
package continuity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/askstream/internal/types"
)

// Store persists conversation handles across process restarts.
type Store interface {
	LoadConversation(ctx context.Context, key types.ThreadKey) (string, error)
	SaveConversation(ctx context.Context, key types.ThreadKey, conversationID string) error
}

// Manager holds the conversation handle of one thread. Only the turn machine
// writes it (on a completed turn); anyone may read it.
type Manager struct {
	mu    sync.RWMutex
	key   types.ThreadKey
	id    string
	store Store

	// saveMu serializes store writes so the last write carries the latest id.
	saveMu sync.Mutex
}

// New creates a Manager for the thread identified by key. store may be nil,
// in which case the handle only lives in memory.
func New(key types.ThreadKey, store Store) *Manager {
	return &Manager{key: key, store: store}
}

// Key returns the thread key this manager belongs to.
func (m *Manager) Key() types.ThreadKey { return m.key }

// Restore loads a previously persisted handle.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	id, err := m.store.LoadConversation(ctx, m.key)
	if err != nil {
		return fmt.Errorf("restore conversation: %w", err)
	}
	m.mu.Lock()
	m.id = id
	m.mu.Unlock()
	return nil
}

// Get returns the current conversation id, or false before the first
// completed turn.
func (m *Manager) Get() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id, m.id != ""
}

// Update records the conversation id returned by a completed turn. Empty ids
// leave the handle untouched. Persistence failures are logged; the in-memory
// handle is updated regardless.
func (m *Manager) Update(conversationID string) {
	if m.Set(conversationID) {
		m.Flush()
	}
}

// Set changes the in-memory handle without touching the store and reports
// whether a Flush is needed. Empty ids are ignored.
func (m *Manager) Set(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.id != conversationID
	m.id = conversationID
	return changed && m.store != nil
}

// Reset forgets the handle so the next question starts a new conversation.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.id = ""
	m.mu.Unlock()
	m.Flush()
}

// Flush writes the current handle to the store.
func (m *Manager) Flush() {
	if m.store == nil {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	id, _ := m.Get()
	if err := m.store.SaveConversation(context.Background(), m.key, id); err != nil {
		slog.Warn("persist conversation handle failed", "thread_key", m.key, "error", err)
	}
}
