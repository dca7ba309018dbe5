// internal/state/thread.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/askstream/internal/types"
)

// ErrThreadNotFound is returned for keys that have no thread yet.
var ErrThreadNotFound = errors.New("thread not found")

// ThreadStore keeps the thread index in threads/threads.json. Each thread
// gets its own directory at threads/<threadID>/ for its transcript.
type ThreadStore struct {
	root string
	mu   sync.RWMutex
}

// NewThreadStore creates a ThreadStore rooted at the given data directory.
func NewThreadStore(root string) *ThreadStore {
	return &ThreadStore{root: root}
}

func (s *ThreadStore) indexPath() string {
	return filepath.Join(s.root, "threads", "threads.json")
}

func (s *ThreadStore) threadDir(id types.ThreadID) string {
	return filepath.Join(s.root, "threads", string(id))
}

func (s *ThreadStore) loadIndex() (map[types.ThreadKey]*types.ThreadIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ThreadKey]*types.ThreadIndex), nil
		}
		return nil, fmt.Errorf("read thread index: %w", err)
	}

	var threads []*types.ThreadIndex
	if err := json.Unmarshal(data, &threads); err != nil {
		return nil, fmt.Errorf("unmarshal thread index: %w", err)
	}

	index := make(map[types.ThreadKey]*types.ThreadIndex, len(threads))
	for _, th := range threads {
		index[th.ThreadKey] = th
	}
	return index, nil
}

func (s *ThreadStore) saveIndex(index map[types.ThreadKey]*types.ThreadIndex) error {
	threads := make([]*types.ThreadIndex, 0, len(index))
	for _, th := range index {
		threads = append(threads, th)
	}
	sortThreads(threads)

	data, err := json.MarshalIndent(threads, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal thread index: %w", err)
	}
	return writeFileAtomic(s.indexPath(), data)
}

// ResolveOrCreate returns the thread for key, creating it if needed.
func (s *ThreadStore) ResolveOrCreate(_ context.Context, key types.ThreadKey, source string) (*types.ThreadIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if existing, ok := index[key]; ok {
		return existing, nil
	}

	now := time.Now()
	th := &types.ThreadIndex{
		ThreadID:  types.NewThreadID(),
		ThreadKey: key,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	index[key] = th
	if err := s.saveIndex(index); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.threadDir(th.ThreadID), 0o755); err != nil {
		return nil, fmt.Errorf("create thread dir: %w", err)
	}
	return th, nil
}

// Get returns the thread for key.
func (s *ThreadStore) Get(_ context.Context, key types.ThreadKey) (*types.ThreadIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	th, ok := index[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, key)
	}
	return th, nil
}

// List returns all threads, most recently updated first.
func (s *ThreadStore) List(_ context.Context) ([]*types.ThreadIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	threads := make([]*types.ThreadIndex, 0, len(index))
	for _, th := range index {
		threads = append(threads, th)
	}
	sortThreads(threads)
	return threads, nil
}

// Update persists changes to an existing thread and bumps UpdatedAt.
func (s *ThreadStore) Update(_ context.Context, thread *types.ThreadIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[thread.ThreadKey]; !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, thread.ThreadKey)
	}
	thread.UpdatedAt = time.Now()
	index[thread.ThreadKey] = thread
	return s.saveIndex(index)
}

// Delete removes the thread and its transcript.
func (s *ThreadStore) Delete(_ context.Context, key types.ThreadKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	th, ok := index[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, key)
	}
	delete(index, key)
	if err := s.saveIndex(index); err != nil {
		return err
	}
	if err := os.RemoveAll(s.threadDir(th.ThreadID)); err != nil {
		return fmt.Errorf("remove thread dir: %w", err)
	}
	return nil
}

// LoadConversation returns the stored conversation id of a thread, or ""
// when the thread is unknown.
func (s *ThreadStore) LoadConversation(ctx context.Context, key types.ThreadKey) (string, error) {
	th, err := s.Get(ctx, key)
	if errors.Is(err, ErrThreadNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return th.ConversationID, nil
}

// SaveConversation stores the conversation id of a thread, creating the
// thread if needed. An empty id clears it.
func (s *ThreadStore) SaveConversation(_ context.Context, key types.ThreadKey, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	now := time.Now()
	th, ok := index[key]
	if !ok {
		th = &types.ThreadIndex{
			ThreadID:  types.NewThreadID(),
			ThreadKey: key,
			Source:    key.Prefix(),
			CreatedAt: now,
		}
		index[key] = th
	}
	th.ConversationID = conversationID
	th.UpdatedAt = now
	return s.saveIndex(index)
}

func sortThreads(threads []*types.ThreadIndex) {
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].ThreadKey < threads[j].ThreadKey
		}
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
