// Package delivery routes finished answers to the front end a thread
// belongs to, chosen by thread key prefix.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/user/askstream/internal/types"
)

// Handler delivers a message to the thread identified by key.
type Handler func(ctx context.Context, key types.ThreadKey, message string) error

// Registry routes messages to the appropriate delivery handler based on
// thread key prefix (e.g. "telegram:", "webhook:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for thread keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Has reports whether some handler accepts key.
func (r *Registry) Has(key types.ThreadKey) bool {
	_, ok := r.match(key)
	return ok
}

// Deliver calls the handler with the longest prefix matching key.
// Returns an error if no handler is registered for the key.
func (r *Registry) Deliver(ctx context.Context, key types.ThreadKey, message string) error {
	handler, ok := r.match(key)
	if !ok {
		return fmt.Errorf("no delivery handler for thread key: %s", key)
	}
	return handler(ctx, key, message)
}

func (r *Registry) match(key types.ThreadKey) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best    Handler
		bestLen = -1
	)
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(string(key), prefix) && len(prefix) > bestLen {
			best, bestLen = handler, len(prefix)
		}
	}
	return best, bestLen >= 0
}
