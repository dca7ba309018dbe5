package gateway

import (
	"context"
	"time"

	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks one inbound question from enqueue until its turn settles.
type Run struct {
	ID        types.RunID
	ThreadKey types.ThreadKey
	Query     *types.InboundQuery
	Status    RunStatus
	Attempts  int
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	Ctx       context.Context
	// Retry re-asks the thread's last question instead of Query.Text.
	Retry bool

	// OnUpdate receives every snapshot of the run's turn while it streams.
	OnUpdate func(turn.Snapshot)
	// OnComplete receives the final snapshot. A run that could not start a
	// turn reports an errored snapshot.
	OnComplete func(turn.Snapshot)
}

// NewRun creates a Run in the Queued state for the given query.
func NewRun(query *types.InboundQuery) *Run {
	return &Run{
		ID:        types.NewRunID(),
		ThreadKey: query.ThreadKey,
		Query:     query,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}

func (r *Run) text() string {
	if r.Query == nil {
		return ""
	}
	return r.Query.Text
}

func (r *Run) update(snap turn.Snapshot) {
	if r.OnUpdate != nil {
		r.OnUpdate(snap)
	}
}

func (r *Run) complete(snap turn.Snapshot) {
	if r.OnComplete != nil {
		r.OnComplete(snap)
	}
}
