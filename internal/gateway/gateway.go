package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/askstream/internal/continuity"
	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
	"github.com/user/askstream/pkg/answer"
)

// ErrNotStarted is returned by the entry points when the gateway is not
// running, either before Start or after Stop.
var ErrNotStarted = errors.New("gateway not started")

// ErrNothingToRetry is returned by Retry for threads without a question.
var ErrNothingToRetry = errors.New("nothing to retry")

// TransportFactory returns a fresh transport for a new thread. Transports
// carry one stream at a time, so threads never share one.
type TransportFactory func() answer.Transport

// Thread is a live conversation thread: its persisted index entry and the
// turn machine answering its questions.
type Thread struct {
	Index   *types.ThreadIndex
	Machine *turn.Machine
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxConcurrent bounds how many threads may stream at once.
func WithMaxConcurrent(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.Queue = NewQueue(n)
		}
	}
}

// WithRetryPolicy replaces the default retry policy for errored turns.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(g *Gateway) {
		if p != nil {
			g.retry = p
		}
	}
}

// WithLogger sets the logger handed to the gateway and its machines.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// Gateway routes inbound questions to per-thread turn machines. It resolves
// (or creates) the thread, queues the question on the thread's lane, drives
// the turn to a terminal phase with retries, and records the result.
type Gateway struct {
	threads      types.ThreadStore
	transcripts  types.TranscriptStore
	newTransport TransportFactory
	Queue        *Queue
	retry        *RetryPolicy
	logger       *slog.Logger

	mu   sync.Mutex
	live map[types.ThreadKey]*Thread

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway wired to the provided stores. Every thread gets its
// own transport from newTransport.
func New(threads types.ThreadStore, transcripts types.TranscriptStore, newTransport TransportFactory, opts ...Option) *Gateway {
	g := &Gateway{
		threads:      threads,
		transcripts:  transcripts,
		newTransport: newTransport,
		Queue:        NewQueue(2),
		retry:        DefaultRetryPolicy(),
		live:         make(map[types.ThreadKey]*Thread),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.Queue.SetProcessor(g.process)
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels every open stream, stops the queue and waits for the lanes
// to drain.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.mu.Lock()
	for key, th := range g.live {
		th.Machine.Dispose()
		delete(g.live, key)
	}
	g.mu.Unlock()
	g.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnUpdate sets a callback receiving every snapshot while the turn streams.
func WithOnUpdate(fn func(turn.Snapshot)) RunOption {
	return func(r *Run) { r.OnUpdate = fn }
}

// WithOnComplete sets a callback invoked with the final snapshot of the run.
func WithOnComplete(fn func(turn.Snapshot)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// Thread returns the live thread for key, loading it from the store (and
// restoring its conversation handle) on first use.
func (g *Gateway) Thread(ctx context.Context, key types.ThreadKey, source string) (*Thread, error) {
	if !g.running() {
		return nil, ErrNotStarted
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if th, ok := g.live[key]; ok {
		return th, nil
	}

	index, err := g.threads.ResolveOrCreate(ctx, key, source)
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}
	conv := continuity.New(key, g.threads)
	if err := conv.Restore(ctx); err != nil {
		g.logger.Warn("conversation not restored", "thread_key", string(key), "error", err)
	}
	th := &Thread{
		Index:   index,
		Machine: turn.New(g.newTransport(), conv, turn.WithLogger(g.logger)),
	}
	g.live[key] = th
	return th, nil
}

func (g *Gateway) running() bool {
	return g.ctx != nil && g.ctx.Err() == nil
}

// HandleInbound queues the question on its thread's lane.
func (g *Gateway) HandleInbound(ctx context.Context, query *types.InboundQuery, opts ...RunOption) error {
	if _, err := g.Thread(ctx, query.ThreadKey, query.Source); err != nil {
		return err
	}
	run := NewRun(query)
	for _, opt := range opts {
		opt(run)
	}
	return g.Queue.Enqueue(run)
}

// Retry queues a fresh attempt at the thread's last question, in the
// conversation it was first asked in.
func (g *Gateway) Retry(ctx context.Context, key types.ThreadKey, source string, opts ...RunOption) error {
	th, err := g.Thread(ctx, key, source)
	if err != nil {
		return err
	}
	last, ok := th.Machine.LastQuery()
	if !ok {
		return ErrNothingToRetry
	}
	run := NewRun(&types.InboundQuery{Source: source, ThreadKey: key, Text: last})
	run.Retry = true
	for _, opt := range opts {
		opt(run)
	}
	return g.Queue.Enqueue(run)
}

// Ask queues the question and waits for its final snapshot. ctx bounds the
// wait only; the turn keeps running and is recorded if ctx ends first.
func (g *Gateway) Ask(ctx context.Context, query *types.InboundQuery, opts ...RunOption) (turn.Snapshot, error) {
	done := make(chan turn.Snapshot, 1)
	opts = append(opts, func(r *Run) {
		prev := r.OnComplete
		r.OnComplete = func(snap turn.Snapshot) {
			if prev != nil {
				prev(snap)
			}
			done <- snap
		}
	})
	if err := g.HandleInbound(ctx, query, opts...); err != nil {
		return turn.Snapshot{}, err
	}
	select {
	case snap := <-done:
		return snap, nil
	case <-ctx.Done():
		return turn.Snapshot{}, ctx.Err()
	}
}

// Cancel abandons the in-flight turn of a thread, if any.
func (g *Gateway) Cancel(key types.ThreadKey) {
	g.mu.Lock()
	th, ok := g.live[key]
	g.mu.Unlock()
	if ok {
		th.Machine.Cancel()
	}
}

// NewConversation cancels the thread's turn and forgets its conversation
// handle, so the next question starts a new conversation. The transcript
// is kept.
func (g *Gateway) NewConversation(ctx context.Context, key types.ThreadKey) error {
	g.mu.Lock()
	th, ok := g.live[key]
	g.mu.Unlock()
	if ok {
		th.Machine.Cancel()
		th.Machine.Continuity().Reset()
		return nil
	}
	if err := g.threads.SaveConversation(ctx, key, ""); err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}
	return nil
}

// Forget drops the thread entirely, including its transcript.
func (g *Gateway) Forget(ctx context.Context, key types.ThreadKey) error {
	g.mu.Lock()
	th, ok := g.live[key]
	delete(g.live, key)
	g.mu.Unlock()
	if ok {
		th.Machine.Dispose()
	}
	if err := g.threads.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// Snapshot returns the current state of a live thread.
func (g *Gateway) Snapshot(key types.ThreadKey) (turn.Snapshot, bool) {
	g.mu.Lock()
	th, ok := g.live[key]
	g.mu.Unlock()
	if !ok {
		return turn.Snapshot{}, false
	}
	return th.Machine.Snapshot(), true
}

// process drives one run: it submits the question, follows the turn to a
// terminal phase, retries retryable errors with backoff and records the
// final turn in the thread's transcript.
func (g *Gateway) process(run *Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = g.ctx
	}
	th, err := g.Thread(ctx, run.ThreadKey, run.Query.Source)
	if err != nil {
		return err
	}
	m := th.Machine

	now := time.Now()
	run.StartedAt = &now
	run.Status = RunStatusRunning
	logger := g.logger.With("run_id", string(run.ID), "thread_key", string(run.ThreadKey))

	var snap turn.Snapshot
	for attempt := 1; ; attempt++ {
		run.Attempts = attempt
		snap, err = g.attempt(ctx, m, run, attempt)
		if err != nil {
			return err
		}
		if snap.Phase != turn.PhaseErrored ||
			attempt >= g.retry.MaxAttempts ||
			!g.retry.ShouldRetryMessage(snap.ErrorMessage, attempt) {
			break
		}
		delay := g.retry.NextDelay(attempt)
		logger.Info("retrying turn", "attempt", attempt, "delay", delay, "error", snap.ErrorMessage)
		if err := sleepContext(ctx, delay); err != nil {
			break
		}
	}

	ended := time.Now()
	run.EndedAt = &ended
	run.Status = RunStatusComplete
	if snap.Phase == turn.PhaseErrored {
		run.Status = RunStatusFailed
		run.Error = errors.New(snap.ErrorMessage)
	}

	if snap.Phase.Terminal() {
		if err := g.record(ctx, th, run, snap); err != nil {
			logger.Error("record turn", "error", err)
		}
	}
	logger.Info("run finished", "phase", string(snap.Phase), "attempts", run.Attempts, "tokens", snap.Tokens)
	run.complete(snap)
	return nil
}

// attempt starts (or retries) the run's turn and follows it until it leaves
// the in-flight phases. A turn superseded or cancelled from elsewhere ends
// the attempt with whatever state the machine reports.
func (g *Gateway) attempt(ctx context.Context, m *turn.Machine, run *Run, attempt int) (turn.Snapshot, error) {
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	updates := m.Subscribe(subCtx)

	var started bool
	if attempt == 1 && !run.Retry {
		started = m.Submit(run.Query.Text)
	} else {
		started = m.Retry()
	}
	if !started {
		return turn.Snapshot{}, fmt.Errorf("submit query: turn not started")
	}
	id := m.Snapshot().TurnID

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return m.Snapshot(), nil
			}
			if snap.TurnID != id {
				return snap, nil
			}
			if !snap.Phase.InFlight() {
				return snap, nil
			}
			run.update(snap)
		case <-ctx.Done():
			m.Cancel()
			return m.Snapshot(), nil
		}
	}
}

func (g *Gateway) record(ctx context.Context, th *Thread, run *Run, snap turn.Snapshot) error {
	refs := make([]string, 0, len(snap.Sources))
	for _, src := range snap.Sources {
		refs = append(refs, src.Reference)
	}
	var meta json.RawMessage
	if len(snap.Metadata) > 0 {
		data, err := json.Marshal(snap.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = data
	}

	rec := &types.TurnRecord{
		ThreadID:       th.Index.ThreadID,
		TurnID:         snap.TurnID,
		Source:         run.Query.Source,
		Query:          snap.Query,
		Answer:         snap.DisplayText,
		Sources:        refs,
		ConversationID: snap.ConversationID,
		Phase:          string(snap.Phase),
		Error:          snap.ErrorMessage,
		Attempts:       run.Attempts,
		At:             time.Now(),
		Metadata:       meta,
	}
	if err := g.transcripts.Append(ctx, rec); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}

	index, err := g.threads.Get(ctx, run.ThreadKey)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	index.LastTurnID = snap.TurnID
	if err := g.threads.Update(ctx, index); err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	g.mu.Lock()
	th.Index = index
	g.mu.Unlock()
	return nil
}
