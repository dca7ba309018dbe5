// Package turn implements the lifecycle of one question/answer turn on top of
// an answer.Transport: submission, single-flight de-duplication, incremental
// text assembly, completion/error resolution and cancellation.
package turn

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/askstream/internal/continuity"
	"github.com/user/askstream/internal/sources"
	"github.com/user/askstream/internal/types"
	"github.com/user/askstream/pkg/answer"
)

const subscriberBufferSize = 64

// Phase is the lifecycle state of the current turn.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseStreaming  Phase = "streaming"
	PhaseCompleted  Phase = "completed"
	PhaseErrored    Phase = "errored"
)

// InFlight reports whether a stream is open for the turn.
func (p Phase) InFlight() bool {
	return p == PhaseConnecting || p == PhaseStreaming
}

// Terminal reports whether the turn has ended with a result.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseErrored
}

// Snapshot is the observable state of the current turn.
type Snapshot struct {
	TurnID         types.TurnID        `json:"turn_id,omitempty"`
	Phase          Phase               `json:"phase"`
	Query          string              `json:"query,omitempty"`
	DisplayText    string              `json:"display_text"`
	Status         *answer.StatusEvent `json:"status,omitempty"`
	Sources        []sources.Ref       `json:"sources"`
	ErrorMessage   string              `json:"error,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
	Tokens         int                 `json:"tokens"`
}

type turnState struct {
	id       types.TurnID
	phase    Phase
	query    string
	text     strings.Builder
	status   *answer.StatusEvent
	errMsg   string
	convID   string
	metadata map[string]any
	tokens   int
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for transition logging.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithTracer sets the tracer used for per-turn spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Machine) { m.tracer = tracer }
}

// Machine owns the turns of one conversation thread. At most one stream is
// open at a time: submitting a new question cancels the previous stream
// before the next one is opened.
//
// Transport callbacks arrive on the transport's goroutine. All state
// transitions are serialized by one mutex, and every stream is tagged with a
// generation number so events from a cancelled or superseded stream are
// discarded even if the transport has already handed them over.
type Machine struct {
	transport answer.Transport
	conv      *continuity.Manager
	logger    *slog.Logger
	tracer    trace.Tracer

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	gen      uint64
	state    *turnState
	agg      sources.Aggregator
	cancel   answer.CancelFunc
	last     answer.QueryRequest
	hasLast  bool
	done     chan struct{}
	// saved is closed once the handle of the last completed turn is stored.
	saved    chan struct{}
	span     trace.Span
	disposed bool

	// pubMu orders snapshot delivery to match the order of transitions.
	pubMu sync.Mutex
	subs  map[string]chan Snapshot
}

// New creates a Machine that opens streams on transport and threads the
// conversation handle held by conv through every question.
func New(transport answer.Transport, conv *continuity.Manager, opts ...Option) *Machine {
	if conv == nil {
		conv = continuity.New("", nil)
	}
	ctx, stop := context.WithCancel(context.Background())
	m := &Machine{
		transport: transport,
		conv:      conv,
		tracer:    otel.Tracer("github.com/user/askstream/internal/turn"),
		ctx:       ctx,
		stop:      stop,
		state:     &turnState{phase: PhaseIdle},
		subs:      make(map[string]chan Snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "turn", "thread_key", conv.Key())
	return m
}

// Continuity returns the conversation handle manager of this machine.
func (m *Machine) Continuity() *continuity.Manager { return m.conv }

// Submit asks text in the thread's current conversation. It returns false
// when nothing was started: the text is blank, the same question is already
// in flight, or the machine was disposed.
func (m *Machine) Submit(text string) bool {
	return m.submit(text, "", false, true)
}

// SubmitTo is Submit with an explicit conversation id instead of the
// thread's current handle.
func (m *Machine) SubmitTo(text, conversationID string) bool {
	return m.submit(text, conversationID, true, true)
}

// LastQuery returns the most recently submitted question, which survives
// cancellation.
func (m *Machine) LastQuery() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.Text, m.hasLast
}

// Retry asks the last question again with the conversation id it was first
// asked with (absent for the first turn of a thread). Unlike Submit it always
// opens a new stream.
func (m *Machine) Retry() bool {
	m.mu.Lock()
	req, ok := m.last, m.hasLast
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.submit(req.Text, req.ConversationID, true, false)
}

// RetryIn re-asks the last question in the given conversation.
func (m *Machine) RetryIn(conversationID string) bool {
	m.mu.Lock()
	req, ok := m.last, m.hasLast
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.submit(req.Text, conversationID, true, false)
}

func (m *Machine) submit(text, conversationID string, explicitConv, dedupe bool) bool {
	if !explicitConv {
		conversationID, _ = m.conv.Get()
	}
	req, err := answer.NewQueryRequest(text, conversationID)
	if err != nil {
		m.logger.Debug("submit ignored", "reason", err)
		return false
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return false
	}
	if dedupe && m.state.phase.InFlight() && m.state.query == req.Text {
		m.mu.Unlock()
		m.logger.Debug("duplicate submit ignored", "turn_id", m.state.id)
		return false
	}

	m.abortLocked("superseded")
	m.gen++
	gen := m.gen
	m.state = &turnState{
		id:     types.NewTurnID(),
		phase:  PhaseConnecting,
		query:  req.Text,
		convID: req.ConversationID,
	}
	m.agg.Reset()
	m.last, m.hasLast = req, true
	m.done = make(chan struct{})
	m.saved = nil
	_, m.span = m.tracer.Start(m.ctx, "turn",
		trace.WithAttributes(
			attribute.String("turn.id", string(m.state.id)),
			attribute.Int("turn.query_length", len(req.Text)),
			attribute.Bool("turn.continued", req.ConversationID != ""),
		))

	m.logger.Debug("turn started", "turn_id", m.state.id, "conversation_id", req.ConversationID)
	m.cancel = m.transport.Open(m.ctx, req, func(ev answer.Event) {
		m.handle(gen, ev)
	})
	m.unlockAndPublish()
	return true
}

func (m *Machine) handle(gen uint64, ev answer.Event) {
	m.mu.Lock()
	st := m.state
	if gen != m.gen || !st.phase.InFlight() {
		m.mu.Unlock()
		m.logger.Debug("stale event discarded", "kind", ev.Kind())
		return
	}

	var flush func()
	switch e := ev.(type) {
	case answer.StatusEvent:
		st.phase = PhaseStreaming
		st.status = &e
	case answer.TokenEvent:
		st.phase = PhaseStreaming
		st.status = nil
		st.text.WriteString(e.Text)
		st.tokens++
	case answer.SourcesEvent:
		m.agg.Apply(e.URLs)
	case answer.CompleteEvent:
		// Streamed text wins over the end-of-turn payload.
		if st.text.Len() == 0 && e.HasFallback {
			st.text.WriteString(e.FallbackAnswer)
		}
		st.status = nil
		st.metadata = e.Metadata
		if e.ConversationID != "" {
			st.convID = e.ConversationID
		}
		st.phase = PhaseCompleted
		if m.conv.Set(e.ConversationID) {
			saved := make(chan struct{})
			m.saved = saved
			flush = func() {
				m.conv.Flush()
				close(saved)
			}
		}
		m.settleLocked()
		m.logger.Debug("turn completed", "turn_id", st.id, "conversation_id", st.convID, "tokens", st.tokens)
	case answer.ErrorEvent:
		st.status = nil
		st.errMsg = e.Message
		st.phase = PhaseErrored
		m.settleLocked()
		m.logger.Debug("turn errored", "turn_id", st.id, "error", e.Message)
	default:
		m.mu.Unlock()
		return
	}
	m.unlockAndPublishAfter(flush)
}

// Cancel abandons the in-flight turn and returns to idle. It is a no-op when
// nothing is in flight.
func (m *Machine) Cancel() {
	m.mu.Lock()
	if !m.state.phase.InFlight() {
		m.mu.Unlock()
		return
	}
	m.logger.Debug("turn cancelled", "turn_id", m.state.id)
	m.abortLocked("cancelled")
	m.gen++
	m.state = &turnState{phase: PhaseIdle}
	m.agg.Reset()
	m.unlockAndPublish()
}

// Dispose cancels any in-flight turn and closes every subscription. The
// machine accepts no further questions.
func (m *Machine) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.abortLocked("disposed")
	m.gen++
	m.disposed = true
	if m.state.phase.InFlight() {
		m.state = &turnState{phase: PhaseIdle}
		m.agg.Reset()
	}
	m.mu.Unlock()
	m.stop()

	m.pubMu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.pubMu.Unlock()
}

// Snapshot returns the current observable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Wait blocks until no turn is in flight and returns the resulting state.
// After a completed turn it also waits for the new conversation handle to
// reach the store.
func (m *Machine) Wait(ctx context.Context) (Snapshot, error) {
	for {
		m.mu.Lock()
		if !m.state.phase.InFlight() {
			snap := m.snapshotLocked()
			saved := m.saved
			m.mu.Unlock()
			if saved != nil {
				select {
				case <-saved:
				case <-ctx.Done():
					return snap, ctx.Err()
				}
			}
			return snap, nil
		}
		done := m.done
		m.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		}
	}
}

// Subscribe returns a channel receiving a snapshot after every transition.
// Slow subscribers lose intermediate snapshots, never the latest one. The
// channel is closed when ctx ends or the machine is disposed.
func (m *Machine) Subscribe(ctx context.Context) <-chan Snapshot {
	id := uuid.New().String()
	ch := make(chan Snapshot, subscriberBufferSize)

	// mu is always taken before pubMu.
	m.mu.Lock()
	disposed := m.disposed
	m.mu.Unlock()
	if disposed {
		close(ch)
		return ch
	}
	m.pubMu.Lock()
	m.subs[id] = ch
	m.pubMu.Unlock()

	// A Dispose racing with the registration above cancels m.ctx, so the
	// channel is still closed below.
	go func() {
		select {
		case <-ctx.Done():
		case <-m.ctx.Done():
		}
		m.pubMu.Lock()
		if sub, ok := m.subs[id]; ok {
			close(sub)
			delete(m.subs, id)
		}
		m.pubMu.Unlock()
	}()
	return ch
}

// abortLocked cancels the open stream, if any, and releases waiters.
func (m *Machine) abortLocked(reason string) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.state.phase.InFlight() {
		if m.span != nil {
			m.span.SetAttributes(attribute.String("turn.phase", reason))
			m.span.End()
			m.span = nil
		}
		m.closeDoneLocked()
	}
}

// settleLocked finishes a turn that reached a terminal phase. The transport
// has already torn the stream down, so only the handle is dropped.
func (m *Machine) settleLocked() {
	m.cancel = nil
	st := m.state
	if m.span != nil {
		m.span.SetAttributes(
			attribute.String("turn.phase", string(st.phase)),
			attribute.Int("turn.tokens", st.tokens),
			attribute.Int("turn.sources", m.agg.Len()),
		)
		if st.phase == PhaseErrored {
			m.span.SetStatus(codes.Error, st.errMsg)
		}
		m.span.End()
		m.span = nil
	}
	m.closeDoneLocked()
}

func (m *Machine) closeDoneLocked() {
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	st := m.state
	snap := Snapshot{
		TurnID:         st.id,
		Phase:          st.phase,
		Query:          st.query,
		DisplayText:    st.text.String(),
		Sources:        m.agg.List(),
		ErrorMessage:   st.errMsg,
		ConversationID: st.convID,
		Metadata:       maps.Clone(st.metadata),
		Tokens:         st.tokens,
	}
	if st.status != nil {
		status := *st.status
		snap.Status = &status
	}
	return snap
}

// unlockAndPublish releases mu and fans the post-transition snapshot out to
// subscribers without blocking.
func (m *Machine) unlockAndPublish() {
	m.unlockAndPublishAfter(nil)
}

// unlockAndPublishAfter runs fn between releasing mu and the fan-out, so
// slow work in fn never blocks Snapshot or Cancel but still happens before
// subscribers see the transition.
func (m *Machine) unlockAndPublishAfter(fn func()) {
	snap := m.snapshotLocked()
	m.pubMu.Lock()
	m.mu.Unlock()
	defer m.pubMu.Unlock()

	if fn != nil {
		fn()
	}

	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
