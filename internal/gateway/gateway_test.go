package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/askstream/internal/state"
	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
	"github.com/user/askstream/pkg/answer"
)

// scriptTransport answers every stream with the next script in line,
// emitting it on its own goroutine like a real transport.
type scriptTransport struct {
	mu       sync.Mutex
	scripts  [][]answer.Event
	requests []answer.QueryRequest
}

func (s *scriptTransport) Open(_ context.Context, req answer.QueryRequest, h answer.Handler) answer.CancelFunc {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var script []answer.Event
	if len(s.scripts) > 0 {
		script, s.scripts = s.scripts[0], s.scripts[1:]
	}
	s.mu.Unlock()

	d := answer.NewDispatch(h, nil)
	go func() {
		for _, ev := range script {
			if !d.Deliver(ev) {
				return
			}
		}
	}()
	return d.Close
}

func (s *scriptTransport) seen() []answer.QueryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]answer.QueryRequest(nil), s.requests...)
}

func fastRetry() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
		MaxDelay:     time.Millisecond,
	}
}

func newTestGateway(t *testing.T, tr *scriptTransport) (*Gateway, *state.ThreadStore, *state.TranscriptStore) {
	t.Helper()
	dir := t.TempDir()
	threads := state.NewThreadStore(dir)
	transcripts := state.NewTranscriptStore(dir)
	gw := New(threads, transcripts, func() answer.Transport { return tr }, WithRetryPolicy(fastRetry()))
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)
	return gw, threads, transcripts
}

func ask(t *testing.T, gw *Gateway, key types.ThreadKey, text string, opts ...RunOption) turn.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := gw.Ask(ctx, &types.InboundQuery{Source: "test", ThreadKey: key, Text: text}, opts...)
	require.NoError(t, err)
	return snap
}

func TestGatewayAskRecordsTurn(t *testing.T) {
	tr := &scriptTransport{scripts: [][]answer.Event{{
		answer.StatusEvent{Step: answer.StepSearching},
		answer.SourcesEvent{URLs: []string{"https://go.dev/doc"}},
		answer.TokenEvent{Text: "Go is "},
		answer.TokenEvent{Text: "great."},
		answer.CompleteEvent{ConversationID: "c-1", Metadata: map[string]any{"format": "markdown"}},
	}}}
	gw, threads, transcripts := newTestGateway(t, tr)

	var mu sync.Mutex
	var updates []turn.Phase
	snap := ask(t, gw, "test:1", "what is go?", WithOnUpdate(func(s turn.Snapshot) {
		mu.Lock()
		updates = append(updates, s.Phase)
		mu.Unlock()
	}))

	assert.Equal(t, turn.PhaseCompleted, snap.Phase)
	assert.Equal(t, "Go is great.", snap.DisplayText)
	assert.Equal(t, "c-1", snap.ConversationID)

	mu.Lock()
	assert.NotEmpty(t, updates)
	for _, p := range updates {
		assert.True(t, p.InFlight(), "updates only carry in-flight snapshots")
	}
	mu.Unlock()

	ctx := context.Background()
	index, err := threads.Get(ctx, "test:1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", index.ConversationID)
	assert.Equal(t, snap.TurnID, index.LastTurnID)

	records, err := transcripts.Tail(ctx, index.ThreadID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "what is go?", records[0].Query)
	assert.Equal(t, "Go is great.", records[0].Answer)
	assert.Equal(t, []string{"https://go.dev/doc"}, records[0].Sources)
	assert.Equal(t, "completed", records[0].Phase)
	assert.JSONEq(t, `{"format":"markdown"}`, string(records[0].Metadata))
}

func TestGatewayContinuesConversation(t *testing.T) {
	tr := &scriptTransport{scripts: [][]answer.Event{
		{answer.CompleteEvent{ConversationID: "c-1", FallbackAnswer: "one", HasFallback: true}},
		{answer.CompleteEvent{FallbackAnswer: "two", HasFallback: true}},
	}}
	gw, _, _ := newTestGateway(t, tr)

	ask(t, gw, "test:1", "first")
	ask(t, gw, "test:1", "second")

	reqs := tr.seen()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].ConversationID)
	assert.Equal(t, "c-1", reqs[1].ConversationID)
}

func TestGatewayRestoresConversationFromStore(t *testing.T) {
	tr := &scriptTransport{scripts: [][]answer.Event{{answer.CompleteEvent{}}}}
	gw, threads, _ := newTestGateway(t, tr)
	require.NoError(t, threads.SaveConversation(context.Background(), "test:saved", "c-old"))

	ask(t, gw, "test:saved", "again")
	assert.Equal(t, "c-old", tr.seen()[0].ConversationID)
}

func TestGatewayRetriesRetryableErrors(t *testing.T) {
	tr := &scriptTransport{scripts: [][]answer.Event{
		{answer.ErrorEvent{Message: "answer endpoint error (status 503): busy"}},
		{answer.TokenEvent{Text: "ok"}, answer.CompleteEvent{ConversationID: "c-2"}},
	}}
	gw, threads, transcripts := newTestGateway(t, tr)

	snap := ask(t, gw, "test:1", "q")
	assert.Equal(t, turn.PhaseCompleted, snap.Phase)
	assert.Equal(t, "ok", snap.DisplayText)
	assert.Len(t, tr.seen(), 2)

	index, err := threads.Get(context.Background(), "test:1")
	require.NoError(t, err)
	records, err := transcripts.Tail(context.Background(), index.ThreadID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1, "only the final attempt is recorded")
	assert.Equal(t, 2, records[0].Attempts)
}

func TestGatewayDoesNotRetryPermanentErrors(t *testing.T) {
	tr := &scriptTransport{scripts: [][]answer.Event{
		{answer.ErrorEvent{Message: "answer endpoint error (status 401): unauthorized"}},
	}}
	gw, _, _ := newTestGateway(t, tr)

	snap := ask(t, gw, "test:1", "q")
	assert.Equal(t, turn.PhaseErrored, snap.Phase)
	assert.Contains(t, snap.ErrorMessage, "status 401")
	assert.Len(t, tr.seen(), 1)
}

func TestGatewayGivesUpAfterMaxAttempts(t *testing.T) {
	fail := []answer.Event{answer.ErrorEvent{Message: "stream idle timeout"}}
	tr := &scriptTransport{scripts: [][]answer.Event{fail, fail, fail, fail}}
	gw, _, _ := newTestGateway(t, tr)

	snap := ask(t, gw, "test:1", "q")
	assert.Equal(t, turn.PhaseErrored, snap.Phase)
	assert.Len(t, tr.seen(), 3)
}

func TestGatewaySeparateThreads(t *testing.T) {
	tr := &scriptTransport{scripts: [][]answer.Event{
		{answer.CompleteEvent{ConversationID: "c-a"}},
		{answer.CompleteEvent{ConversationID: "c-b"}},
	}}
	gw, threads, _ := newTestGateway(t, tr)

	ask(t, gw, "test:a", "hello")
	ask(t, gw, "test:b", "hello")

	list, err := threads.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestGatewayNewConversation(t *testing.T) {
	tr := &scriptTransport{scripts: [][]answer.Event{
		{answer.CompleteEvent{ConversationID: "c-1"}},
		{answer.CompleteEvent{}},
	}}
	gw, threads, _ := newTestGateway(t, tr)
	ctx := context.Background()

	ask(t, gw, "test:1", "first")
	require.NoError(t, gw.NewConversation(ctx, "test:1"))
	ask(t, gw, "test:1", "second")

	assert.Empty(t, tr.seen()[1].ConversationID)
	id, err := threads.LoadConversation(ctx, "test:1")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestGatewayForget(t *testing.T) {
	tr := &scriptTransport{scripts: [][]answer.Event{{answer.CompleteEvent{ConversationID: "c-1"}}}}
	gw, threads, _ := newTestGateway(t, tr)
	ctx := context.Background()

	ask(t, gw, "test:1", "q")
	require.NoError(t, gw.Forget(ctx, "test:1"))

	_, err := threads.Get(ctx, "test:1")
	assert.ErrorIs(t, err, state.ErrThreadNotFound)
	_, ok := gw.Snapshot("test:1")
	assert.False(t, ok)
}

func TestGatewayNotStarted(t *testing.T) {
	dir := t.TempDir()
	gw := New(state.NewThreadStore(dir), state.NewTranscriptStore(dir), func() answer.Transport { return &scriptTransport{} })

	err := gw.HandleInbound(context.Background(), &types.InboundQuery{ThreadKey: "test:1", Text: "q"})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestGatewayRetryReasksLastQuestion(t *testing.T) {
	tr := &scriptTransport{scripts: [][]answer.Event{
		{answer.ErrorEvent{Message: "answer endpoint error (status 400): bad"}},
		{answer.CompleteEvent{FallbackAnswer: "second time lucky", HasFallback: true}},
	}}
	gw, _, _ := newTestGateway(t, tr)
	ctx := context.Background()

	assert.ErrorIs(t, gw.Retry(ctx, "test:1", "test"), ErrNothingToRetry)

	snap := ask(t, gw, "test:1", "flaky question")
	require.Equal(t, turn.PhaseErrored, snap.Phase)

	done := make(chan turn.Snapshot, 1)
	require.NoError(t, gw.Retry(ctx, "test:1", "test", WithOnComplete(func(s turn.Snapshot) { done <- s })))
	select {
	case snap = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("retry did not complete")
	}
	assert.Equal(t, turn.PhaseCompleted, snap.Phase)
	assert.Equal(t, "flaky question", snap.Query)
	assert.Equal(t, "second time lucky", snap.DisplayText)
	assert.Len(t, tr.seen(), 2)
}

func TestGatewayCancel(t *testing.T) {
	tr := &scriptTransport{scripts: [][]answer.Event{{answer.TokenEvent{Text: "partial"}}}}
	gw, threads, transcripts := newTestGateway(t, tr)
	ctx := context.Background()

	streaming := make(chan struct{})
	var once sync.Once
	done := make(chan turn.Snapshot, 1)
	err := gw.HandleInbound(ctx, &types.InboundQuery{Source: "test", ThreadKey: "test:1", Text: "long question"},
		WithOnUpdate(func(s turn.Snapshot) {
			if s.DisplayText == "partial" {
				once.Do(func() { close(streaming) })
			}
		}),
		WithOnComplete(func(s turn.Snapshot) { done <- s }),
	)
	require.NoError(t, err)

	select {
	case <-streaming:
	case <-time.After(3 * time.Second):
		t.Fatal("turn never streamed")
	}
	gw.Cancel("test:1")

	var snap turn.Snapshot
	select {
	case snap = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled run did not complete")
	}
	assert.Equal(t, turn.PhaseIdle, snap.Phase)
	assert.Empty(t, snap.DisplayText)

	index, err := threads.Get(ctx, "test:1")
	require.NoError(t, err)
	count, err := transcripts.Count(ctx, index.ThreadID)
	require.NoError(t, err)
	assert.Zero(t, count, "cancelled turns are not recorded")
	assert.Len(t, tr.seen(), 1, "a cancelled turn is not retried")
}

func TestGatewayRefusesWorkAfterStop(t *testing.T) {
	tr := &scriptTransport{}
	gw, _, _ := newTestGateway(t, tr)
	gw.Stop()

	_, err := gw.Thread(context.Background(), "test:late", "test")
	assert.ErrorIs(t, err, ErrNotStarted)
	err = gw.HandleInbound(context.Background(), &types.InboundQuery{ThreadKey: "test:late", Text: "q"})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Empty(t, tr.seen())
}
