package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
)

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var running int32
	var maxSeen int32

	queue.processor = func(run *Run) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	for i := 0; i < 5; i++ {
		run := &Run{
			ID:        types.NewRunID(),
			ThreadKey: types.ThreadKey(fmt.Sprintf("test:%d", i)),
			Status:    RunStatusQueued,
		}
		if err := queue.Enqueue(run); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(500 * time.Millisecond)

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueProcessorCalled(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var processed int32

	queue.SetProcessor(func(run *Run) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	run := &Run{
		ID:        types.NewRunID(),
		ThreadKey: types.ThreadKey("test:session"),
		Status:    RunStatusQueued,
	}
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&processed) != 1 {
		t.Errorf("expected 1 processed run, got %d", processed)
	}
}

func TestQueueSameThreadOrdering(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	queue.SetProcessor(func(run *Run) error {
		mu.Lock()
		order = append(order, run.Attempts) // reuse Attempts as sequence marker
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	key := types.ThreadKey("test:same")
	for i := 0; i < 3; i++ {
		run := &Run{
			ID:        types.NewRunID(),
			ThreadKey: key,
			Status:    RunStatusQueued,
			Attempts:  i,
		}
		if err := queue.Enqueue(run); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runs to process")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Errorf("expected order[%d] = %d, got %d", i, i, v)
		}
	}
}

func TestQueueNoProcessor(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	// Enqueue without setting a processor -- should not panic
	run := &Run{
		ID:        types.NewRunID(),
		ThreadKey: types.ThreadKey("test:no-proc"),
		Status:    RunStatusQueued,
	}
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
}

func TestQueueProcessorErrorReportsErroredSnapshot(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	queue.SetProcessor(func(run *Run) error {
		return errors.New("resolve thread: disk full")
	})

	got := make(chan turn.Snapshot, 1)
	run := NewRun(&types.InboundQuery{ThreadKey: "test:err", Text: "q"})
	run.OnComplete = func(snap turn.Snapshot) { got <- snap }
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	select {
	case snap := <-got:
		if snap.Phase != turn.PhaseErrored {
			t.Errorf("expected errored phase, got %s", snap.Phase)
		}
		if snap.ErrorMessage != "resolve thread: disk full" {
			t.Errorf("unexpected error message %q", snap.ErrorMessage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnComplete not called")
	}
}

func TestQueueEnqueueAfterStop(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	queue.Stop()
	queue.Stop()

	run := NewRun(&types.InboundQuery{ThreadKey: "test:late", Text: "q"})
	if err := queue.Enqueue(run); err == nil {
		t.Error("expected error enqueueing on a stopped queue")
	}
}

func TestQueueStopCompletesWaitingRuns(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	queue.SetProcessor(func(run *Run) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	first := NewRun(&types.InboundQuery{ThreadKey: "test:busy", Text: "first"})
	if err := queue.Enqueue(first); err != nil {
		t.Fatal(err)
	}
	<-started

	completed := make(chan turn.Snapshot, 2)
	var waiting []*Run
	for _, key := range []types.ThreadKey{"test:busy", "test:other"} {
		run := NewRun(&types.InboundQuery{ThreadKey: key, Text: "waiting"})
		run.OnComplete = func(snap turn.Snapshot) { completed <- snap }
		if err := queue.Enqueue(run); err != nil {
			t.Fatal(err)
		}
		waiting = append(waiting, run)
	}

	stopped := make(chan struct{})
	go func() {
		queue.Stop()
		close(stopped)
	}()
	<-queue.ctx.Done()
	close(release)

	for range waiting {
		select {
		case snap := <-completed:
			if snap.Phase != turn.PhaseErrored || snap.ErrorMessage != ErrQueueStopped.Error() {
				t.Errorf("unexpected snapshot for dropped run: %+v", snap)
			}
			if snap.Query != "waiting" {
				t.Errorf("expected query 'waiting', got %q", snap.Query)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiting run never completed")
		}
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	for _, run := range waiting {
		if !errors.Is(run.Error, ErrQueueStopped) {
			t.Errorf("expected ErrQueueStopped, got %v", run.Error)
		}
	}
}
