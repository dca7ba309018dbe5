package answer

import (
	"errors"
	"sync"
	"time"
)

// ErrTransportBusy is reported when Open is called on a transport that still
// owns a live connection.
var ErrTransportBusy = errors.New("transport busy: previous stream not cancelled")

// ErrIdleTimeout is reported when a stream stays silent for longer than its
// idle timeout.
var ErrIdleTimeout = errors.New("stream idle timeout")

// Dispatch delivers the events of one stream to its Handler and enforces the
// stream contract for transports: events are handed over one at a time, at
// most one terminal event is delivered, and nothing is delivered after the
// terminal event or after Close.
//
// Close never waits for a delivery in progress, so a handler may still be
// running when Close returns. Consumers that need a hard cut-off check their
// own turn identity as well.
type Dispatch struct {
	deliverMu sync.Mutex

	mu       sync.Mutex
	h        Handler
	closed   bool
	teardown func()
	idle     *time.Timer
	timeout  time.Duration
}

// NewDispatch wraps h. teardown releases the underlying connection and is
// called once, after a terminal event or on Close.
func NewDispatch(h Handler, teardown func()) *Dispatch {
	return &Dispatch{h: h, teardown: teardown}
}

// Deliver hands ev to the handler. It returns false when the event was
// discarded because the stream already ended.
func (d *Dispatch) Deliver(ev Event) bool {
	if ev == nil {
		return false
	}
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	terminal := ev.Terminal()
	if terminal {
		d.closed = true
		d.stopIdleLocked()
	}
	d.mu.Unlock()

	d.h(ev)

	if terminal {
		d.release()
	}
	return true
}

// Fail delivers err as the stream's terminal ErrorEvent.
func (d *Dispatch) Fail(err error) bool {
	msg := "stream failed"
	if err != nil {
		msg = err.Error()
	}
	return d.Deliver(ErrorEvent{Message: msg})
}

// Close ends the stream without delivering anything further.
func (d *Dispatch) Close() {
	d.mu.Lock()
	d.closed = true
	d.stopIdleLocked()
	d.mu.Unlock()
	d.release()
}

// Closed reports whether the stream has ended.
func (d *Dispatch) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// WatchIdle fails the stream with ErrIdleTimeout when Touch is not called
// for longer than timeout. A zero timeout disables the watchdog.
func (d *Dispatch) WatchIdle(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.idle != nil {
		return
	}
	d.timeout = timeout
	d.idle = time.AfterFunc(timeout, func() {
		d.Fail(ErrIdleTimeout)
	})
}

// Touch records stream activity and pushes the idle deadline back.
func (d *Dispatch) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idle != nil && !d.closed {
		d.idle.Reset(d.timeout)
	}
}

func (d *Dispatch) stopIdleLocked() {
	if d.idle != nil {
		d.idle.Stop()
	}
}

func (d *Dispatch) release() {
	d.mu.Lock()
	teardown := d.teardown
	d.teardown = nil
	d.mu.Unlock()
	if teardown != nil {
		teardown()
	}
}
