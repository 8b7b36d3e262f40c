package clusterkv

import (
	"context"
	"sync"
)

var closedChan = make(chan struct{})

func init() { close(closedChan) }

// Future is a promise for a single command's reply. It is attached to a
// Command at enqueue time and fulfilled by the owning Connection's read
// loop when a response for that command's sync id arrives.
type Future struct {
	mu    sync.Mutex
	ready chan struct{}
	resp  interface{}
	err   error
	done  bool
}

// NewFuture returns an unresolved Future.
func NewFuture() *Future {
	return &Future{ready: make(chan struct{})}
}

// NewErrorFuture returns a Future already resolved with err.
func NewErrorFuture(err error) *Future {
	f := NewFuture()
	f.SetError(err)
	return f
}

// Set resolves the future with a successful reply. A future can only be
// resolved once; later calls are no-ops.
func (f *Future) Set(resp interface{}) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.resp, f.done = resp, true
	ready := f.ready
	f.mu.Unlock()
	close(ready)
}

// SetError resolves the future with a failure.
func (f *Future) SetError(err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.err, f.done = err, true
	ready := f.ready
	f.mu.Unlock()
	close(ready)
}

// Get blocks until the future is resolved and returns its result.
func (f *Future) Get() (interface{}, error) {
	<-f.waitChan()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// GetContext is Get but abandons the wait if ctx is done first; the future
// itself is left unresolved for whoever eventually fulfills it.
func (f *Future) GetContext(ctx context.Context) (interface{}, error) {
	select {
	case <-f.waitChan():
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err blocks until resolved and returns only the error.
func (f *Future) Err() error {
	_, err := f.Get()
	return err
}

func (f *Future) waitChan() <-chan struct{} {
	if f == nil {
		return closedChan
	}
	f.mu.Lock()
	ch := f.ready
	f.mu.Unlock()
	return ch
}

// IsSuccess reports whether the future is already resolved without error,
// without blocking. The executor's retry path uses this to filter
// already-succeeded commands out of a retried pipeline (§4.D, "a command
// whose promise is already successful").
func (f *Future) IsSuccess() bool {
	select {
	case <-f.waitChan():
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.done && f.err == nil
	default:
		return false
	}
}

// Reset clears a resolved future back to pending. Used when the executor
// discards per-command error state on a bucket after a MOVED/ASK/loading
// cause, so the command can be re-attempted without consuming retry budget
// (§4.D AwaitingResponse/terminal handling).
func (f *Future) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		return
	}
	f.ready = make(chan struct{})
	f.resp, f.err, f.done = nil, nil, false
}

// WriteFuture is a promise for a pipeline flush succeeding at the transport
// level, distinct from the per-command reply Futures that resolve later and
// independently as responses stream back (§4.D write-completion).
type WriteFuture struct {
	ready chan struct{}
	err   error
}

func newWriteFuture() *WriteFuture {
	return &WriteFuture{ready: make(chan struct{})}
}

func (w *WriteFuture) complete(err error) {
	w.err = err
	close(w.ready)
}

// Wait blocks until the write completes or ctx is done.
func (w *WriteFuture) Wait(ctx context.Context) error {
	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
