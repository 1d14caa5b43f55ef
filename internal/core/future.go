package core

import (
	"context"
	"sync"
)

// Future is the pending result of a Client.Call.
type Future struct {
	done chan struct{}
	once sync.Once
	resp Response
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// FailedFuture returns a future already resolved with err.
func FailedFuture(err error) *Future {
	f := NewFuture()
	f.Resolve(Response{}, err)
	return f
}

// Resolve completes the future. Only the first call has an effect.
func (f *Future) Resolve(resp Response, err error) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx is done. A resolved
// future returns its result even when ctx is already done.
func (f *Future) Await(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	default:
	}
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
