package coordinator

import (
	"context"
	"sync/atomic"
)

// CompletionBarrier counts outstanding workers down to zero.
// Done is closed exactly once, by the release that reaches zero.
type CompletionBarrier struct {
	outstanding atomic.Int64
	done        chan struct{}
}

// NewCompletionBarrier returns a barrier waiting for n releases.
// A barrier for zero workers is already complete.
func NewCompletionBarrier(n int) *CompletionBarrier {
	b := &CompletionBarrier{done: make(chan struct{})}
	if n <= 0 {
		close(b.done)
		return b
	}
	b.outstanding.Store(int64(n))
	return b
}

// Release records one worker finishing and returns how many remain.
// ok is false when the barrier was already at zero; the count never goes
// negative.
func (b *CompletionBarrier) Release() (remaining int, ok bool) {
	for {
		cur := b.outstanding.Load()
		if cur <= 0 {
			return 0, false
		}
		if b.outstanding.CompareAndSwap(cur, cur-1) {
			if cur == 1 {
				close(b.done)
			}
			return int(cur - 1), true
		}
	}
}

// Outstanding returns the number of workers not yet released.
func (b *CompletionBarrier) Outstanding() int {
	return int(b.outstanding.Load())
}

// Done is closed when the last worker releases.
func (b *CompletionBarrier) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until every worker released or ctx is done.
func (b *CompletionBarrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
