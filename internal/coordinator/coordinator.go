// Package coordinator manages worker goroutine lifecycle and completion.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tagcheck/internal/core"
)

// ErrAlreadySpawned is returned when Spawn is called twice on one Coordinator.
var ErrAlreadySpawned = errors.New("coordinator: workers already spawned")

// WorkerFunc is the body of one worker. slot is in [0, count).
type WorkerFunc func(ctx context.Context, slot int)

// PanicHandler observes a recovered worker panic before the worker's
// barrier release.
type PanicHandler func(slot int, recovered any)

type Coordinator struct {
	reporter core.Reporter
	log      *zap.Logger
	onPanic  PanicHandler

	mu      sync.Mutex
	barrier *CompletionBarrier
	wg      sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithPanicHandler registers a hook for recovered worker panics.
func WithPanicHandler(h PanicHandler) Option {
	return func(c *Coordinator) { c.onPanic = h }
}

func NewCoordinator(reporter core.Reporter, opts ...Option) *Coordinator {
	if reporter == nil {
		reporter = core.NullReporter
	}
	c := &Coordinator{
		reporter: reporter,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spawn starts count workers. Every worker releases the barrier exactly once
// on every exit path, including a panic.
func (c *Coordinator) Spawn(ctx context.Context, count int, fn WorkerFunc) (*CompletionBarrier, error) {
	c.mu.Lock()
	if c.barrier != nil {
		c.mu.Unlock()
		return nil, ErrAlreadySpawned
	}
	barrier := NewCompletionBarrier(count)
	c.barrier = barrier
	c.mu.Unlock()

	for slot := 0; slot < count; slot++ {
		c.wg.Add(1)
		go func(slot int) {
			defer c.wg.Done()
			defer c.release(barrier, slot)
			defer c.recoverPanic(slot)
			fn(ctx, slot)
		}(slot)
	}
	return barrier, nil
}

func (c *Coordinator) release(b *CompletionBarrier, slot int) {
	remaining, ok := b.Release()
	if !ok {
		c.log.Error("completion barrier over-released", zap.Int("slot", slot))
		return
	}
	c.log.Debug("worker finished", zap.Int("slot", slot), zap.Int("outstanding", remaining))
}

// recoverPanic recovers from panics in worker goroutines and reports them as failed events.
func (c *Coordinator) recoverPanic(slot int) {
	if r := recover(); r != nil {
		c.log.Error("worker panicked", zap.Int("slot", slot), zap.Any("panic", r))
		c.reporter.Report(core.Event{
			WorkerID: fmt.Sprintf("slot-%d", slot),
			Step:     core.StepPanic,
			Success:  false,
			Error:    fmt.Sprintf("panic: %v", r),
		})
		if c.onPanic != nil {
			c.onPanic(slot, r)
		}
	}
}

// Wait blocks until the completion barrier reaches zero, then joins the
// worker goroutines. If ctx ends first its error is returned and workers
// are left to observe the same cancellation.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	barrier := c.barrier
	c.mu.Unlock()
	if barrier == nil {
		return nil
	}
	if err := barrier.Wait(ctx); err != nil {
		return err
	}
	c.wg.Wait()
	return nil
}

// ActiveWorkers returns the number of workers that have not finished.
func (c *Coordinator) ActiveWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.barrier == nil {
		return 0
	}
	return c.barrier.Outstanding()
}
