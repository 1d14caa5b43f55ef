// Package collector aggregates per-response events and computes metrics.
package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"tagcheck/internal/core"
)

const bufferSize = 4096

// Collector aggregates events from workers and produces a summary.
type Collector struct {
	events    []core.Event
	ch        chan core.Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	clock     core.Clock
	startTime time.Time
	endTime   time.Time

	responses  atomic.Int64
	mismatches atomic.Int64
	dropped    atomic.Int64
}

// NewCollector creates a Collector and starts its collection goroutine.
func NewCollector() *Collector {
	return NewCollectorWithClock(core.RealClock{})
}

// NewCollectorWithClock creates a Collector using clock for its window.
func NewCollectorWithClock(clock core.Clock) *Collector {
	c := &Collector{
		events:    make([]core.Event, 0),
		ch:        make(chan core.Event, bufferSize),
		done:      make(chan struct{}),
		clock:     clock,
		startTime: clock.Now(),
	}
	go c.collect()
	return c
}

func (c *Collector) collect() {
	for event := range c.ch {
		c.mu.Lock()
		c.events = append(c.events, event)
		c.mu.Unlock()
	}
	close(c.done)
}

// Report queues an event. It never blocks: when the buffer is full the
// event is counted as dropped. Live counters see every event. Thread-safe.
func (c *Collector) Report(event core.Event) {
	switch event.Step {
	case core.StepResponse:
		c.responses.Add(1)
	case core.StepMismatch:
		c.responses.Add(1)
		c.mismatches.Add(1)
	}
	select {
	case c.ch <- event:
	default:
		c.dropped.Add(1)
	}
}

// Close stops accepting events and waits for the queue to drain.
// Safe to call more than once.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.endTime = c.clock.Now()
		c.mu.Unlock()
		close(c.ch)
		<-c.done
	})
}

// Events returns a copy of collected events.
func (c *Collector) Events() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]core.Event, len(c.events))
	copy(result, c.events)
	return result
}

// Live returns the responses and mismatches reported so far.
func (c *Collector) Live() (responses, mismatches int64) {
	return c.responses.Load(), c.mismatches.Load()
}

// DroppedEvents returns how many events did not fit the buffer.
func (c *Collector) DroppedEvents() int64 {
	return c.dropped.Load()
}

// Duration returns the collection window: start to Close, or start to now
// while still open.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	end := c.endTime
	c.mu.Unlock()
	if !end.IsZero() {
		return end.Sub(c.startTime)
	}
	return c.clock.Since(c.startTime)
}

// Compute summarizes the collected events.
func (c *Collector) Compute() *Metrics {
	m := ComputeMetrics(c.Events(), c.startTime, c.Duration())
	m.DroppedEvents = c.DroppedEvents()
	return m
}
