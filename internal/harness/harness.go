// Package harness drives concurrent request/response workers against
// broker sessions and verifies that every response carries the correlation
// tag of the request that produced it.
//
// A scenario spawns one worker per client. Each worker sends a batch of
// requests tagged "{seq}:{workerID}", ends the batch, drains every response
// in whatever order it arrives, and checks each echoed tag. Workers release
// a shared completion barrier exactly once; the scenario then joins their
// results into a single Verdict.
package harness

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tagcheck/internal/core"
	"tagcheck/internal/ratelimit"
	"tagcheck/internal/tracelog"
)

// DefaultDrainTimeout bounds how long a worker waits for responses.
const DefaultDrainTimeout = 5 * time.Minute

// closeTimeout bounds flushing sessions after the workers finished.
const closeTimeout = 30 * time.Second

// ErrDrainTimeout marks a worker whose response stream did not end in time.
var ErrDrainTimeout = errors.New("response drain timed out")

// Harness holds the collaborators shared by every worker. It is safe to run
// several scenarios concurrently with one Harness.
type Harness struct {
	log          *zap.Logger
	trace        *tracelog.Logger
	reporter     core.Reporter
	limiter      *ratelimit.RateLimiter
	clock        core.Clock
	drainTimeout time.Duration
	newWorkerID  func() string
}

// Option configures a Harness.
type Option func(*Harness)

func WithLogger(log *zap.Logger) Option {
	return func(h *Harness) { h.log = log }
}

// WithTrace records lifecycle events to the given trace log.
func WithTrace(t *tracelog.Logger) Option {
	return func(h *Harness) { h.trace = t }
}

// WithReporter receives one event per consumed response.
func WithReporter(r core.Reporter) Option {
	return func(h *Harness) { h.reporter = r }
}

// WithRateLimiter paces SendRequest calls of every worker.
func WithRateLimiter(l *ratelimit.RateLimiter) Option {
	return func(h *Harness) { h.limiter = l }
}

func WithClock(c core.Clock) Option {
	return func(h *Harness) { h.clock = c }
}

// WithDrainTimeout sets the per-worker drain deadline; zero disables it.
func WithDrainTimeout(d time.Duration) Option {
	return func(h *Harness) { h.drainTimeout = d }
}

// WithWorkerIDs replaces the random worker id generator.
func WithWorkerIDs(next func() string) Option {
	return func(h *Harness) { h.newWorkerID = next }
}

func New(opts ...Option) *Harness {
	h := &Harness{
		log:          zap.NewNop(),
		reporter:     core.NullReporter,
		clock:        core.RealClock{},
		drainTimeout: DefaultDrainTimeout,
		newWorkerID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}
