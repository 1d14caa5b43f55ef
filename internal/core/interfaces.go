// Package core defines the shared types and transport contracts for tagcheck.
package core

import (
	"time"
)

// Event steps.
const (
	StepResponse = "response" // a verified response
	StepMismatch = "mismatch" // a response that failed verification
	StepPanic    = "panic"    // a worker that panicked
)

// Event is a single measurement produced when a worker consumes a response.
type Event struct {
	WorkerID  string
	SessionID string
	Key       string
	Timestamp time.Time
	Step      string
	Duration  time.Duration // send-to-receive latency
	Success   bool
	Error     string
}

// Reporter is the interface workers use to send events to the Collector.
type Reporter interface {
	Report(Event)
}

// NullReporter discards all events.
var NullReporter Reporter = nullReporter{}

type nullReporter struct{}

func (nullReporter) Report(Event) {}
