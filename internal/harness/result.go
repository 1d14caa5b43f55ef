package harness

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tagcheck/internal/core"
)

// WorkerResult is the outcome of one worker. It is written only by its
// worker and read-only once published.
type WorkerResult struct {
	WorkerID      string
	SessionID     string
	Expected      int
	Received      int
	Mismatches    int
	Outstanding   int // sent keys never answered
	Err           error
	Duration      time.Duration
	FirstResponse time.Duration
}

// OK reports whether the worker saw every response intact.
func (r WorkerResult) OK() bool {
	return r.Err == nil && r.Mismatches == 0 && r.Received == r.Expected
}

func (r WorkerResult) describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "worker %s: received %d/%d, mismatches %d", r.WorkerID, r.Received, r.Expected, r.Mismatches)
	if r.Received < r.Expected {
		fmt.Fprintf(&sb, ", lost %d", r.Expected-r.Received)
	}
	if r.Err != nil {
		fmt.Fprintf(&sb, ", error: %v", r.Err)
	}
	return sb.String()
}

// Verdict is the aggregate PASS/FAIL of a scenario.
type Verdict struct {
	Scenario string
	Pass     bool
	// Fault is a scenario-level failure that prevented workers from running,
	// such as a refused session establishment.
	Fault    error
	Workers  []WorkerResult
	Failures []string
	Started  time.Time
	Duration time.Duration
}

// Judge aggregates worker results into a verdict. Pass holds iff there is
// no scenario fault and every worker is OK.
func Judge(scenario string, workers []WorkerResult, fault error) Verdict {
	v := Verdict{
		Scenario: scenario,
		Pass:     fault == nil,
		Fault:    fault,
		Workers:  workers,
	}
	if fault != nil {
		v.Failures = append(v.Failures, "scenario: "+fault.Error())
	}
	for _, w := range workers {
		if !w.OK() {
			v.Pass = false
			v.Failures = append(v.Failures, w.describe())
		}
	}
	return v
}

// EstablishmentFault returns the admission fault behind a failed scenario.
func (v Verdict) EstablishmentFault() (*core.EstablishmentFault, bool) {
	if v.Fault == nil {
		return nil, false
	}
	return core.AsEstablishmentFault(v.Fault)
}

// Meets reports whether the verdict is the expected outcome: a pass, or,
// when expectFault is set, a refused session establishment.
func (v Verdict) Meets(expectFault bool) bool {
	if expectFault {
		_, ok := v.EstablishmentFault()
		return ok
	}
	return v.Pass
}

// Totals sums worker counters.
func (v Verdict) Totals() (expected, received, mismatches int) {
	for _, w := range v.Workers {
		expected += w.Expected
		received += w.Received
		mismatches += w.Mismatches
	}
	return expected, received, mismatches
}

// Status is "PASS" or "FAIL".
func (v Verdict) Status() string {
	if v.Pass {
		return "PASS"
	}
	return "FAIL"
}

// IsTimeout reports whether err is a drain deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDrainTimeout)
}
