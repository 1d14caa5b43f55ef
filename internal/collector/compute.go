package collector

import (
	"time"

	"tagcheck/internal/core"
)

// ComputeMetrics computes metrics from events. Pure function, no side effects.
// start anchors FirstResponse; a zero start leaves it unset.
func ComputeMetrics(events []core.Event, start time.Time, testDuration time.Duration) *Metrics {
	m := &Metrics{
		Workers:      make(map[string]*WorkerMetrics),
		TestDuration: testDuration,
	}

	latencies := make([]time.Duration, 0, len(events))
	perWorker := make(map[string][]time.Duration)
	var first time.Time

	for _, e := range events {
		switch e.Step {
		case core.StepResponse, core.StepMismatch:
		case core.StepPanic:
			m.Panics++
			continue
		default:
			continue
		}

		m.TotalResponses++
		w, ok := m.Workers[e.WorkerID]
		if !ok {
			w = &WorkerMetrics{}
			m.Workers[e.WorkerID] = w
		}
		w.Responses++
		if !e.Success {
			m.Mismatches++
			w.Mismatches++
		} else {
			m.Verified++
		}
		if first.IsZero() || e.Timestamp.Before(first) {
			first = e.Timestamp
		}

		// A mismatch for an unknown tag has no send time to measure from.
		if e.Duration > 0 {
			latencies = append(latencies, e.Duration)
			perWorker[e.WorkerID] = append(perWorker[e.WorkerID], e.Duration)
		}
	}

	if m.TotalResponses > 0 {
		m.VerifiedRate = float64(m.Verified) / float64(m.TotalResponses) * 100
	}
	if m.TestDuration > 0 {
		m.ResponsesPerSec = float64(m.TotalResponses) / m.TestDuration.Seconds()
	}
	if !start.IsZero() && !first.IsZero() && first.After(start) {
		m.FirstResponse = first.Sub(start)
	}

	m.Latency = ComputeDurationMetrics(latencies)
	for id, durations := range perWorker {
		m.Workers[id].Latency = ComputeDurationMetrics(durations)
	}
	return m
}
