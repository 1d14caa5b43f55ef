package collector

import (
	"sort"
	"time"
)

// Metrics summarizes one run's responses.
type Metrics struct {
	TotalResponses  int                       `json:"totalResponses"`
	Verified        int                       `json:"verified"`
	Mismatches      int                       `json:"mismatches"`
	Panics          int                       `json:"panics"`
	VerifiedRate    float64                   `json:"verifiedRate"`
	ResponsesPerSec float64                   `json:"responsesPerSec"`
	TestDuration    time.Duration             `json:"testDuration"`
	FirstResponse   time.Duration             `json:"firstResponse"`
	Latency         DurationMetrics           `json:"latency"`
	Workers         map[string]*WorkerMetrics `json:"workers"`
	DroppedEvents   int64                     `json:"droppedEvents"`
}

// MismatchRate is the percentage of responses that failed verification.
func (m *Metrics) MismatchRate() float64 {
	if m.TotalResponses == 0 {
		return 0
	}
	return float64(m.Mismatches) / float64(m.TotalResponses) * 100
}

// DurationMetrics contains latency statistics.
type DurationMetrics struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
	Avg time.Duration `json:"avg"`
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// WorkerMetrics contains per-worker statistics.
type WorkerMetrics struct {
	Responses  int             `json:"responses"`
	Mismatches int             `json:"mismatches"`
	Latency    DurationMetrics `json:"latency"`
}

// ComputePercentile returns the nearest-rank percentile p in [0,1] of an
// ascending slice.
func ComputePercentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// ComputeDurationMetrics calculates duration statistics without modifying
// its input.
func ComputeDurationMetrics(durations []time.Duration) DurationMetrics {
	if len(durations) == 0 {
		return DurationMetrics{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	return DurationMetrics{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: total / time.Duration(len(sorted)),
		P50: ComputePercentile(sorted, 0.50),
		P90: ComputePercentile(sorted, 0.90),
		P95: ComputePercentile(sorted, 0.95),
		P99: ComputePercentile(sorted, 0.99),
	}
}
