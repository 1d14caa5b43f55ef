package collector

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Thresholds defines optional latency and integrity limits for a run.
type Thresholds struct {
	Latency    *DurationThresholds `yaml:"latency"`
	Mismatches *RateThreshold      `yaml:"mismatches"`
	FirstReply time.Duration       `yaml:"firstResponse"`
}

// DurationThresholds defines latency limits.
type DurationThresholds struct {
	Avg time.Duration `yaml:"avg"`
	P50 time.Duration `yaml:"p50"`
	P90 time.Duration `yaml:"p90"`
	P95 time.Duration `yaml:"p95"`
	P99 time.Duration `yaml:"p99"`
}

// RateThreshold is a percentage such as "0.5%".
type RateThreshold struct {
	Rate string `yaml:"rate"`
}

// Validate reports a malformed rate.
func (t *Thresholds) Validate() error {
	if t == nil || t.Mismatches == nil || t.Mismatches.Rate == "" {
		return nil
	}
	if _, err := parsePercentage(t.Mismatches.Rate); err != nil {
		return fmt.Errorf("thresholds.mismatches: %w", err)
	}
	return nil
}

// ThresholdResult represents the outcome of a single threshold check.
type ThresholdResult struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Threshold string `json:"threshold"`
	Actual    string `json:"actual"`
}

// ThresholdResults contains all threshold check results.
type ThresholdResults struct {
	Passed  bool              `json:"passed"`
	Results []ThresholdResult `json:"results"`
}

// Check evaluates all thresholds against computed metrics.
func (t *Thresholds) Check(m *Metrics) *ThresholdResults {
	if t == nil {
		return &ThresholdResults{Passed: true}
	}

	results := &ThresholdResults{
		Passed:  true,
		Results: make([]ThresholdResult, 0),
	}
	if t.Latency != nil {
		results.checkLatency(t.Latency, &m.Latency)
	}
	if t.FirstReply > 0 {
		results.add("first_response", m.FirstResponse < t.FirstReply,
			FormatDuration(t.FirstReply), FormatDuration(m.FirstResponse))
	}
	if t.Mismatches != nil && t.Mismatches.Rate != "" {
		results.checkMismatchRate(t.Mismatches, m)
	}
	return results
}

func (r *ThresholdResults) add(name string, passed bool, threshold, actual string) {
	if !passed {
		r.Passed = false
	}
	r.Results = append(r.Results, ThresholdResult{
		Name:      name,
		Passed:    passed,
		Threshold: threshold,
		Actual:    actual,
	})
}

func (r *ThresholdResults) checkLatency(limits *DurationThresholds, actual *DurationMetrics) {
	checks := []struct {
		name      string
		threshold time.Duration
		actual    time.Duration
	}{
		{"latency.avg", limits.Avg, actual.Avg},
		{"latency.p50", limits.P50, actual.P50},
		{"latency.p90", limits.P90, actual.P90},
		{"latency.p95", limits.P95, actual.P95},
		{"latency.p99", limits.P99, actual.P99},
	}
	for _, check := range checks {
		if check.threshold == 0 {
			continue
		}
		r.add(check.name, check.actual < check.threshold,
			FormatDuration(check.threshold), FormatDuration(check.actual))
	}
}

func (r *ThresholdResults) checkMismatchRate(limit *RateThreshold, m *Metrics) {
	threshold, err := parsePercentage(limit.Rate)
	if err != nil {
		return
	}
	actual := m.MismatchRate()
	// A zero threshold means no mismatch is tolerated.
	passed := actual < threshold || (threshold == 0 && actual == 0)
	r.add("mismatches.rate", passed, limit.Rate, fmt.Sprintf("%.2f%%", actual))
}

func parsePercentage(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "%") {
		return 0, fmt.Errorf("invalid percentage format: %s", s)
	}
	return strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

// Violations returns only the failed threshold results.
func (r *ThresholdResults) Violations() []ThresholdResult {
	violations := make([]ThresholdResult, 0)
	for _, result := range r.Results {
		if !result.Passed {
			violations = append(violations, result)
		}
	}
	return violations
}
