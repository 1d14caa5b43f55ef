package collector

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// FormatText writes metrics in human-readable format.
func FormatText(w io.Writer, m *Metrics, thresholds *ThresholdResults) {
	if m.TotalResponses == 0 {
		fmt.Fprintln(w, "No responses collected")
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Tagcheck - Response Metrics")
	fmt.Fprintln(w, "===========================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Duration:       %v\n", m.TestDuration.Round(time.Millisecond))
	fmt.Fprintf(w, "Responses:      %s\n", formatNumber(m.TotalResponses))
	fmt.Fprintf(w, "Verified:       %.1f%% (%s / %s)\n",
		m.VerifiedRate, formatNumber(m.Verified), formatNumber(m.TotalResponses))
	fmt.Fprintf(w, "Mismatches:     %s\n", formatNumber(m.Mismatches))
	fmt.Fprintf(w, "Responses/sec:  %.1f\n", m.ResponsesPerSec)
	fmt.Fprintf(w, "First response: %s\n", FormatDuration(m.FirstResponse))
	if m.Panics > 0 {
		fmt.Fprintf(w, "Worker panics:  %d\n", m.Panics)
	}
	if m.DroppedEvents > 0 {
		fmt.Fprintf(w, "Dropped events: %d (metrics are partial)\n", m.DroppedEvents)
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Latency:")
	fmt.Fprintf(w, "  Min:    %s\n", FormatDuration(m.Latency.Min))
	fmt.Fprintf(w, "  Avg:    %s\n", FormatDuration(m.Latency.Avg))
	fmt.Fprintf(w, "  P50:    %s\n", FormatDuration(m.Latency.P50))
	fmt.Fprintf(w, "  P90:    %s\n", FormatDuration(m.Latency.P90))
	fmt.Fprintf(w, "  P95:    %s\n", FormatDuration(m.Latency.P95))
	fmt.Fprintf(w, "  P99:    %s\n", FormatDuration(m.Latency.P99))
	fmt.Fprintf(w, "  Max:    %s\n", FormatDuration(m.Latency.Max))
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "By Worker:")
	for _, id := range workerIDs(m) {
		wm := m.Workers[id]
		fmt.Fprintf(w, "  %-36s %s resp  mismatches=%d  avg=%s  p99=%s\n",
			id, formatNumber(wm.Responses), wm.Mismatches,
			FormatDuration(wm.Latency.Avg),
			FormatDuration(wm.Latency.P99))
	}

	if thresholds != nil && len(thresholds.Results) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Thresholds:")
		for _, result := range thresholds.Results {
			symbol := "✓"
			if !result.Passed {
				symbol = "✗"
			}
			fmt.Fprintf(w, "  %s %s < %s (actual: %s)\n",
				symbol, result.Name, result.Threshold, result.Actual)
		}
	}
}

func workerIDs(m *Metrics) []string {
	ids := make([]string, 0, len(m.Workers))
	for id := range m.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FormatJSON writes metrics in JSON format.
func FormatJSON(w io.Writer, m *Metrics, thresholds *ThresholdResults) error {
	output := struct {
		Duration        string                       `json:"duration"`
		TotalResponses  int                          `json:"totalResponses"`
		Verified        int                          `json:"verified"`
		Mismatches      int                          `json:"mismatches"`
		Panics          int                          `json:"panics,omitempty"`
		VerifiedRate    float64                      `json:"verifiedRate"`
		ResponsesPerSec float64                      `json:"responsesPerSec"`
		FirstResponse   string                       `json:"firstResponse"`
		DroppedEvents   int64                        `json:"droppedEvents,omitempty"`
		Latency         jsonDurationMetrics          `json:"latency"`
		Workers         map[string]jsonWorkerMetrics `json:"workers"`
		Thresholds      *ThresholdResults            `json:"thresholds,omitempty"`
	}{
		Duration:        m.TestDuration.Round(time.Millisecond).String(),
		TotalResponses:  m.TotalResponses,
		Verified:        m.Verified,
		Mismatches:      m.Mismatches,
		Panics:          m.Panics,
		VerifiedRate:    m.VerifiedRate,
		ResponsesPerSec: m.ResponsesPerSec,
		FirstResponse:   FormatDuration(m.FirstResponse),
		DroppedEvents:   m.DroppedEvents,
		Latency:         toJSONDurationMetrics(m.Latency),
		Workers:         make(map[string]jsonWorkerMetrics),
		Thresholds:      thresholds,
	}

	for id, wm := range m.Workers {
		output.Workers[id] = jsonWorkerMetrics{
			Responses:  wm.Responses,
			Mismatches: wm.Mismatches,
			Latency:    toJSONDurationMetrics(wm.Latency),
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

type jsonDurationMetrics struct {
	Min string `json:"min"`
	Max string `json:"max"`
	Avg string `json:"avg"`
	P50 string `json:"p50"`
	P90 string `json:"p90"`
	P95 string `json:"p95"`
	P99 string `json:"p99"`
}

type jsonWorkerMetrics struct {
	Responses  int                 `json:"responses"`
	Mismatches int                 `json:"mismatches"`
	Latency    jsonDurationMetrics `json:"latency"`
}

func toJSONDurationMetrics(d DurationMetrics) jsonDurationMetrics {
	return jsonDurationMetrics{
		Min: FormatDuration(d.Min),
		Max: FormatDuration(d.Max),
		Avg: FormatDuration(d.Avg),
		P50: FormatDuration(d.P50),
		P90: FormatDuration(d.P90),
		P95: FormatDuration(d.P95),
		P99: FormatDuration(d.P99),
	}
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return formatNumber(n/1000) + fmt.Sprintf(",%03d", n%1000)
}
