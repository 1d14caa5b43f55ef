package collector

import (
	"testing"
	"time"
)

func TestThresholds_NilPasses(t *testing.T) {
	var th *Thresholds
	if r := th.Check(sampleMetrics()); !r.Passed {
		t.Error("nil thresholds should pass")
	}
	if err := th.Validate(); err != nil {
		t.Errorf("nil thresholds should validate: %v", err)
	}
}

func TestThresholds_Latency(t *testing.T) {
	th := &Thresholds{Latency: &DurationThresholds{P50: time.Second, P99: 50 * time.Millisecond}}

	r := th.Check(sampleMetrics())
	if r.Passed {
		t.Error("p99 of 98ms should violate a 50ms limit")
	}
	if len(r.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(r.Results))
	}
	v := r.Violations()
	if len(v) != 1 || v[0].Name != "latency.p99" {
		t.Errorf("expected only latency.p99 to fail, got %+v", v)
	}
}

func TestThresholds_MismatchRate(t *testing.T) {
	tests := []struct {
		rate   string
		passed bool
	}{
		{"10%", true},
		{"5%", false},
		{"0%", false},
	}
	for _, tt := range tests {
		th := &Thresholds{Mismatches: &RateThreshold{Rate: tt.rate}}
		if r := th.Check(sampleMetrics()); r.Passed != tt.passed {
			t.Errorf("rate %s: expected passed=%v", tt.rate, tt.passed)
		}
	}

	clean := sampleMetrics()
	clean.Mismatches = 0
	th := &Thresholds{Mismatches: &RateThreshold{Rate: "0%"}}
	if r := th.Check(clean); !r.Passed {
		t.Error("zero mismatches should meet a 0% limit")
	}
}

func TestThresholds_FirstResponse(t *testing.T) {
	th := &Thresholds{FirstReply: time.Millisecond}
	if r := th.Check(sampleMetrics()); r.Passed {
		t.Error("first response of 3ms should violate a 1ms limit")
	}
}

func TestThresholds_Validate(t *testing.T) {
	th := &Thresholds{Mismatches: &RateThreshold{Rate: "five"}}
	if err := th.Validate(); err == nil {
		t.Error("expected error for malformed rate")
	}
}
