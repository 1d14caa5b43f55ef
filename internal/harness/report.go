package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// WriteText prints each verdict with its failing workers.
func WriteText(w io.Writer, verdicts []Verdict) {
	passed := 0
	for _, v := range verdicts {
		expected, received, mismatches := v.Totals()
		fmt.Fprintf(w, "%s  %-28s workers=%d received=%d/%d mismatches=%d (%v)\n",
			v.Status(), v.Scenario, len(v.Workers), received, expected, mismatches,
			v.Duration.Round(time.Millisecond))
		for _, f := range v.Failures {
			fmt.Fprintf(w, "      %s\n", f)
		}
		if v.Pass {
			passed++
		}
	}
	fmt.Fprintf(w, "\n%d of %d scenarios passed\n", passed, len(verdicts))
}

type jsonWorker struct {
	WorkerID      string `json:"workerId"`
	SessionID     string `json:"sessionId"`
	Expected      int    `json:"expected"`
	Received      int    `json:"received"`
	Mismatches    int    `json:"mismatches"`
	Outstanding   int    `json:"outstanding"`
	Error         string `json:"error,omitempty"`
	Duration      string `json:"duration"`
	FirstResponse string `json:"firstResponse"`
}

type jsonVerdict struct {
	Scenario string       `json:"scenario"`
	Pass     bool         `json:"pass"`
	Fault    string       `json:"fault,omitempty"`
	Started  time.Time    `json:"started"`
	Duration string       `json:"duration"`
	Failures []string     `json:"failures,omitempty"`
	Workers  []jsonWorker `json:"workers"`
}

// WriteJSON encodes verdicts as an indented JSON array.
func WriteJSON(w io.Writer, verdicts []Verdict) error {
	out := make([]jsonVerdict, 0, len(verdicts))
	for _, v := range verdicts {
		jv := jsonVerdict{
			Scenario: v.Scenario,
			Pass:     v.Pass,
			Started:  v.Started,
			Duration: v.Duration.Round(time.Millisecond).String(),
			Failures: v.Failures,
			Workers:  make([]jsonWorker, 0, len(v.Workers)),
		}
		if v.Fault != nil {
			jv.Fault = v.Fault.Error()
		}
		for _, r := range v.Workers {
			jw := jsonWorker{
				WorkerID:      r.WorkerID,
				SessionID:     r.SessionID,
				Expected:      r.Expected,
				Received:      r.Received,
				Mismatches:    r.Mismatches,
				Outstanding:   r.Outstanding,
				Duration:      r.Duration.Round(time.Millisecond).String(),
				FirstResponse: r.FirstResponse.Round(time.Microsecond).String(),
			}
			if r.Err != nil {
				jw.Error = r.Err.Error()
			}
			jv.Workers = append(jv.Workers, jw)
		}
		out = append(out, jv)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
