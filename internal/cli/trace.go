package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tagcheck/internal/tracelog"
)

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Summarize a trace log",
		Long: `Parse a trace log written during a run and pair front-end requests
with their responses.

Example:
  tagcheck trace ./tagcheck.trace
  tagcheck trace ./tagcheck.trace --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.OutOrStdout(), rootOpts, args[0])
		},
	}
	return cmd
}

type traceReport struct {
	Markers    []string       `json:"markers"`
	Malformed  int            `json:"malformed"`
	Records    int            `json:"records"`
	Sessions   int            `json:"sessions"`
	ByEvent    map[string]int `json:"byEvent"`
	Pairs      int            `json:"pairs"`
	Unmatched  []string       `json:"unmatched,omitempty"`
	OverBudget int            `json:"overBudget"`
}

func runTrace(w io.Writer, opts *RootOptions, path string) error {
	log, err := tracelog.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace log", err)
	}
	a := tracelog.Analyze(log.Records)

	if opts.Format == "json" {
		byEvent := make(map[string]int, len(a.ByCode))
		for code, n := range a.ByCode {
			byEvent[code.String()] = n
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(traceReport{
			Markers:    log.Markers,
			Malformed:  log.Malformed,
			Records:    a.Records,
			Sessions:   a.Sessions,
			ByEvent:    byEvent,
			Pairs:      len(a.Pairs),
			Unmatched:  a.Unmatched,
			OverBudget: a.OverBudget,
		}); err != nil {
			return WrapExitError(ExitCommandError, "failed to write report", err)
		}
		return nil
	}

	fmt.Fprintf(w, "Tests:       %d\n", len(log.Markers))
	for _, m := range log.Markers {
		fmt.Fprintf(w, "  %s\n", m)
	}
	if log.Malformed > 0 {
		fmt.Fprintf(w, "Malformed:   %d\n", log.Malformed)
	}
	a.WriteText(w)
	return nil
}
