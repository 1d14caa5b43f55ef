package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tagcheck/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Limit    int
	RunID    string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded verdicts",
		Long: `List verdicts recorded by run --db, newest first. With --run the
verdicts of one run are shown together with their workers.

Example:
  tagcheck history --db ./history.db --limit 20
  tagcheck history --db ./history.db --run 6f1c...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum verdicts to list (0 for all)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "show a single run with worker detail")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

type historyEntry struct {
	store.VerdictRow
	Workers []store.WorkerRow `json:",omitempty"`
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions) error {
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	var rows []store.VerdictRow
	if opts.RunID != "" {
		rows, err = st.Run(ctx, opts.RunID)
	} else {
		rows, err = st.Recent(ctx, opts.Limit)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to query history", err)
	}
	if opts.RunID != "" && len(rows) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("run %q not found", opts.RunID))
	}

	entries := make([]historyEntry, 0, len(rows))
	for _, r := range rows {
		e := historyEntry{VerdictRow: r}
		if opts.RunID != "" {
			if e.Workers, err = st.Workers(ctx, r.RunID, r.Scenario); err != nil {
				return WrapExitError(ExitCommandError, "failed to query workers", err)
			}
		}
		entries = append(entries, e)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return WrapExitError(ExitCommandError, "failed to write report", err)
		}
		return nil
	}
	writeHistoryText(out, entries)
	return nil
}

func writeHistoryText(w io.Writer, entries []historyEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no recorded verdicts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tSCENARIO\tSTATUS\tRECEIVED\tMISMATCHES\tDURATION")
	for _, e := range entries {
		status := "FAIL"
		if e.Pass {
			status = "PASS"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%v\n",
			e.Started.Local().Format(time.DateTime), shortID(e.RunID), e.Scenario, status,
			e.Received, e.Expected, e.Mismatches, e.Duration.Round(time.Millisecond))
		for _, wr := range e.Workers {
			fmt.Fprintf(tw, "\t\t  %s\t%s\t%d/%d\t%d\t%v\n",
				wr.WorkerID, wr.SessionID, wr.Received, wr.Expected, wr.Mismatches,
				wr.Duration.Round(time.Millisecond))
		}
		if e.Fault != "" {
			fmt.Fprintf(tw, "\t\t  fault: %s\t\t\t\t\n", e.Fault)
		}
	}
	tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
