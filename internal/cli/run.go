package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tagcheck/internal/broker"
	"tagcheck/internal/collector"
	"tagcheck/internal/config"
	"tagcheck/internal/core"
	"tagcheck/internal/harness"
	"tagcheck/internal/progress"
	"tagcheck/internal/ratelimit"
	"tagcheck/internal/store"
	"tagcheck/internal/tracelog"
	"tagcheck/internal/wsbroker"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	BrokerURL  string
	Database   string
	TraceLog   string
	Scenarios  []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run verification scenarios",
		Long: `Run the configured scenarios and print one verdict per scenario.

Without --config the built-in suite runs against an in-process broker.
With --broker the scenarios run against a remote echobroker.

Example:
  tagcheck run
  tagcheck run --config suite.yaml --scenario TwoClientsOneSession
  tagcheck run --broker http://localhost:8080 --db ./history.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuite(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (default: built-in suite)")
	cmd.Flags().StringVar(&opts.BrokerURL, "broker", "", "remote broker base URL (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database to record verdicts in")
	cmd.Flags().StringVar(&opts.TraceLog, "trace", "", "trace log path (overrides config and "+config.EnvTraceLog+")")
	cmd.Flags().StringSliceVarP(&opts.Scenarios, "scenario", "s", nil, "run only the named scenarios")

	return cmd
}

// runReport is the JSON document written by run --format json.
type runReport struct {
	RunID    string          `json:"runId"`
	Passed   bool            `json:"passed"`
	Expected []bool          `json:"metExpectation"`
	Verdicts json.RawMessage `json:"verdicts"`
	Metrics  json.RawMessage `json:"metrics"`
}

func loadConfig(opts *RunOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.ConfigPath == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.BrokerURL != "" {
		cfg.Broker.URL = opts.BrokerURL
	}
	if opts.TraceLog != "" {
		cfg.TraceLog = opts.TraceLog
	}
	return cfg, cfg.Validate()
}

// newFactory returns the session factory scenarios run against and a
// function releasing it.
func newFactory(ctx context.Context, cfg *config.Config, trace *tracelog.Logger, log *zap.Logger) (core.SessionFactory, func(), error) {
	if cfg.Broker.URL != "" {
		f, err := wsbroker.NewFactory(cfg.Broker.URL, wsbroker.WithFactoryLogger(log.Named("remote")))
		if err != nil {
			return nil, nil, err
		}
		health, err := f.Health(ctx)
		if err != nil {
			return nil, nil, err
		}
		log.Info("remote broker ready", zap.String("url", cfg.Broker.URL),
			zap.Int("capacity", health.Capacity), zap.Int("sessions", health.Sessions))
		return f, func() {}, nil
	}
	b := broker.New(broker.Config{
		Host:        cfg.Server,
		ServiceName: cfg.Service,
		Capacity:    cfg.Broker.Capacity,
		Faults:      cfg.Broker.BrokerFaults(),
		Trace:       trace,
		Log:         log.Named("broker"),
	})
	return b, b.Close, nil
}

func runSuite(cmd *cobra.Command, opts *RunOptions) error {
	log := opts.logger()

	cfg, err := loadConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	selected, err := cfg.Select(opts.Scenarios)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid scenario selection", err)
	}

	trace := tracelog.New(tracelog.WithLogger(log))
	if cfg.TraceLog != "" {
		trace.Init(cfg.TraceLog)
	}
	defer trace.Close()

	var limiter *ratelimit.RateLimiter
	if cfg.SendRate > 0 {
		limiter = ratelimit.NewRateLimiter(cfg.SendRate)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory, release, err := newFactory(ctx, cfg, trace, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to reach broker", err)
	}
	defer release()

	coll := collector.NewCollector()
	prog := progress.NewProgress(coll, opts.Quiet)
	prog.SetOutput(cmd.ErrOrStderr())
	expected := 0
	for _, sc := range selected {
		expected += sc.Clients * sc.Requests
	}
	prog.SetExpected(expected)

	h := harness.New(
		harness.WithLogger(log.Named("harness")),
		harness.WithTrace(trace),
		harness.WithReporter(coll),
		harness.WithRateLimiter(limiter),
		harness.WithDrainTimeout(cfg.DrainTimeout),
	)

	log.Info("starting run", zap.Int("scenarios", len(selected)), zap.String("broker", brokerName(cfg)))
	prog.Start()
	verdicts := make([]harness.Verdict, 0, len(selected))
	met := make([]bool, 0, len(selected))
	for _, sc := range selected {
		if ctx.Err() != nil {
			break
		}
		v := h.RunScenario(ctx, cfg.Scenario(sc), factory)
		verdicts = append(verdicts, v)
		met = append(met, v.Meets(sc.ExpectFault))
	}
	prog.Stop()
	coll.Close()

	metrics := coll.Compute()
	thresholds := cfg.Thresholds.Check(metrics)

	id := uuid.NewString()
	if opts.Database != "" {
		if err := saveRun(context.WithoutCancel(ctx), opts.Database, id, verdicts); err != nil {
			return WrapExitError(ExitCommandError, "failed to record verdicts", err)
		}
	}

	passed := thresholds.Passed && ctx.Err() == nil && len(verdicts) == len(selected)
	for _, ok := range met {
		passed = passed && ok
	}
	log.Info("run complete", zap.String("run", id), zap.Bool("passed", passed),
		zap.Int("responses", metrics.TotalResponses), zap.Int("mismatches", metrics.Mismatches))

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		err = writeRunJSON(out, id, passed, met, verdicts, metrics, thresholds)
	} else {
		writeRunText(out, id, met, verdicts, metrics, thresholds)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to write report", err)
	}

	if ctx.Err() != nil {
		return WrapExitError(ExitFailure, "run interrupted", ctx.Err())
	}
	if !passed {
		return NewExitError(ExitFailure, "one or more scenarios failed")
	}
	return nil
}

func brokerName(cfg *config.Config) string {
	if cfg.Broker.URL != "" {
		return cfg.Broker.URL
	}
	return "in-process"
}

func saveRun(ctx context.Context, path, runID string, verdicts []harness.Verdict) error {
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()
	for _, v := range verdicts {
		if err := st.SaveVerdict(ctx, runID, v); err != nil {
			return err
		}
	}
	return nil
}

func writeRunText(w io.Writer, runID string, met []bool, verdicts []harness.Verdict,
	m *collector.Metrics, thresholds *collector.ThresholdResults) {
	harness.WriteText(w, verdicts)

	faults, ok := 0, 0
	for i, v := range verdicts {
		if met[i] {
			ok++
			if !v.Pass {
				faults++
			}
		}
	}
	fmt.Fprintf(w, "%d of %d scenarios met expectations", ok, len(verdicts))
	if faults > 0 {
		fmt.Fprintf(w, " (%d expected establishment faults)", faults)
	}
	fmt.Fprintf(w, "\nRun: %s\n\n", runID)

	collector.FormatText(w, m, thresholds)
}

func writeRunJSON(w io.Writer, runID string, passed bool, met []bool, verdicts []harness.Verdict,
	m *collector.Metrics, thresholds *collector.ThresholdResults) error {
	var vb, mb bytes.Buffer
	if err := harness.WriteJSON(&vb, verdicts); err != nil {
		return err
	}
	if err := collector.FormatJSON(&mb, m, thresholds); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(runReport{
		RunID:    runID,
		Passed:   passed,
		Expected: met,
		Verdicts: json.RawMessage(bytes.TrimSpace(vb.Bytes())),
		Metrics:  json.RawMessage(bytes.TrimSpace(mb.Bytes())),
	})
}
