// Command echobroker serves the in-process session broker over HTTP and
// WebSocket so tagcheck can run against it remotely.
//
// Usage:
//
//	echobroker [flags]
//
// Flags:
//
//	--port           Port to listen on (default: 8080)
//	--host           Host to bind to (default: localhost)
//	--capacity       Resource units the broker can grant (default: 16)
//	--service        Service name sessions must request (default: any)
//	--drop-every     Drop every Nth response per client
//	--corrupt-every  Corrupt the tag of every Nth response per client
//	--stall          Never end response streams
//	--fail-send-at   Fail the Nth send per client
//	--jitter         Shuffle dispatch order
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tagcheck/internal/broker"
	"tagcheck/internal/config"
	"tagcheck/internal/tracelog"
	"tagcheck/internal/wsbroker"
)

type options struct {
	host     string
	port     int
	capacity int
	service  string
	trace    string
	verbose  bool
	faults   broker.Faults
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "echobroker",
		Short:         "Serve an echo session broker for tagcheck",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.host, "host", "localhost", "host to bind to")
	f.IntVar(&opts.port, "port", 8080, "port to listen on")
	f.IntVar(&opts.capacity, "capacity", broker.DefaultCapacity, "resource units the broker can grant")
	f.StringVar(&opts.service, "service", "", "service name sessions must request (empty accepts any)")
	f.StringVar(&opts.trace, "trace", os.Getenv(config.EnvTraceLog), "trace log path")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	f.IntVar(&opts.faults.DropEvery, "drop-every", 0, "drop every Nth response per client")
	f.IntVar(&opts.faults.CorruptEvery, "corrupt-every", 0, "corrupt the tag of every Nth response per client")
	f.BoolVar(&opts.faults.Stall, "stall", false, "never end response streams")
	f.IntVar(&opts.faults.FailSendAt, "fail-send-at", 0, "fail the Nth send per client")
	f.BoolVar(&opts.faults.Jitter, "jitter", false, "shuffle dispatch order")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(parent context.Context, opts *options) error {
	zcfg := zap.NewProductionConfig()
	if opts.verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	trace := tracelog.New(tracelog.WithLogger(log))
	if opts.trace != "" {
		trace.Init(opts.trace)
	}
	defer trace.Close()

	host, _ := os.Hostname()
	if v, ok := os.LookupEnv(config.EnvServer); ok && v != "" {
		host = v
	}

	b := broker.New(broker.Config{
		Host:        host,
		ServiceName: opts.service,
		Capacity:    opts.capacity,
		Faults:      opts.faults,
		Trace:       trace,
		Log:         log.Named("broker"),
	})
	srv := wsbroker.NewServer(b, wsbroker.WithServerLogger(log.Named("ws")))
	addr := fmt.Sprintf("%s:%d", opts.host, opts.port)

	fmt.Println("Echo Broker")
	fmt.Println("===========")
	fmt.Printf("Listening on http://%s (capacity %d units)\n\n", addr, b.Capacity())
	fmt.Println("Endpoints:")
	fmt.Println("  GET    /health                               - Health check")
	fmt.Println("  POST   /sessions                             - Create a session")
	fmt.Println("  GET    /sessions/{id}                        - Attach to a session")
	fmt.Println("  DELETE /sessions/{id}?flush=true             - Close a session")
	fmt.Println("  GET    /sessions/{id}/clients/{clientId}     - Client WebSocket")
	fmt.Println()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
