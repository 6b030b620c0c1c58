// Package main implements ignite-devnode, a simulated chain that speaks the
// ignite backend protocol over stdio. It answers commands until stdin closes
// or its TTL expires, then reports EXIT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ignite/pkg/backend"
	"github.com/openfroyo/ignite/pkg/telemetry"
)

// Version information (set via ldflags during build)
var Version = "dev"

type devnodeOptions struct {
	network      string
	ttl          time.Duration
	confirmDelay time.Duration
	logLevel     string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exitCode := 0
	cmd := newRootCommand(&exitCode)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ignite-devnode: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func newRootCommand(exitCode *int) *cobra.Command {
	opts := &devnodeOptions{}

	cmd := &cobra.Command{
		Use:   "ignite-devnode",
		Short: "Simulated chain backend for ignite",
		Long: `ignite-devnode runs an in-memory chain and serves it over stdin/stdout
using the ignite backend protocol. Logs go to stderr.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := serve(cmd.Context(), opts)
			*exitCode = code
			return err
		},
	}

	cmd.Flags().StringVar(&opts.network, "network", "devnode", "simulated network name")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 10*time.Minute, "maximum lifetime (0 disables)")
	cmd.Flags().DurationVar(&opts.confirmDelay, "confirm-delay", 0, "delay before each confirmation")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func serve(ctx context.Context, opts *devnodeOptions) (int, error) {
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{
		Level:  opts.logLevel,
		Format: "json",
	}, os.Stderr)

	sim := backend.NewSimulator(
		backend.WithNetwork(opts.network),
		backend.WithConfirmDelay(opts.confirmDelay),
		backend.WithSimulatorLogger(logger),
	)

	server := backend.NewServer(sim, backend.ServerConfig{
		Version: Version,
		Network: opts.network,
		TTL:     opts.ttl,
		Logger:  logger,
	})

	exit, err := server.Serve(ctx, os.Stdin, os.Stdout)
	if err != nil {
		return 1, err
	}

	logger.WithField("reason", exit.Reason).
		WithField("commands", exit.CommandsTotal).
		WithField("blocks", sim.BlockNumber()).
		Info("devnode exiting")
	return exit.ExitCode, nil
}
