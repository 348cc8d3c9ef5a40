package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorepl/internal/observability"
	"github.com/caffeineduck/gorepl/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve the worker protocol on stdin/stdout",
	Hidden: true,
	Long: `Run one interpreter worker. Requests are read from stdin and replies
written to stdout, one JSON message per line. Diagnostics go to stderr.

Sessions spawn this command themselves; it is not meant to be run by hand.`,
	Run: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) {
	out, err := worker.IsolateStdout()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	flags := cmd.Flags()
	if flags.Changed("package-dir") {
		cfg.PackageDir, _ = flags.GetString("package-dir")
	}
	if flags.Changed("package-index") {
		cfg.PackageIndex, _ = flags.GetString("package-index")
	}
	if flags.Changed("exec-timeout") {
		cfg.ExecTimeout, _ = flags.GetDuration("exec-timeout")
	}

	level, _ := flags.GetString("log-level")
	cfg.Logger = observability.InitLogger("gorepl-worker", level, os.Stderr).
		With().Int("pid", os.Getpid()).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.New(os.Stdin, out, cfg).Run(ctx); err != nil && ctx.Err() == nil {
		cfg.Logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
}
