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
	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/gorepl/executor"
	"github.com/caffeineduck/gorepl/internal/config"
	"github.com/caffeineduck/gorepl/internal/observability"
	"github.com/caffeineduck/gorepl/server"
	"github.com/caffeineduck/gorepl/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP session server",
	Long: `Start an HTTP server that keeps one interpreter worker per session.

Every /api route except /api/health requires an X-Session-ID header.

Endpoints:
  GET    /api/health          Health check
  POST   /api/init            Initialize the session, installing packages
  POST   /api/exec            Execute code (state persists)
  POST   /api/eval            Evaluate an expression
  POST   /api/stream/start    Start streaming a step expression
  POST   /api/stream/poll     Collect stream messages
  POST   /api/stream/exec     Run code between stream steps
  POST   /api/stream/stop     Stop the stream
  DELETE /api/session         Terminate the session
  GET    /metrics             Prometheus metrics`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "TOML configuration file")
	serveCmd.Flags().StringP("addr", "a", "", "Listen address (overrides config)")
	serveCmd.Flags().Bool("no-cors", false, "Disable CORS headers")
	serveCmd.Flags().Duration("session-ttl", 0, "Idle time before a session is reclaimed (overrides config)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := serveConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.InitLogger("gorepl", cfg.LogLevel, os.Stderr)
	observability.RegisterMetrics()

	sessionOpts := []executor.SessionOption{
		executor.WithWorkerConfig(worker.Config{
			ExecTimeout:  cfg.ExecTimeout,
			PackageDir:   cfg.PackageDir,
			PackageIndex: cfg.PackageIndex,
		}),
		executor.WithInitTimeout(cfg.InitTimeout),
	}
	if len(cfg.WorkerCommand) > 0 {
		sessionOpts = append(sessionOpts, executor.WithWorkerCommand(cfg.WorkerCommand[0], cfg.WorkerCommand[1:]...))
	}

	reg := executor.NewRegistry(
		executor.WithSessionTTL(cfg.SessionTTL),
		executor.WithSweepInterval(cfg.SweepInterval),
		executor.WithSessionOptions(sessionOpts...),
		executor.WithRegistryLogger(logger),
	)
	exec := executor.New(reg,
		executor.WithReadTimeout(cfg.ReadTimeout),
		executor.WithPollWait(cfg.PollWait),
		executor.WithLogger(logger),
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(exec, server.WithCORS(cfg.CORS), server.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reg.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	reg.CloseAll()
	if err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}

// serveConfig loads the config file when given and applies flag overrides.
func serveConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	if noCORS, _ := flags.GetBool("no-cors"); noCORS {
		cfg.CORS = false
	}
	if flags.Changed("session-ttl") {
		cfg.SessionTTL, _ = flags.GetDuration("session-ttl")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("package-dir") {
		cfg.PackageDir, _ = flags.GetString("package-dir")
	}
	if flags.Changed("package-index") {
		cfg.PackageIndex, _ = flags.GetString("package-index")
	}
	if flags.Changed("exec-timeout") {
		cfg.ExecTimeout, _ = flags.GetDuration("exec-timeout")
		if cfg.ReadTimeout <= cfg.ExecTimeout {
			cfg.ReadTimeout = cfg.ExecTimeout + 5*time.Second
		}
	}
	return cfg, cfg.Validate()
}
