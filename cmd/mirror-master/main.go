// Package main is the entry point for the mirror-master daemon: it loads
// the config, reconciles the stat file, starts the scheduler's tick loop,
// and exposes the master control socket.
//
// Startup sequence:
//  1. Load config + reconcile the stat file into the live package table
//  2. Dial the worker control socket
//  3. Build the scheduler, start its tick loop, and listen for the
//     worker's job_finished notifications on a second connection
//  4. Start the master control socket
//  5. Start the metrics sampler
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sparcs-kaist/mirror/internal/backend"
	"github.com/sparcs-kaist/mirror/internal/eventbus"
	"github.com/sparcs-kaist/mirror/internal/ipc"
	"github.com/sparcs-kaist/mirror/internal/logging"
	"github.com/sparcs-kaist/mirror/internal/masterrpc"
	"github.com/sparcs-kaist/mirror/internal/metrics"
	"github.com/sparcs-kaist/mirror/internal/scheduler"
	"github.com/sparcs-kaist/mirror/internal/store"
	"github.com/sparcs-kaist/mirror/internal/workerrpc"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	configPath   string
	workerSocket string
	logLevel     string
	debug        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "mirror-master [config]",
		Short: "mirror-master — Debian-mirror-style sync scheduling daemon",
		Long: `mirror-master loads a mirror config, reconciles package state against
the stat file, and runs the per-second dispatch loop that decides which
packages need a sync, delegating actual transfers to a mirror-worker
process over a Unix control socket.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.configPath = args[0]
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("MIRROR_CONFIG", "/etc/mirror/config.json"), "Path to the mirror config file")
	root.PersistentFlags().StringVar(&cfg.workerSocket, "worker-socket", envOrDefault("MIRROR_WORKER_SOCKET", "/run/mirror/worker.sock"), "mirror-worker control socket to dispatch jobs through")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MIRROR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.debug, "debug", envOrDefault("MIRROR_DEBUG", "false") == "true", "Enable debug-level development logging (invalid status transitions are handled the same either way)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mirror-master %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Load config + reconcile stat file ---
	backends := backend.NewRegistry()
	mcfg, pkgs, err := store.Load(cfg.configPath, backends.Known())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.Build(cfg.logLevel, cfg.debug, mcfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting mirror-master",
		zap.String("version", version),
		zap.String("config", cfg.configPath),
		zap.Int("packages", pkgs.Len()),
	)

	// --- 2. Worker RPC client ---
	workerSocket := cfg.workerSocket
	if mcfg.WorkerSocket != "" {
		workerSocket = mcfg.WorkerSocket
	}
	worker, err := workerrpc.Dial(workerSocket)
	if err != nil {
		return fmt.Errorf("failed to connect to mirror-worker at %s: %w", workerSocket, err)
	}
	defer worker.Close()

	// --- 3. Scheduler ---
	bus := eventbus.New(0, logger)
	sched, err := scheduler.New(pkgs, mcfg, backends, worker, bus, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 4. job_finished notification listener ---
	// Call and Listen can't share a connection, so notifications are read
	// over a second dedicated worker connection.
	notifyConn, err := workerrpc.Dial(workerSocket)
	if err != nil {
		return fmt.Errorf("failed to open notification connection to mirror-worker: %w", err)
	}
	defer notifyConn.Close()
	go func() {
		err := notifyConn.Listen(ctx, func(n ipc.Notification) {
			if n.Event != "job_finished" {
				return
			}
			jobID, _ := n.Data["job_id"].(string)
			success, _ := n.Data["success"].(bool)
			sched.HandleJobFinished(ctx, jobID, success)
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("worker notification listener stopped", zap.Error(err))
		}
	}()

	// --- 5. Master control socket ---
	masterSocket := mcfg.MasterSocket
	if masterSocket == "" {
		masterSocket = masterrpc.DefaultSocket
	}
	master := masterrpc.NewServer(pkgs, sched, masterSocket, logger)
	if err := master.Start(ctx, masterSocket); err != nil {
		return fmt.Errorf("failed to start master control socket: %w", err)
	}
	defer master.Stop() //nolint:errcheck
	if err := os.Chmod(masterSocket, 0o600); err != nil {
		logger.Warn("failed to restrict master socket permissions", zap.Error(err))
	}
	logger.Info("master control socket listening", zap.String("path", masterSocket))

	// --- 6. Metrics sampler ---
	if mcfg.MetricsFile != "" {
		collector := metrics.NewCollector()
		go metrics.Run(ctx, 15*time.Second, "/", mcfg.MetricsFile, pkgs, collector)
	}

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down mirror-master")

	if err := store.Persist(mcfg.StatFile, mcfg.MirrorName, pkgs); err != nil {
		logger.Warn("final stat file persist failed", zap.Error(err))
	}

	logger.Info("mirror-master stopped")
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
