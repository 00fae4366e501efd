// Package main is the entry point for the mirror-worker daemon: it owns
// the job supervisor and exposes the worker control socket mirror-master
// dispatches sync jobs through.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Load the config (for its log level and worker socket path only — the
//     worker does not interpret packages or scheduling)
//  3. Build the logger
//  4. Build the job registry and worker control socket
//  5. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sparcs-kaist/mirror/internal/logging"
	"github.com/sparcs-kaist/mirror/internal/model"
	"github.com/sparcs-kaist/mirror/internal/supervisor"
	"github.com/sparcs-kaist/mirror/internal/workerrpc"
)

// notifyInterval is how often the worker sweeps for finished-but-unnotified
// jobs and pushes job_finished notifications to the connected master.
const notifyInterval = 1 * time.Second

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	configPath string
	socketPath string
	logLevel   string
	debug      bool
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
		Use:   "mirror-worker",
		Short: "mirror-worker — sync job supervisor",
		Long: `mirror-worker runs and supervises the rsync/ftpsync/script/local
subprocesses mirror-master dispatches, and reports their outcome back
over a Unix control socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("MIRROR_CONFIG", "/etc/mirror/config.json"), "Path to the mirror config file (read for log level and socket path only)")
	root.PersistentFlags().StringVar(&cfg.socketPath, "socket", envOrDefault("MIRROR_WORKER_SOCKET", "/run/mirror/worker.sock"), "Worker control socket path")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MIRROR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.debug, "debug", envOrDefault("MIRROR_DEBUG", "false") == "true", "Enable debug-level console output regardless of --log-level")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mirror-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loggerCfg, socketPath := loadWorkerSettings(cfg.configPath, cfg.socketPath)

	logger, err := logging.Build(cfg.logLevel, cfg.debug, loggerCfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting mirror-worker",
		zap.String("version", version),
		zap.String("socket", socketPath),
	)

	registry := supervisor.NewRegistry(logger)
	server := workerrpc.NewServer(registry, logger)

	if err := server.Start(ctx, socketPath); err != nil {
		return fmt.Errorf("failed to start worker control socket: %w", err)
	}
	defer server.Stop() //nolint:errcheck
	if err := os.Chmod(socketPath, 0o600); err != nil {
		logger.Warn("failed to restrict worker socket permissions", zap.Error(err))
	}
	logger.Info("worker listening", zap.String("socket", socketPath))

	go notifyLoop(ctx, server, registry)

	<-ctx.Done()
	logger.Info("mirror-worker stopping")
	return nil
}

// notifyLoop periodically sweeps the registry for jobs that have exited
// without yet having a job_finished notification delivered, and prunes
// jobs that are both finished and notified (or past the retention cap).
func notifyLoop(ctx context.Context, server *workerrpc.Server, registry *supervisor.Registry) {
	ticker := time.NewTicker(notifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			server.NotifyFinishedJobs()
			registry.PruneFinished(now)
		}
	}
}

// loadWorkerSettings reads just the logger format and worker socket path out
// of the config file, tolerating a missing or unparsable file the way the
// source's worker() command does (falls back to defaults with a warning
// rather than refusing to start — the worker has no packages of its own to
// validate).
func loadWorkerSettings(configPath, fallbackSocket string) (model.LoggerConfig, string) {
	socket := fallbackSocket
	var loggerCfg model.LoggerConfig

	data, err := os.ReadFile(configPath)
	if err != nil {
		return loggerCfg, socket
	}

	var raw struct {
		Settings struct {
			WorkerSocket string             `json:"workersocket"`
			Logger       model.LoggerConfig `json:"logger"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to parse config %s: %v\n", configPath, err)
		return loggerCfg, socket
	}

	if raw.Settings.WorkerSocket != "" {
		socket = raw.Settings.WorkerSocket
	}
	return raw.Settings.Logger, socket
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
