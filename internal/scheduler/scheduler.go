// Package scheduler runs the master's tick loop: for each package, decide
// whether to dispatch a sync, reconcile observed worker reality against
// recorded status, and retry failed packages after their backoff window.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/sparcs-kaist/mirror/internal/backend"
	"github.com/sparcs-kaist/mirror/internal/eventbus"
	"github.com/sparcs-kaist/mirror/internal/ipc"
	"github.com/sparcs-kaist/mirror/internal/logging"
	"github.com/sparcs-kaist/mirror/internal/model"
	"github.com/sparcs-kaist/mirror/internal/store"
	"github.com/sparcs-kaist/mirror/internal/workerrpc"
)

// staleSyncGrace is how long a package may sit in SYNC with no matching
// live worker job before the stale-SYNC sweep forces it to ERROR. Startup
// and a freshly dispatched job both need a short window to look like a
// legitimate in-flight sync before this kicks in.
const staleSyncGrace = 60 * time.Second

// fftsContimeout bounds the synchronous freshness-probe dry-run the
// scheduler runs, from its own side, before a full dispatch.
const fftsContimeout = 10 * time.Second

// WorkerRPC is the subset of workerrpc.Client the scheduler dispatches
// and polls through, narrowed for testability.
type WorkerRPC interface {
	ExecuteCommand(ctx context.Context, args workerrpc.ExecuteCommandArgs) (*ipc.Response, error)
	GetProgress(ctx context.Context, jobID string) (*ipc.Response, error)
	StopCommand(ctx context.Context, jobID string) (*ipc.Response, error)
}

// Scheduler wraps gocron's singleton-mode job to run one tick of the
// package dispatch loop per second. It implements masterrpc.Dispatcher.
type Scheduler struct {
	cron     gocron.Scheduler
	packages *model.Packages
	cfg      *model.Config
	backends *backend.Registry
	worker   WorkerRPC
	bus      *eventbus.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	jobIDs map[string]string // package id -> in-flight worker job id
	debug  bool
}

// New constructs a Scheduler. Call Start to begin ticking.
func New(packages *model.Packages, cfg *model.Config, backends *backend.Registry, worker WorkerRPC, bus *eventbus.Bus, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:     cron,
		packages: packages,
		cfg:      cfg,
		backends: backends,
		worker:   worker,
		bus:      bus,
		logger:   logger,
		jobIDs:   make(map[string]string),
	}, nil
}

// Start registers the 1-second tick job in singleton mode (a slow tick
// never overlaps the next) and starts the underlying gocron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(1*time.Second),
		gocron.NewTask(func() { s.tick(ctx) }),
		gocron.WithTags("tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register tick job: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for any in-flight tick to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	return nil
}

// tick runs one full pass over every package in config insertion order,
// implementing the dispatch decision table.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	s.packages.Each(func(p *model.Package) {
		if p.Disabled() {
			return
		}
		s.evaluate(ctx, p, now)
	})
}

func (s *Scheduler) evaluate(ctx context.Context, p *model.Package, now time.Time) {
	status := p.Status()
	elapsed := now.Sub(time.UnixMilli(int64(p.LastSync() * 1000))).Seconds()
	liveJobID, isLive := s.liveJob(ctx, p.ID)

	switch status {
	case model.StatusSync:
		if isLive {
			return
		}
		if elapsed < staleSyncGrace.Seconds() {
			return
		}
		s.transitionError(ctx, p, now, "stale SYNC sweep: no live worker job and past grace window")
		return
	}

	if isLive {
		// Observed reality wins: the worker is running this package's job
		// even though our recorded status says otherwise (e.g. after a
		// master restart).
		s.mu.Lock()
		s.jobIDs[p.ID] = liveJobID
		s.mu.Unlock()
		s.transitionTo(ctx, p, model.StatusSync, now)
		return
	}

	if p.SyncRate >= 0 && elapsed > float64(p.SyncRate) {
		s.dispatch(ctx, p, now)
		return
	}

	if status == model.StatusError && elapsed > float64(s.cfg.ErrorContinueTime) {
		s.dispatch(ctx, p, now)
	}
}

// liveJob reports whether the worker currently has a live job registered
// for p's last-known job id.
func (s *Scheduler) liveJob(ctx context.Context, pkgID string) (string, bool) {
	s.mu.Lock()
	jobID := s.jobIDs[pkgID]
	s.mu.Unlock()
	if jobID == "" {
		return "", false
	}

	resp, err := s.worker.GetProgress(ctx, jobID)
	if err != nil || resp.Status != ipc.StatusOK {
		return jobID, false
	}
	data, _ := resp.Data.(map[string]any)
	syncing, _ := data["syncing"].(bool)
	return jobID, syncing
}

func (s *Scheduler) dispatch(ctx context.Context, p *model.Package, now time.Time) {
	if uptodate, probed := s.runFFTS(ctx, p); probed && uptodate {
		s.logger.Info("FFTS probe reports up to date, skipping sync", zap.String("package_id", p.ID))
		p.SetLastSync(float64(now.Unix()))
		s.transitionTo(ctx, p, model.StatusActive, now)
		return
	}

	inv, err := s.backends.Build(p, s.cfg)
	if err != nil {
		s.logger.Error("failed to build sync invocation", zap.String("package_id", p.ID), zap.Error(err))
		s.transitionError(ctx, p, now, "invocation build failed")
		return
	}

	// The worker job id is the package id, so a job_finished push names the
	// package HandleJobFinished must update.
	jobID := p.ID
	logPath, err := logging.JobLogPath(s.cfg.Logger, now, p.ID)
	if err != nil {
		s.logger.Error("failed to resolve job log path", zap.String("package_id", p.ID), zap.Error(err))
		s.transitionError(ctx, p, now, "log path resolution failed")
		return
	}

	resp, err := s.worker.ExecuteCommand(ctx, workerrpc.ExecuteCommandArgs{
		JobID:       jobID,
		Commandline: inv.Commandline,
		Env:         inv.Env,
		UID:         s.cfg.UID,
		GID:         s.cfg.GID,
		LogPath:     logPath,
	})
	if err != nil || resp.Status != ipc.StatusOK {
		s.logger.Warn("dispatch failed", zap.String("package_id", p.ID), zap.Error(err))
		s.transitionError(ctx, p, now, "dispatch RPC failed")
		return
	}

	s.mu.Lock()
	s.jobIDs[p.ID] = jobID
	s.mu.Unlock()

	p.SetLastSync(float64(now.Unix()))
	s.transitionTo(ctx, p, model.StatusSync, now)
}

// runFFTS executes p's backend freshness probe synchronously, if it has
// one. probed is false when the backend has no FFTS invocation for this
// package (disabled via options, or the backend doesn't implement one);
// the caller should fall through to a normal dispatch. A non-zero exit is
// treated the same as "not up to date" (conservative): only an empty
// stdout on a clean exit skips the full sync.
func (s *Scheduler) runFFTS(ctx context.Context, p *model.Package) (uptodate, probed bool) {
	inv, has, err := s.backends.FFTS(p, s.cfg)
	if err != nil || !has {
		return false, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, fftsContimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, inv.Commandline[0], inv.Commandline[1:]...)
	cmd.Env = mergeEnv(inv.Env)
	out, err := cmd.Output()
	if err != nil {
		s.logger.Debug("FFTS probe exited non-zero, treating as stale", zap.String("package_id", p.ID), zap.Error(err))
		return false, true
	}
	return len(bytes.TrimSpace(out)) == 0, true
}

// mergeEnv overlays extra on top of the scheduler process's own
// environment, the same pattern the worker uses for job env construction.
func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *Scheduler) transitionTo(ctx context.Context, p *model.Package, to model.Status, now time.Time) {
	if err := p.SetStatus(ctx, s.bus, to, now, s.debug); err != nil {
		s.logger.Warn("rejected status transition", zap.String("package_id", p.ID), zap.Error(err))
		return
	}
	s.afterTransition(p, now)
}

func (s *Scheduler) transitionError(ctx context.Context, p *model.Package, now time.Time, reason string) {
	if err := p.SetStatus(ctx, s.bus, model.StatusError, now, s.debug); err != nil {
		s.logger.Warn("rejected status transition", zap.String("package_id", p.ID), zap.Error(err))
		return
	}
	s.logger.Info("package entered ERROR", zap.String("package_id", p.ID), zap.String("reason", reason))
	s.afterTransition(p, now)
}

func (s *Scheduler) afterTransition(p *model.Package, now time.Time) {
	if err := store.Persist(s.cfg.StatFile, s.cfg.MirrorName, s.packages); err != nil {
		s.logger.Error("failed to persist stat file", zap.Error(err))
	}
	if err := store.GenerateStatus(s.cfg.StatusFile, s.cfg.MirrorName, s.packages, now); err != nil {
		s.logger.Error("failed to regenerate status snapshot", zap.Error(err))
	}
}

// TriggerNow immediately dispatches packageID, bypassing its schedule.
// Satisfies masterrpc.Dispatcher.
func (s *Scheduler) TriggerNow(packageID string) error {
	p := s.packages.Get(packageID)
	if p == nil {
		return fmt.Errorf("scheduler: unknown package %q", packageID)
	}
	s.dispatch(context.Background(), p, time.Now())
	return nil
}

// StopSync stops packageID's in-flight job, if any. Satisfies
// masterrpc.Dispatcher.
func (s *Scheduler) StopSync(packageID string) error {
	s.mu.Lock()
	jobID := s.jobIDs[packageID]
	s.mu.Unlock()
	if jobID == "" {
		return fmt.Errorf("scheduler: package %q has no in-flight job", packageID)
	}

	resp, err := s.worker.StopCommand(context.Background(), jobID)
	if err != nil {
		return fmt.Errorf("scheduler: stop_command for %q: %w", packageID, err)
	}
	if resp.Status != ipc.StatusOK {
		return fmt.Errorf("scheduler: stop_command for %q: %s", packageID, resp.Message)
	}
	return nil
}

// HandleJobFinished is the worker notification callback: it reconciles a
// job_finished push into the package's status, independent of the tick
// loop observing the same outcome.
func (s *Scheduler) HandleJobFinished(ctx context.Context, packageID string, success bool) {
	p := s.packages.Get(packageID)
	if p == nil {
		return
	}
	now := time.Now()
	if success {
		p.SetLastSync(float64(now.Unix()))
		s.transitionTo(ctx, p, model.StatusActive, now)
	} else {
		s.transitionError(ctx, p, now, "job_finished notification reported failure")
	}
}
