// Package workerrpc exposes the worker daemon's command set over
// internal/ipc: ping, status, execute_command, stop_command, get_progress,
// plus the job_finished notification pushed to whichever master is
// currently connected.
package workerrpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sparcs-kaist/mirror/internal/ipc"
	"github.com/sparcs-kaist/mirror/internal/supervisor"
)

// AppVersion is reported in the IPC handshake.
const AppVersion = "1.0.0"

// StopTimeout bounds how long stop_command waits for SIGTERM before
// escalating to SIGKILL.
const StopTimeout = 5 * time.Second

// Server wraps an ipc.Server with the worker's exposed commands bound to a
// job registry.
type Server struct {
	*ipc.Server
	registry *supervisor.Registry
	logger   *zap.Logger
}

// NewServer constructs a worker RPC server over registry.
func NewServer(registry *supervisor.Registry, logger *zap.Logger) *Server {
	s := &Server{
		Server:   ipc.NewServer(ipc.RoleWorker, AppVersion, logger),
		registry: registry,
		logger:   logger,
	}
	s.Expose("ping", s.handlePing)
	s.Expose("status", s.handleStatus)
	s.Expose("execute_command", s.handleExecuteCommand)
	s.Expose("stop_command", s.handleStopCommand)
	s.Expose("get_progress", s.handleGetProgress)
	return s
}

func (s *Server) handlePing(ctx context.Context, kwargs map[string]any) (any, error) {
	return map[string]any{"message": "pong"}, nil
}

func (s *Server) handleStatus(ctx context.Context, kwargs map[string]any) (any, error) {
	s.registry.PruneFinished(time.Now())

	var active []string
	for _, j := range s.registry.All() {
		if j.IsRunning() {
			active = append(active, j.ID)
		}
	}
	return map[string]any{
		"role":        string(ipc.RoleWorker),
		"version":     AppVersion,
		"active_jobs": active,
	}, nil
}

func (s *Server) handleExecuteCommand(ctx context.Context, kwargs map[string]any) (any, error) {
	s.registry.PruneFinished(time.Now())

	jobID, _ := kwargs["job_id"].(string)
	if jobID == "" {
		return nil, fmt.Errorf("workerrpc: execute_command requires job_id")
	}
	commandline, err := stringSlice(kwargs["commandline"])
	if err != nil {
		return nil, fmt.Errorf("workerrpc: execute_command: %w", err)
	}
	env := stringMap(kwargs["env"])
	syncMethod, _ := kwargs["sync_method"].(string)
	if syncMethod == "" {
		syncMethod = "execute"
	}
	uid := intOrDefault(kwargs["uid"], 0)
	gid := intOrDefault(kwargs["gid"], 0)
	nice := intOrDefault(kwargs["nice"], 0)
	logPath, _ := kwargs["log_path"].(string)

	job, err := s.registry.Create(jobID, commandline, env, uid, gid, nice, logPath)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"job_id":      jobID,
		"sync_method": syncMethod,
		"status":      "started",
		"job_pid":     job.PID(),
		"has_fds":     false,
	}, nil
}

func (s *Server) handleStopCommand(ctx context.Context, kwargs map[string]any) (any, error) {
	jobID, _ := kwargs["job_id"].(string)

	if jobID != "" {
		job := s.registry.Get(jobID)
		if job == nil {
			return map[string]any{"job_id": jobID, "status": "not_found"}, nil
		}
		if err := job.Stop(StopTimeout); err != nil {
			return nil, fmt.Errorf("workerrpc: stop job %s: %w", jobID, err)
		}
		return map[string]any{"job_id": jobID, "status": "stopped"}, nil
	}

	var stopped []string
	for _, j := range s.registry.All() {
		if !j.IsRunning() {
			continue
		}
		if err := j.Stop(StopTimeout); err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to stop job", zap.String("job_id", j.ID), zap.Error(err))
			}
			continue
		}
		stopped = append(stopped, j.ID)
	}
	return map[string]any{"status": "all_stopped", "stopped_jobs": stopped}, nil
}

func (s *Server) handleGetProgress(ctx context.Context, kwargs map[string]any) (any, error) {
	s.registry.PruneFinished(time.Now())

	jobID, _ := kwargs["job_id"].(string)
	if jobID != "" {
		job := s.registry.Get(jobID)
		if job == nil {
			return map[string]any{"job_id": jobID, "syncing": false, "status": "not_found"}, nil
		}
		return map[string]any{
			"job_id":  jobID,
			"syncing": job.IsRunning(),
			"info":    job.Info(),
		}, nil
	}

	jobs := s.registry.All()
	syncing := false
	details := make(map[string]any, len(jobs))
	for _, j := range jobs {
		running := j.IsRunning()
		syncing = syncing || running
		details[j.ID] = map[string]any{"running": running, "info": j.Info()}
	}
	return map[string]any{"syncing": syncing, "jobs": details}, nil
}

// NotifyJobFinished broadcasts a job_finished notification to every
// connected client. If delivery doesn't actually reach at least one of
// them — whether because none is connected or because the write failed
// mid-broadcast — the caller should hold the job unreleased (not mark it
// notified) so a future prune sweep's retention cap, not a silent drop, is
// what eventually reclaims it.
func (s *Server) NotifyJobFinished(jobID string, success bool, returncode int) error {
	delivered := s.Broadcast(ipc.NewNotification("job_finished", map[string]any{
		"job_id":     jobID,
		"success":    success,
		"returncode": returncode,
	}))
	if delivered == 0 {
		return fmt.Errorf("workerrpc: notification for job %s was not delivered to any client", jobID)
	}
	return nil
}

// NotifyFinishedJobs scans the registry for jobs that have exited but
// haven't had a job_finished notification delivered yet, and sends one for
// each. Jobs are only marked notified once the broadcast actually reaches
// a client, so a master that is mid-reconnect still gets the notification
// on the next sweep instead of losing it.
func (s *Server) NotifyFinishedJobs() {
	for _, j := range s.registry.All() {
		if j.IsRunning() || j.Notified() {
			continue
		}
		if err := s.NotifyJobFinished(j.ID, j.Succeeded(), j.ExitCode()); err != nil {
			if s.logger != nil {
				s.logger.Debug("deferring job_finished notification", zap.String("job_id", j.ID), zap.Error(err))
			}
			continue
		}
		j.MarkNotified()
	}
}

func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of strings")
	}
	out := make([]string, len(raw))
	for i, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("expected a list of strings")
		}
		out[i] = s
	}
	return out, nil
}

func stringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, e := range raw {
		if s, ok := e.(string); ok {
			out[k] = s
		}
	}
	return out
}

func intOrDefault(v any, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}
