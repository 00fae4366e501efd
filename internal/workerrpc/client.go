package workerrpc

import (
	"context"

	"github.com/sparcs-kaist/mirror/internal/ipc"
)

// Client is a thin typed wrapper over ipc.Client for the worker's exposed
// commands, used by the master to dispatch and monitor sync jobs.
type Client struct {
	*ipc.Client
}

// Dial connects to a worker's Unix socket and completes the handshake.
func Dial(socketPath string) (*Client, error) {
	c, err := ipc.NewClient(socketPath, ipc.RoleMaster, AppVersion)
	if err != nil {
		return nil, err
	}
	return &Client{Client: c}, nil
}

// Ping health-checks the worker.
func (c *Client) Ping(ctx context.Context) (*ipc.Response, error) {
	return c.Call(ctx, "ping", nil)
}

// Status fetches the worker's role/version/active-jobs summary.
func (c *Client) Status(ctx context.Context) (*ipc.Response, error) {
	return c.Call(ctx, "status", nil)
}

// ExecuteCommandArgs groups execute_command's keyword arguments.
type ExecuteCommandArgs struct {
	JobID       string
	Commandline []string
	Env         map[string]string
	SyncMethod  string
	UID, GID    int
	Nice        int
	LogPath     string
}

// ExecuteCommand starts a new job on the worker.
func (c *Client) ExecuteCommand(ctx context.Context, args ExecuteCommandArgs) (*ipc.Response, error) {
	commandline := make([]any, len(args.Commandline))
	for i, v := range args.Commandline {
		commandline[i] = v
	}
	env := make(map[string]any, len(args.Env))
	for k, v := range args.Env {
		env[k] = v
	}

	syncMethod := args.SyncMethod
	if syncMethod == "" {
		syncMethod = "execute"
	}

	return c.Call(ctx, "execute_command", map[string]any{
		"job_id":      args.JobID,
		"commandline": commandline,
		"env":         env,
		"sync_method": syncMethod,
		"uid":         args.UID,
		"gid":         args.GID,
		"nice":        args.Nice,
		"log_path":    args.LogPath,
	})
}

// StopCommand stops a specific job, or every running job if jobID is "".
func (c *Client) StopCommand(ctx context.Context, jobID string) (*ipc.Response, error) {
	kwargs := map[string]any{}
	if jobID != "" {
		kwargs["job_id"] = jobID
	}
	return c.Call(ctx, "stop_command", kwargs)
}

// GetProgress fetches progress for a specific job, or a summary of all
// jobs if jobID is "".
func (c *Client) GetProgress(ctx context.Context, jobID string) (*ipc.Response, error) {
	kwargs := map[string]any{}
	if jobID != "" {
		kwargs["job_id"] = jobID
	}
	return c.Call(ctx, "get_progress", kwargs)
}
