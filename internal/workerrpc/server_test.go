package workerrpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sparcs-kaist/mirror/internal/ipc"
	"github.com/sparcs-kaist/mirror/internal/supervisor"
)

func startTestWorker(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "worker.sock")

	reg := supervisor.NewRegistry(zap.NewNop())
	s := NewServer(reg, zap.NewNop())
	require.NoError(t, s.Start(context.Background(), sock))
	t.Cleanup(func() { s.Stop() })
	return s, sock
}

func TestExecuteCommandStartsJob(t *testing.T) {
	_, sock := startTestWorker(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.ExecuteCommand(context.Background(), ExecuteCommandArgs{
		JobID:       "job-1",
		Commandline: []string{"/bin/sh", "-c", "exit 0"},
	})
	require.NoError(t, err)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "started", data["status"])
	assert.Equal(t, false, data["has_fds"])
}

func TestExecuteCommandRejectsDuplicateJobID(t *testing.T) {
	_, sock := startTestWorker(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	args := ExecuteCommandArgs{JobID: "dup", Commandline: []string{"/bin/sh", "-c", "sleep 1"}}
	_, err = c.ExecuteCommand(context.Background(), args)
	require.NoError(t, err)

	resp, err := c.ExecuteCommand(context.Background(), args)
	require.NoError(t, err)
	// dispatch wraps handler errors into an error-status response rather
	// than failing the RPC call itself
	assert.Equal(t, "error", string(resp.Status))
}

func TestGetProgressUnknownJob(t *testing.T) {
	_, sock := startTestWorker(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.GetProgress(context.Background(), "nope")
	require.NoError(t, err)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "not_found", data["status"])
}

func TestNotifyJobFinishedFailsWithoutClients(t *testing.T) {
	reg := supervisor.NewRegistry(zap.NewNop())
	s := NewServer(reg, zap.NewNop())
	dir := t.TempDir()
	require.NoError(t, s.Start(context.Background(), filepath.Join(dir, "worker.sock")))
	defer s.Stop()

	err := s.NotifyJobFinished("job-x", true, 0)
	assert.Error(t, err)
}

func TestStatusReportsActiveJobs(t *testing.T) {
	_, sock := startTestWorker(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ExecuteCommand(context.Background(), ExecuteCommandArgs{
		JobID:       "long",
		Commandline: []string{"/bin/sh", "-c", "sleep 1"},
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	resp, err := c.Status(context.Background())
	require.NoError(t, err)
	data := resp.Data.(map[string]any)
	active := data["active_jobs"].([]any)
	assert.Contains(t, active, "long")
}

func TestNotifyFinishedJobsMarksNotifiedOnceDelivered(t *testing.T) {
	s, sock := startTestWorker(t)

	// Call and Listen must not share a connection, so execute_command goes
	// over one client and the notification push is read on another.
	caller, err := Dial(sock)
	require.NoError(t, err)
	defer caller.Close()

	listener, err := Dial(sock)
	require.NoError(t, err)
	defer listener.Close()

	notifications := make(chan map[string]any, 1)
	listenCtx, cancelListen := context.WithCancel(context.Background())
	defer cancelListen()
	go listener.Listen(listenCtx, func(n ipc.Notification) {
		if n.Event == "job_finished" {
			notifications <- n.Data
		}
	})

	_, err = caller.ExecuteCommand(context.Background(), ExecuteCommandArgs{
		JobID:       "quick",
		Commandline: []string{"/bin/sh", "-c", "exit 0"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job := s.registry.Get("quick")
		return job != nil && !job.IsRunning()
	}, time.Second, 10*time.Millisecond)

	s.NotifyFinishedJobs()

	select {
	case data := <-notifications:
		assert.Equal(t, "quick", data["job_id"])
		assert.Equal(t, true, data["success"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job_finished notification")
	}

	job := s.registry.Get("quick")
	require.NotNil(t, job)
	assert.True(t, job.Notified())

	// A second sweep is a no-op once the job is marked notified.
	s.NotifyFinishedJobs()
	select {
	case <-notifications:
		t.Fatal("should not re-notify an already-notified job")
	case <-time.After(100 * time.Millisecond):
	}
}
