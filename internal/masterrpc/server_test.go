package masterrpc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sparcs-kaist/mirror/internal/model"
)

type fakeDispatcher struct {
	started, stopped []string
	err              error
}

func (f *fakeDispatcher) TriggerNow(id string) error {
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDispatcher) StopSync(id string) error {
	if f.err != nil {
		return f.err
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func startTestMaster(t *testing.T) (*Server, *fakeDispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "master.sock")

	pkgs := model.NewPackages()
	pkgs.Add(model.NewPackage("ubuntu", "Ubuntu", "/ubuntu/", "rsync", 3600, nil, model.Settings{}))

	disp := &fakeDispatcher{}
	s := NewServer(pkgs, disp, sock, zap.NewNop())
	require.NoError(t, s.Start(context.Background(), sock))
	t.Cleanup(func() { s.Stop() })
	return s, disp, sock
}

func TestListPackages(t *testing.T) {
	_, _, sock := startTestMaster(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.ListPackages(context.Background())
	require.NoError(t, err)
	data := resp.Data.(map[string]any)
	pkgs := data["packages"].([]any)
	require.Len(t, pkgs, 1)
	entry := pkgs[0].(map[string]any)
	assert.Equal(t, "ubuntu", entry["id"])
}

func TestStartSyncDispatchesAndRejectsUnknown(t *testing.T) {
	_, disp, sock := startTestMaster(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.StartSync(context.Background(), "ubuntu")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Status))
	assert.Equal(t, []string{"ubuntu"}, disp.started)

	resp, err = c.StartSync(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, "error", string(resp.Status))
}

func TestGetPackageUnknownIsError(t *testing.T) {
	_, _, sock := startTestMaster(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.GetPackage(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, "error", string(resp.Status))
}
