package ipc

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "test.sock")

	s := NewServer(RoleWorker, "test", zap.NewNop())
	s.Expose("ping", func(ctx context.Context, kwargs map[string]any) (any, error) {
		return "pong", nil
	})
	require.NoError(t, s.Start(context.Background(), sock))
	t.Cleanup(func() { s.Stop() })
	return s, sock
}

func TestClientCallRoundTrip(t *testing.T) {
	_, sock := startTestServer(t)

	c, err := NewClient(sock, RoleClient, "test")
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "pong", resp.Data)
}

func TestClientCallUnknownCommand(t *testing.T) {
	_, sock := startTestServer(t)

	c, err := NewClient(sock, RoleClient, "test")
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call(context.Background(), "nope", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, resp.Status)
}

func TestServerRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "stale.sock")
	require.NoError(t, os.WriteFile(sock, []byte("not a socket"), 0o644))

	s := NewServer(RoleMaster, "test", zap.NewNop())
	require.NoError(t, s.Start(context.Background(), sock))
	defer s.Stop()
}

func TestServerRefusesToStartOverLivePeer(t *testing.T) {
	_, sock := startTestServer(t)

	second := NewServer(RoleMaster, "test", zap.NewNop())
	err := second.Start(context.Background(), sock)
	assert.Error(t, err)
}

func TestBroadcastDeliversToConnectedClients(t *testing.T) {
	s, sock := startTestServer(t)

	c, err := NewClient(sock, RoleClient, "test")
	require.NoError(t, err)
	defer c.Close()

	// give the accept loop a moment to register the connection
	deadline := time.Now().Add(time.Second)
	for s.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, s.ClientCount())

	delivered := s.Broadcast(NewNotification("job_finished", map[string]any{"job_id": "abc"}))
	assert.Equal(t, 1, delivered)
}

// dialRaw connects to sock without going through NewClient, so the test can
// send a deliberately malformed handshake and inspect the server's ack.
func dialRaw(t *testing.T, sock string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func TestHandshakeRejectsAppNameMismatch(t *testing.T) {
	_, sock := startTestServer(t)
	conn, br := dialRaw(t, sock)

	require.NoError(t, writeFrame(conn, Handshake{
		AppName:         "not-mirror",
		ProtocolVersion: ProtocolVersion,
		Role:            RoleClient,
	}))

	var theirs Handshake
	require.NoError(t, readFrame(br, &theirs))
	assert.Equal(t, AppName, theirs.AppName)

	var ack HandshakeAck
	require.NoError(t, readFrame(br, &ack))
	assert.Equal(t, HandshakeBadAppName, ack.Status)

	// the server closes the connection without waiting for our own ack or
	// any further command frames.
	var req Request
	assert.Error(t, readFrame(br, &req))
}

func TestHandshakeRejectsProtocolMismatch(t *testing.T) {
	_, sock := startTestServer(t)
	conn, br := dialRaw(t, sock)

	require.NoError(t, writeFrame(conn, Handshake{
		AppName:         AppName,
		ProtocolVersion: ProtocolVersion + 1,
		Role:            RoleClient,
	}))

	var theirs Handshake
	require.NoError(t, readFrame(br, &theirs))

	var ack HandshakeAck
	require.NoError(t, readFrame(br, &ack))
	assert.Equal(t, HandshakeBadProtocol, ack.Status)

	var req Request
	assert.Error(t, readFrame(br, &req))
}
