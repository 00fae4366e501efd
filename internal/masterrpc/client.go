package masterrpc

import (
	"context"

	"github.com/sparcs-kaist/mirror/internal/ipc"
)

// DefaultSocket is the conventional master socket path, matching the
// source's DEFAULT_MASTER_SOCKET.
const DefaultSocket = "/run/mirror/master.sock"

// Client is a thin typed wrapper over ipc.Client for the master's exposed
// commands, used by mirrorctl and other CLI tools.
type Client struct {
	*ipc.Client
}

// Dial connects to the master's Unix socket and completes the handshake.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	c, err := ipc.NewClient(socketPath, ipc.RoleClient, AppVersion)
	if err != nil {
		return nil, err
	}
	return &Client{Client: c}, nil
}

// IsRunning reports whether a master daemon answers ping at socketPath.
func IsRunning(socketPath string) bool {
	c, err := Dial(socketPath)
	if err != nil {
		return false
	}
	defer c.Close()
	resp, err := c.Ping(context.Background())
	return err == nil && resp.Status == ipc.StatusOK
}

func (c *Client) Ping(ctx context.Context) (*ipc.Response, error) {
	return c.Call(ctx, "ping", nil)
}

func (c *Client) Status(ctx context.Context) (*ipc.Response, error) {
	return c.Call(ctx, "status", nil)
}

func (c *Client) ListPackages(ctx context.Context) (*ipc.Response, error) {
	return c.Call(ctx, "list_packages", nil)
}

func (c *Client) StartSync(ctx context.Context, packageID string) (*ipc.Response, error) {
	return c.Call(ctx, "start_sync", map[string]any{"package_id": packageID})
}

func (c *Client) StopSync(ctx context.Context, packageID string) (*ipc.Response, error) {
	return c.Call(ctx, "stop_sync", map[string]any{"package_id": packageID})
}

func (c *Client) GetPackage(ctx context.Context, packageID string) (*ipc.Response, error) {
	return c.Call(ctx, "get_package", map[string]any{"package_id": packageID})
}
