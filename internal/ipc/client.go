package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// NotificationHandler receives pushed Notifications on a Client's
// connection, e.g. the master's workerrpc.Client reacting to the worker's
// job_finished push.
type NotificationHandler func(n Notification)

// Client dials a single long-lived Unix socket connection, performs the
// handshake, and exposes synchronous Call plus an optional background
// listener for pushed Notifications. masterrpc.Client and workerrpc.Client
// wrap this with typed methods for each exposed command.
type Client struct {
	Role       Role
	AppVersion string

	conn   net.Conn
	br     *bufio.Reader
	connMu sync.Mutex // serializes Call's write+read pairs
}

// NewClient connects to path over a Unix socket and completes the
// handshake. No background reader is started: a connection either carries
// command/response traffic via Call, or it is handed to Listen for a
// push-only read loop, never both concurrently.
func NewClient(path string, role Role, appVersion string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}

	br := bufio.NewReader(conn)
	ours := Handshake{
		AppName:         AppName,
		AppVersion:      appVersion,
		ProtocolVersion: ProtocolVersion,
		Role:            role,
		IsServer:        false,
	}
	if _, err := performHandshake(conn, br, ours); err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{Role: role, AppVersion: appVersion, conn: conn, br: br}, nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends a command and blocks for its Response. Pushed Notifications
// that arrive on the connection before the Response are skipped. ctx is not
// consulted: there is no response timeout.
func (c *Client) Call(ctx context.Context, command string, kwargs map[string]any) (*Response, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if err := writeFrame(c.conn, Request{Command: command, Kwargs: kwargs}); err != nil {
		return nil, fmt.Errorf("ipc: send request %q: %w", command, err)
	}

	for {
		var raw json.RawMessage
		if err := readFrame(c.br, &raw); err != nil {
			return nil, fmt.Errorf("ipc: receive response for %q: %w", command, err)
		}
		var tag envelopeTag
		if err := json.Unmarshal(raw, &tag); err == nil && isNotificationTag(tag) {
			continue
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("ipc: receive response for %q: %w", command, err)
		}
		return &resp, nil
	}
}

// Listen reads pushed Notifications in a loop until the connection closes
// or ctx is done, invoking handler for each. It must not be run
// concurrently with Call on the same Client.
func (c *Client) Listen(ctx context.Context, handler NotificationHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var raw json.RawMessage
		if err := readFrame(c.br, &raw); err != nil {
			return err
		}

		var tag envelopeTag
		if err := json.Unmarshal(raw, &tag); err != nil {
			return fmt.Errorf("ipc: decode envelope: %w", err)
		}
		if !isNotificationTag(tag) {
			continue
		}

		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("ipc: decode notification: %w", err)
		}
		handler(n)
	}
}
