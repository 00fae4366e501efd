package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// staleSocketProbeTimeout bounds the dial Start uses to check whether a
// live peer is already listening on a socket path before unlinking it.
const staleSocketProbeTimeout = 200 * time.Millisecond

// Handler answers one Request with a Response. Handlers run on their own
// per-connection goroutine and must not block indefinitely; long-running
// work (e.g. starting a sync job) must return immediately and let progress
// be polled separately.
type Handler func(ctx context.Context, kwargs map[string]any) (data any, err error)

// Server accepts connections on a Unix socket, performs the capability
// handshake, and dispatches each inbound Request to a registered Handler.
// masterrpc.Server and workerrpc.Server embed this to get the framing,
// handshake, and dispatch loop for free while owning their own command set.
type Server struct {
	Role       Role
	AppVersion string
	Logger     *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	listener net.Listener
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]*sync.Mutex
}

// NewServer constructs a Server; call Expose to register commands before
// Start.
func NewServer(role Role, appVersion string, logger *zap.Logger) *Server {
	return &Server{
		Role:       role,
		AppVersion: appVersion,
		Logger:     logger,
		handlers:   make(map[string]Handler),
		conns:      make(map[net.Conn]*sync.Mutex),
	}
}

// Expose registers a Handler under command name. Calling Expose after Start
// is not safe.
func (s *Server) Expose(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Start probes path for a live peer before touching it: a successful dial
// means another instance is already listening, and this rewrite refuses to
// start rather than stealing the socket out from under it. Only once the
// probe fails does Start remove the (now confirmed stale) socket file,
// bind a Unix listener at path, and begin accepting connections in the
// background. Call Stop to shut down.
func (s *Server) Start(ctx context.Context, path string) error {
	if probe, err := net.DialTimeout("unix", path, staleSocketProbeTimeout); err == nil {
		probe.Close()
		return fmt.Errorf("ipc: another instance is already listening on %s", path)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and all active connections, and waits for the
// accept loop to exit.
func (s *Server) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.connsMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.Logger != nil {
				s.Logger.Debug("accept loop exiting", zap.Error(err))
			}
			return
		}

		s.connsMu.Lock()
		s.conns[conn] = &sync.Mutex{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	br := bufio.NewReader(conn)
	ours := Handshake{
		AppName:         AppName,
		AppVersion:      s.AppVersion,
		ProtocolVersion: ProtocolVersion,
		Role:            s.Role,
		IsServer:        true,
	}
	if _, err := performHandshake(conn, br, ours); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("handshake failed", zap.Error(err))
		}
		return
	}

	s.connsMu.Lock()
	writeMu := s.conns[conn]
	s.connsMu.Unlock()

	for {
		var req Request
		if err := readFrame(br, &req); err != nil {
			return
		}
		resp := s.dispatch(ctx, req)

		writeMu.Lock()
		err := writeFrame(conn, resp)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if !ok {
		return Response{Status: StatusNotFound, Message: fmt.Sprintf("unknown command %q", req.Command)}
	}

	data, err := h(ctx, req.Kwargs)
	if err != nil {
		return Response{Status: StatusError, Message: err.Error()}
	}
	return Response{Status: StatusOK, Data: data}
}

// Broadcast pushes a Notification to every currently connected peer. Errors
// writing to an individual connection are logged and otherwise ignored; the
// connection will be reaped by its own handler goroutine on next read.
func (s *Server) Broadcast(n Notification) int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	delivered := 0
	for c, writeMu := range s.conns {
		writeMu.Lock()
		err := writeFrame(c, n)
		writeMu.Unlock()
		if err != nil {
			if s.Logger != nil {
				s.Logger.Warn("notification delivery failed", zap.Error(err))
			}
			continue
		}
		delivered++
	}
	return delivered
}

// ClientCount reports the number of currently connected peers, used by
// callers that must treat "no listeners" as a delivery failure.
func (s *Server) ClientCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}
