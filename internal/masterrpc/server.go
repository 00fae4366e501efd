// Package masterrpc exposes the master daemon's command set over
// internal/ipc: ping, status, list_packages, start_sync, stop_sync,
// get_package. Unlike the source (whose MasterServer handlers are all
// TODO stubs), these are wired to the live package table and scheduler.
package masterrpc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sparcs-kaist/mirror/internal/ipc"
	"github.com/sparcs-kaist/mirror/internal/model"
)

// AppVersion is reported in the IPC handshake.
const AppVersion = "1.0.0"

// Dispatcher is the subset of the scheduler's API the master RPC surface
// needs: immediate, admin-triggered dispatch and cancellation of a
// package's sync, independent of its next scheduled tick.
type Dispatcher interface {
	TriggerNow(packageID string) error
	StopSync(packageID string) error
}

// Server wraps an ipc.Server with the master's exposed commands bound to
// the live package table and a Dispatcher.
type Server struct {
	*ipc.Server
	packages   *model.Packages
	dispatcher Dispatcher
	socketPath string
}

// NewServer constructs a master RPC server over packages and dispatcher.
func NewServer(packages *model.Packages, dispatcher Dispatcher, socketPath string, logger *zap.Logger) *Server {
	s := &Server{
		Server:     ipc.NewServer(ipc.RoleMaster, AppVersion, logger),
		packages:   packages,
		dispatcher: dispatcher,
		socketPath: socketPath,
	}
	s.Expose("ping", s.handlePing)
	s.Expose("status", s.handleStatus)
	s.Expose("list_packages", s.handleListPackages)
	s.Expose("start_sync", s.handleStartSync)
	s.Expose("stop_sync", s.handleStopSync)
	s.Expose("get_package", s.handleGetPackage)
	return s
}

func (s *Server) handlePing(ctx context.Context, kwargs map[string]any) (any, error) {
	return map[string]any{"message": "pong"}, nil
}

func (s *Server) handleStatus(ctx context.Context, kwargs map[string]any) (any, error) {
	return map[string]any{
		"running": true,
		"role":    string(ipc.RoleMaster),
		"version": AppVersion,
		"socket":  s.socketPath,
	}, nil
}

func (s *Server) handleListPackages(ctx context.Context, kwargs map[string]any) (any, error) {
	var out []map[string]any
	s.packages.Each(func(p *model.Package) {
		out = append(out, packageSummary(p))
	})
	return map[string]any{"packages": out}, nil
}

func (s *Server) handleStartSync(ctx context.Context, kwargs map[string]any) (any, error) {
	pkgID, _ := kwargs["package_id"].(string)
	if pkgID == "" {
		return nil, fmt.Errorf("masterrpc: start_sync requires package_id")
	}
	if s.packages.Get(pkgID) == nil {
		return nil, fmt.Errorf("masterrpc: unknown package %q", pkgID)
	}
	if err := s.dispatcher.TriggerNow(pkgID); err != nil {
		return nil, err
	}
	return map[string]any{"package_id": pkgID, "status": "started"}, nil
}

func (s *Server) handleStopSync(ctx context.Context, kwargs map[string]any) (any, error) {
	pkgID, _ := kwargs["package_id"].(string)
	if pkgID == "" {
		return nil, fmt.Errorf("masterrpc: stop_sync requires package_id")
	}
	if s.packages.Get(pkgID) == nil {
		return nil, fmt.Errorf("masterrpc: unknown package %q", pkgID)
	}
	if err := s.dispatcher.StopSync(pkgID); err != nil {
		return nil, err
	}
	return map[string]any{"package_id": pkgID, "status": "stopped"}, nil
}

func (s *Server) handleGetPackage(ctx context.Context, kwargs map[string]any) (any, error) {
	pkgID, _ := kwargs["package_id"].(string)
	pkg := s.packages.Get(pkgID)
	if pkg == nil {
		return nil, fmt.Errorf("masterrpc: unknown package %q", pkgID)
	}
	return packageSummary(pkg), nil
}

func packageSummary(p *model.Package) map[string]any {
	rate, _ := p.SyncRateDuration()
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"href":        p.Href,
		"synctype":    p.SyncType,
		"syncrate":    rate,
		"status":      string(p.Status()),
		"lastsync":    p.LastSync(),
		"errorcount":  p.ErrorCount(),
		"disabled":    p.Disabled(),
	}
}
