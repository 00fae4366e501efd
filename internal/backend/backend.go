// Package backend builds the subprocess invocation for each sync method a
// package can declare: rsync, ftpsync, script, and local. Backends only
// construct a commandline and environment; internal/supervisor actually
// runs it, and internal/workerrpc is the RPC boundary between the two.
package backend

import (
	"fmt"
	"sync"

	"github.com/sparcs-kaist/mirror/internal/model"
	"github.com/sparcs-kaist/mirror/internal/sysutil"
)

// Invocation is what a Backend builds for a package sync: the subprocess
// to run and the environment it needs.
type Invocation struct {
	Commandline []string
	Env         map[string]string
}

// Backend builds the subprocess invocation for one sync method. Build
// returns the invocation for a full sync; FFTS returns the invocation for a
// lightweight freshness probe used to skip a sync whose source has not
// changed (the source's ffts() check), with a false bool when the package
// has no such probe.
type Backend interface {
	Name() string
	Build(pkg *model.Package, cfg *model.Config) (Invocation, error)
	FFTS(pkg *model.Package, cfg *model.Config) (Invocation, bool, error)
}

// Registry holds every registered Backend by name, used both to dispatch
// syncs and to validate a package's synctype at config-load time.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry constructs a Registry with the four built-in backends
// registered: rsync, ftpsync, script, local.
func NewRegistry() *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	r.Register(&RsyncBackend{})
	r.Register(&FTPSyncBackend{})
	r.Register(&ScriptBackend{})
	r.Register(&LocalBackend{})
	return r
}

// Register adds or replaces a Backend under its own Name().
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns the backend registered under name, or nil.
func (r *Registry) Get(name string) Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[name]
}

// Known returns the set of registered backend names, suitable for
// model.ParseConfig's synctype validation.
func (r *Registry) Known() model.KnownBackends {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(model.KnownBackends, len(r.backends))
	for name := range r.backends {
		out[name] = true
	}
	return out
}

// Build dispatches to the named backend's Build.
func (r *Registry) Build(pkg *model.Package, cfg *model.Config) (Invocation, error) {
	b := r.Get(pkg.SyncType)
	if b == nil {
		return Invocation{}, fmt.Errorf("backend: unknown synctype %q for package %q", pkg.SyncType, pkg.ID)
	}
	return b.Build(pkg, cfg)
}

// FFTS dispatches to the named backend's freshness probe.
func (r *Registry) FFTS(pkg *model.Package, cfg *model.Config) (Invocation, bool, error) {
	b := r.Get(pkg.SyncType)
	if b == nil {
		return Invocation{}, false, fmt.Errorf("backend: unknown synctype %q for package %q", pkg.SyncType, pkg.ID)
	}
	return b.FFTS(pkg, cfg)
}

// optionString reads a string option from a package's settings.options bag.
func optionString(pkg *model.Package, key string) string {
	if pkg.Settings.Options == nil {
		return ""
	}
	v, _ := pkg.Settings.Options[key].(string)
	return v
}

// optionBool reads a bool option from a package's settings.options bag.
func optionBool(pkg *model.Package, key string) bool {
	if pkg.Settings.Options == nil {
		return false
	}
	v, _ := pkg.Settings.Options[key].(bool)
	return v
}

// resolveSrc applies SetRsyncUser to a package's source URL when an rsync
// auth user is configured via settings.options["user"].
func resolveSrc(pkg *model.Package) (string, error) {
	user := optionString(pkg, "user")
	return sysutil.SetRsyncUser(pkg.Settings.Src, user)
}
