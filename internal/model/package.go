// Package model holds the declarative and runtime data types shared by the
// scheduler, the persistence layer, and the RPC handlers: Package, its
// settings, and the package status state machine.
package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sparcs-kaist/mirror/internal/duration"
	"github.com/sparcs-kaist/mirror/internal/eventbus"
)

// Status is a package's runtime lifecycle state.
type Status string

const (
	StatusUnknown Status = "UNKNOWN"
	StatusActive  Status = "ACTIVE"
	StatusSync    Status = "SYNC"
	StatusError   Status = "ERROR"
)

func (s Status) valid() bool {
	switch s {
	case StatusUnknown, StatusActive, StatusSync, StatusError:
		return true
	}
	return false
}

// Link is an auxiliary reference advertised alongside a package (e.g. a
// project homepage), carried through unchanged to the external snapshot.
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// Settings is the opaque per-package configuration bag a backend interprets.
type Settings struct {
	Hidden  bool           `json:"hidden"`
	Src     string         `json:"src"`
	Dst     string         `json:"dst"`
	Options map[string]any `json:"options"`
}

// Package is a declared mirror target plus its runtime status.
// The runtime fields (status, lastSync, errorCount, disabled, timestamp) are
// unexported and change only through SetStatus, SetLastSync, SetDisabled
// and, at load time, SeedFromStat, so the invariants in the state machine
// hold.
type Package struct {
	// Static, declarative fields — set once from config, never mutated
	// outside of a config reload.
	ID       string
	Name     string
	Href     string
	SyncType string
	SyncRate int // seconds; duration.Push (-1) means push-only
	Link     []Link
	Settings Settings

	mu         sync.Mutex
	status     Status
	lastSync   float64 // seconds since epoch
	errorCount int
	disabled   bool
	timestamp  int64 // ms since epoch, last status change
}

// NewPackage constructs a Package in its initial UNKNOWN state.
func NewPackage(id, name, href, syncType string, syncRate int, links []Link, settings Settings) *Package {
	return &Package{
		ID:       id,
		Name:     name,
		Href:     href,
		SyncType: syncType,
		SyncRate: syncRate,
		Link:     links,
		Settings: settings,
		status:   StatusUnknown,
	}
}

// Status returns the current status under lock.
func (p *Package) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// LastSync returns the last successful (or dispatched) sync time, seconds
// since epoch.
func (p *Package) LastSync() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSync
}

// ErrorCount returns the number of ERROR transitions observed so far.
func (p *Package) ErrorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorCount
}

// Timestamp returns the ms-since-epoch time of the last status change.
func (p *Package) Timestamp() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timestamp
}

// Disabled reports whether the package is administratively disabled.
func (p *Package) Disabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled
}

// SetDisabled sets the disabled flag. Not itself a status transition.
func (p *Package) SetDisabled(disabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = disabled
}

// SeedFromStat sets the package's runtime fields directly from the
// persisted stat file at load time, bypassing the guarded transition
// table. This is the one legitimate way a Package reaches a state other
// than UNKNOWN without going through SetStatus: reconciliation restores
// prior state, it does not perform a runtime transition.
func (p *Package) SeedFromStat(status Status, errorCount int, lastSync float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status.valid() {
		p.status = status
	}
	p.errorCount = errorCount
	p.lastSync = lastSync
}

// SetLastSync records the time of the most recent dispatch or successful
// sync. Called by the scheduler on dispatch and by the notification handler
// on success.
func (p *Package) SetLastSync(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSync = t
}

// transitions enumerates, for each current state, the set of states a
// single SetStatus call may move to. This is the guarded operation referred
// to by the package state machine: every allowed edge in the table is
// legal; every other edge is rejected.
var transitions = map[Status]map[Status]bool{
	StatusUnknown: {StatusActive: true, StatusSync: true, StatusError: true},
	StatusActive:  {StatusSync: true, StatusError: true},
	StatusSync:    {StatusActive: true, StatusError: true},
	StatusError:   {StatusActive: true, StatusSync: true, StatusError: true},
}

// ErrInvalidTransition is returned by SetStatus when the requested target is
// not reachable from the current state.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("model: invalid status transition %s -> %s", e.From, e.To)
}

// SetStatus performs the single guarded status transition. It fires
// PACKAGE_STATUS_UPDATE.PRE before mutating state and .POST after, updates
// Timestamp, and increments ErrorCount when entering ERROR. A call whose
// target equals the current status is a no-op, except ERROR -> ERROR, which
// is a fresh failure and counts as a transition. now is injected so callers
// (and tests) control the clock.
//
// debug, when true, returns ErrInvalidTransition for a rejected transition,
// matching the source's debug-mode raise. Otherwise the rejection is posted
// on bus as a "status_transition_rejected" event and SetStatus returns nil;
// nothing is logged.
func (p *Package) SetStatus(ctx context.Context, bus *eventbus.Bus, to Status, now time.Time, debug bool) error {
	if !to.valid() {
		return fmt.Errorf("model: unknown status %q", to)
	}

	p.mu.Lock()
	from := p.status
	if from == to && to != StatusError {
		p.mu.Unlock()
		return nil
	}
	allowed := transitions[from][to]
	p.mu.Unlock()

	if !allowed {
		err := &ErrInvalidTransition{From: from, To: to}
		if debug {
			return err
		}
		if bus != nil {
			bus.Post(ctx, "status_transition_rejected", err)
		}
		return nil
	}

	if bus != nil {
		bus.PostSync(ctx, eventbus.PackageStatusUpdatePre, p)
	}

	p.mu.Lock()
	p.status = to
	p.timestamp = now.UnixMilli()
	if to == StatusError {
		p.errorCount++
	}
	p.mu.Unlock()

	if bus != nil {
		bus.Post(ctx, eventbus.PackageStatusUpdatePost, p)
	}
	return nil
}

// SyncRateDuration formats SyncRate back into its ISO-8601 wire form, used
// when regenerating the external status snapshot.
func (p *Package) SyncRateDuration() (string, error) {
	return duration.Format(p.SyncRate)
}
