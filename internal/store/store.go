// Package store loads the human-authored config file, reconciles it
// against the daemon-authored stat file, and regenerates the derived
// status snapshot. All writes are atomic (temp file + rename) so a crash
// mid-write never leaves a half-written file behind.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sparcs-kaist/mirror/internal/duration"
	"github.com/sparcs-kaist/mirror/internal/model"
)

// writeMu serialises every stat and status file write in this process.
var writeMu sync.Mutex

// statusInfo is the stat file's nested per-package status block.
type statusInfo struct {
	ErrorCount int     `json:"errorcount"`
	LastSync   float64 `json:"lastsync"`
}

type statPackageStatus struct {
	Status     string     `json:"status"`
	StatusInfo statusInfo `json:"statusinfo"`
}

// statPackage is a package entry as stored in the stat file: the config
// fields plus the daemon-owned status block.
type statPackage struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Href     string            `json:"href"`
	SyncType string            `json:"synctype"`
	SyncRate string            `json:"syncrate"`
	Link     []model.Link      `json:"link"`
	Settings model.Settings    `json:"settings"`
	Status   statPackageStatus `json:"status"`
}

type statFile struct {
	MirrorName string                 `json:"mirrorname"`
	Packages   map[string]statPackage `json:"packages"`
}

// Load reads the config file at configPath, reconciles it against the
// existing stat file (dropping packages the config no longer declares,
// seeding new packages at UNKNOWN, and otherwise preserving each
// package's persisted status/errorcount/lastsync), writes the reconciled
// stat file back atomically, and returns the in-memory Config and
// Packages ready for the scheduler and RPC layers.
func Load(configPath string, known model.KnownBackends) (*model.Config, *model.Packages, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("store: read config %s: %w", configPath, err)
	}

	cfg, pkgs, err := model.ParseConfig(raw, known)
	if err != nil {
		return nil, nil, err
	}

	existing, err := readStatFile(cfg.StatFile)
	if err != nil {
		return nil, nil, err
	}

	reconciled := reconcile(cfg, pkgs, existing)
	if err := writeStatFile(cfg.StatFile, reconciled); err != nil {
		return nil, nil, err
	}

	applyStatusFromStat(pkgs, reconciled)
	return cfg, pkgs, nil
}

func readStatFile(path string) (*statFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &statFile{Packages: map[string]statPackage{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read stat file %s: %w", path, err)
	}

	var sf statFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("store: invalid stat file %s: %w", path, err)
	}
	if sf.Packages == nil {
		sf.Packages = map[string]statPackage{}
	}
	return &sf, nil
}

// reconcile drops any stat entry whose package id is no longer declared in
// cfg's Packages, and seeds any newly declared package at UNKNOWN with a
// zeroed status block, preserving the persisted status/errorcount/lastsync
// for every package that survives.
func reconcile(cfg *model.Config, pkgs *model.Packages, existing *statFile) *statFile {
	out := &statFile{MirrorName: cfg.MirrorName, Packages: map[string]statPackage{}}

	pkgs.Each(func(p *model.Package) {
		rate, _ := duration.Format(p.SyncRate)
		entry := statPackage{
			ID:       p.ID,
			Name:     p.Name,
			Href:     p.Href,
			SyncType: p.SyncType,
			SyncRate: rate,
			Link:     p.Link,
			Settings: p.Settings,
		}

		if prior, ok := existing.Packages[p.ID]; ok {
			entry.Status = prior.Status
		} else {
			entry.Status = statPackageStatus{
				Status:     string(model.StatusUnknown),
				StatusInfo: statusInfo{ErrorCount: 0, LastSync: 0},
			}
		}
		out.Packages[p.ID] = entry
	})

	return out
}

// applyStatusFromStat seeds each in-memory Package's runtime fields
// (status, errorcount, lastsync) from the reconciled stat file, the
// in-process mirror of step 4 in the source's load().
func applyStatusFromStat(pkgs *model.Packages, sf *statFile) {
	pkgs.Each(func(p *model.Package) {
		entry, ok := sf.Packages[p.ID]
		if !ok {
			return
		}
		p.SeedFromStat(model.Status(entry.Status.Status), entry.Status.StatusInfo.ErrorCount, entry.Status.StatusInfo.LastSync)
	})
}

// Persist rewrites the stat file from the live in-memory package table,
// called after every status transition that should survive a restart.
func Persist(statPath string, mirrorName string, pkgs *model.Packages) error {
	out := &statFile{MirrorName: mirrorName, Packages: map[string]statPackage{}}
	pkgs.Each(func(p *model.Package) {
		rate, _ := duration.Format(p.SyncRate)
		out.Packages[p.ID] = statPackage{
			ID:       p.ID,
			Name:     p.Name,
			Href:     p.Href,
			SyncType: p.SyncType,
			SyncRate: rate,
			Link:     p.Link,
			Settings: p.Settings,
			Status: statPackageStatus{
				Status:     string(p.Status()),
				StatusInfo: statusInfo{ErrorCount: p.ErrorCount(), LastSync: p.LastSync()},
			},
		}
	})
	return writeStatFile(statPath, out)
}

func writeStatFile(path string, sf *statFile) error {
	return writeJSONAtomic(path, sf)
}

// webStatus is the external, derived snapshot regenerated on every
// meaningful status change: a flattened, read-only view of the package
// table for status pages and monitoring, distinct from the stat file's
// round-trippable internal shape. Each package is written as a sibling
// top-level key (pkgid -> webPackage) next to mirrorname/lastupdate/lists,
// not nested under a "packages" key, matching the shape external consumers
// are built against.
type webStatus struct {
	MirrorName string
	LastUpdate float64
	Lists      []string
	Packages   map[string]webPackage
}

// MarshalJSON flattens Packages into top-level keys alongside
// mirrorname/lastupdate/lists, rather than nesting them under a
// "packages" object.
func (ws webStatus) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 3+len(ws.Packages))
	out["mirrorname"] = ws.MirrorName
	out["lastupdate"] = ws.LastUpdate
	out["lists"] = ws.Lists
	for id, pkg := range ws.Packages {
		out[id] = pkg
	}
	return json.Marshal(out)
}

type webPackage struct {
	Name     string       `json:"name"`
	ID       string       `json:"id"`
	Status   string       `json:"status"`
	SyncType string       `json:"synctype"`
	SyncRate string       `json:"syncrate"`
	SyncURL  string       `json:"syncurl"`
	Href     string       `json:"href"`
	LastSync float64      `json:"lastsync"`
	Links    []model.Link `json:"links"`
}

// GenerateStatus rebuilds and atomically writes the external status
// snapshot at statusPath from the live package table.
func GenerateStatus(statusPath, mirrorName string, pkgs *model.Packages, now time.Time) error {
	ws := webStatus{
		MirrorName: mirrorName,
		LastUpdate: float64(now.UnixMilli()),
		Packages:   map[string]webPackage{},
	}

	pkgs.Each(func(p *model.Package) {
		ws.Lists = append(ws.Lists, p.ID)
		rate, _ := duration.Format(p.SyncRate)
		ws.Packages[p.ID] = webPackage{
			Name:     p.Name,
			ID:       p.ID,
			Status:   string(p.Status()),
			SyncType: p.SyncType,
			SyncRate: rate,
			SyncURL:  p.Settings.Src,
			Href:     p.Href,
			LastSync: p.LastSync(),
			Links:    p.Link,
		}
	})

	return writeJSONAtomic(statusPath, ws)
}

// writeJSONAtomic marshals v and writes it to path via a temp file in the
// same directory followed by os.Rename, so readers never observe a
// partially written file. Writes are serialised by writeMu.
func writeJSONAtomic(path string, v any) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: close temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}
