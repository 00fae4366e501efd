package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sparcs-kaist/mirror/internal/duration"
)

// FTPSyncDefaults carries the ftpsync backend's default mirror-metadata
// fields. The ftpsync backend passes them through unchanged; a package's
// settings.options do not override them.
type FTPSyncDefaults struct {
	Maintainer string `json:"maintainer"`
	Sponsor    string `json:"sponsor"`
	Country    string `json:"country"`
	Location   string `json:"location"`
	Throughput string `json:"throughput"`
	Include    string `json:"include,omitempty"`
	Exclude    string `json:"exclude,omitempty"`
}

// LoggerConfig describes the per-job log path template, consumed by the
// logging collaborator.
type LoggerConfig struct {
	Base       string `json:"base"`
	Folder     string `json:"folder"`
	Filename   string `json:"filename"`
	Gzip       bool   `json:"gzip"`
}

// rawConfig mirrors the on-disk JSON config shape exactly.
type rawConfig struct {
	MirrorName          string                    `json:"mirrorname"`
	Hostname            string                    `json:"hostname"`
	LastSettingModified int64                     `json:"lastsettingmodified"`
	Settings            rawSettings               `json:"settings"`
	Packages            map[string]rawPackage     `json:"packages"`
}

type rawSettings struct {
	StatFile          string          `json:"statfile"`
	StatusFile        string          `json:"statusfile"`
	MasterSocket      string          `json:"mastersocket"`
	WorkerSocket      string          `json:"workersocket"`
	UID               int             `json:"uid"`
	GID               int             `json:"gid"`
	LocalTimezone     string          `json:"localtimezone"`
	ErrorContinueTime int             `json:"errorcontinuetime"`
	FTPSync           FTPSyncDefaults `json:"ftpsync"`
	Logger            LoggerConfig    `json:"logger"`
	Plugins           []string        `json:"plugins"`
	MetricsFile       string          `json:"metricsfile"`
}

type rawPackage struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Status   string          `json:"status"`
	Href     string          `json:"href"`
	SyncType string          `json:"synctype"`
	SyncRate string          `json:"syncrate"`
	Link     []Link          `json:"link"`
	Settings Settings        `json:"settings"`
	LastSync float64         `json:"lastsync"`
	ErrorCount int           `json:"errorcount"`
	Disabled bool            `json:"disabled"`
}

// Config is the process-wide configuration loaded from the human-authored
// config file on start and on explicit reload.
type Config struct {
	MirrorName          string
	Hostname            string
	LastSettingModified int64 // passthrough, never interpreted by the core
	StatFile            string
	StatusFile          string
	MasterSocket        string
	WorkerSocket        string
	MetricsFile         string
	UID                 int
	GID                 int
	LocalTimezone       string
	ErrorContinueTime   int
	FTPSync             FTPSyncDefaults
	Logger              LoggerConfig
	Plugins             []string // passthrough; dynamic loading is not used by the core
}

// KnownBackends is populated by the backend registry at startup and consulted
// by ParseConfig to validate each package's synctype. A package whose
// synctype is not in this set is a ConfigError.
type KnownBackends map[string]bool

// ParseConfig decodes the config JSON and builds the in-memory Config and
// Packages, validating each package's synctype against known.
func ParseConfig(data []byte, known KnownBackends) (*Config, *Packages, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("model: invalid config JSON: %w", err)
	}

	if raw.Settings.StatFile == "" {
		return nil, nil, fmt.Errorf("model: config missing settings.statfile")
	}
	if raw.Settings.StatusFile == "" {
		return nil, nil, fmt.Errorf("model: config missing settings.statusfile")
	}

	errorContinue := raw.Settings.ErrorContinueTime
	if errorContinue == 0 {
		errorContinue = 60
	}

	cfg := &Config{
		MirrorName:          raw.MirrorName,
		Hostname:            raw.Hostname,
		LastSettingModified: raw.LastSettingModified,
		StatFile:            raw.Settings.StatFile,
		StatusFile:          raw.Settings.StatusFile,
		MasterSocket:        raw.Settings.MasterSocket,
		WorkerSocket:        raw.Settings.WorkerSocket,
		MetricsFile:         raw.Settings.MetricsFile,
		UID:                 raw.Settings.UID,
		GID:                 raw.Settings.GID,
		LocalTimezone:       raw.Settings.LocalTimezone,
		ErrorContinueTime:   errorContinue,
		FTPSync:             raw.Settings.FTPSync,
		Logger:              raw.Settings.Logger,
		Plugins:             raw.Settings.Plugins,
	}

	// Packages map iteration order is not stable in Go; config insertion
	// order must come from the raw JSON token order instead, which
	// packageOrder recovers with a json.Decoder token walk.
	order, err := packageOrder(data)
	if err != nil {
		return nil, nil, err
	}

	pkgs := NewPackages()
	for _, id := range order {
		rp, ok := raw.Packages[id]
		if !ok {
			continue
		}
		if rp.ID != id {
			return nil, nil, fmt.Errorf("model: package %q has mismatched id %q", id, rp.ID)
		}
		if known != nil && !known[rp.SyncType] {
			return nil, nil, fmt.Errorf("model: unknown synctype %q for package %q", rp.SyncType, id)
		}

		rate, err := duration.Parse(rp.SyncRate)
		if err != nil {
			return nil, nil, fmt.Errorf("model: package %q: %w", id, err)
		}

		pkg := NewPackage(id, rp.Name, rp.Href, rp.SyncType, rate, rp.Link, rp.Settings)
		pkg.errorCount = rp.ErrorCount
		pkg.lastSync = rp.LastSync
		pkg.disabled = rp.Disabled
		if rp.Status != "" {
			pkg.status = Status(rp.Status)
		}
		pkgs.Add(pkg)
	}

	return cfg, pkgs, nil
}

// packageOrder extracts the JSON object-key order of the "packages" field
// directly from the token stream, since encoding/json discards key order
// when unmarshaling into a map. This preserves config insertion order for
// scheduler iteration and reconciliation, matching the source's reliance on
// Python dict insertion order.
func packageOrder(data []byte) ([]string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("model: invalid config JSON: %w", err)
	}
	raw, ok := top["packages"]
	if !ok {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("model: invalid packages object: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("model: packages must be a JSON object")
	}

	var order []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		order = append(order, key)

		// Skip the value by decoding it into a discard target.
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil, err
		}
	}
	return order, nil
}
