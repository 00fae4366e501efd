package backend

import (
	"fmt"

	"github.com/sparcs-kaist/mirror/internal/model"
)

// FTPSyncBackend drives the Debian ftpsync tool, which reads its own
// per-mirror config file rather than taking options on the command line.
// The package's settings.options.section names that config file's section,
// defaulting to the package id.
type FTPSyncBackend struct{}

func (b *FTPSyncBackend) Name() string { return "ftpsync" }

// Build invokes "ftpsync sync <section>", passing the mirror-wide
// maintainer/sponsor/country/location/throughput defaults from
// Config.FTPSync as environment overrides understood by ftpsync's own
// config file templating.
func (b *FTPSyncBackend) Build(pkg *model.Package, cfg *model.Config) (Invocation, error) {
	section := optionString(pkg, "section")
	if section == "" {
		section = pkg.ID
	}

	cmd := []string{"ftpsync", "sync", section}

	env := map[string]string{
		"FTPSYNC_MAINTAINER": cfg.FTPSync.Maintainer,
		"FTPSYNC_SPONSOR":    cfg.FTPSync.Sponsor,
		"FTPSYNC_COUNTRY":    cfg.FTPSync.Country,
		"FTPSYNC_LOCATION":   cfg.FTPSync.Location,
		"FTPSYNC_THROUGHPUT": cfg.FTPSync.Throughput,
	}
	if cfg.FTPSync.Include != "" {
		env["FTPSYNC_INCLUDE"] = cfg.FTPSync.Include
	}
	if cfg.FTPSync.Exclude != "" {
		env["FTPSYNC_EXCLUDE"] = cfg.FTPSync.Exclude
	}

	if pkg.Settings.Src == "" {
		return Invocation{}, fmt.Errorf("backend(ftpsync): package %s missing src", pkg.ID)
	}
	env["FTPSYNC_SRC"] = pkg.Settings.Src
	env["FTPSYNC_DST"] = pkg.Settings.Dst

	return Invocation{Commandline: cmd, Env: env}, nil
}

// FFTS is not offered by ftpsync; it has its own internal freshness check.
func (b *FTPSyncBackend) FFTS(pkg *model.Package, cfg *model.Config) (Invocation, bool, error) {
	return Invocation{}, false, nil
}
