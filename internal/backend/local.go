package backend

import (
	"fmt"

	"github.com/sparcs-kaist/mirror/internal/model"
)

// LocalBackend mirrors between two paths on the same host, using rsync
// without any network transport so permissions, hardlinks, and sparse
// files are preserved identically to the rsync backend's full-sync flags.
type LocalBackend struct{}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) Build(pkg *model.Package, cfg *model.Config) (Invocation, error) {
	if pkg.Settings.Src == "" || pkg.Settings.Dst == "" {
		return Invocation{}, fmt.Errorf("backend(local): package %s missing src/dst", pkg.ID)
	}

	cmd := []string{
		"rsync",
		"-vrlptDSH",
		"--exclude=*.~tmp~",
		"--delete-delay",
		"--delay-updates",
		pkg.Settings.Src,
		pkg.Settings.Dst,
	}
	return Invocation{Commandline: cmd, Env: map[string]string{}}, nil
}

// FFTS has no local-filesystem-specific freshness shortcut; a local sync
// is already cheap enough to always run in full.
func (b *LocalBackend) FFTS(pkg *model.Package, cfg *model.Config) (Invocation, bool, error) {
	return Invocation{}, false, nil
}
