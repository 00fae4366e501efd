package backend

import (
	"fmt"

	"github.com/sparcs-kaist/mirror/internal/model"
)

// RsyncBackend mirrors a package via rsync over ssh or the rsync daemon
// protocol.
type RsyncBackend struct{}

func (b *RsyncBackend) Name() string { return "rsync" }

// Build constructs an rsync invocation equivalent to the source's rsync()
// helper: archive-preserving flags, excluding temp files, delayed delete
// and updates so partial transfers never become visible mid-sync.
func (b *RsyncBackend) Build(pkg *model.Package, cfg *model.Config) (Invocation, error) {
	src, err := resolveSrc(pkg)
	if err != nil {
		return Invocation{}, fmt.Errorf("backend(rsync): package %s: %w", pkg.ID, err)
	}
	if src == "" || pkg.Settings.Dst == "" {
		return Invocation{}, fmt.Errorf("backend(rsync): package %s missing src/dst", pkg.ID)
	}

	cmd := []string{
		"rsync",
		"-vrlptDSH",
		"--exclude=*.~tmp~",
		"--delete-delay",
		"--delay-updates",
		src,
		pkg.Settings.Dst,
	}

	env := map[string]string{}
	if optionBool(pkg, "auth") {
		env["USER"] = optionString(pkg, "user")
		env["RSYNC_PASSWORD"] = optionString(pkg, "password")
	}

	return Invocation{Commandline: cmd, Env: env}, nil
}

// FFTS runs a dry-run rsync of a single marker file (the "full file
// timestamp list") to cheaply decide whether a full sync is needed.
func (b *RsyncBackend) FFTS(pkg *model.Package, cfg *model.Config) (Invocation, bool, error) {
	if !optionBool(pkg, "ffts") {
		return Invocation{}, false, nil
	}
	fftsFile := optionString(pkg, "fftsfile")
	if fftsFile == "" {
		return Invocation{}, false, nil
	}

	cmd := []string{
		"rsync",
		"--no-motd",
		"--dry-run",
		"--out-format=%n",
		pkg.Settings.Src + "/" + fftsFile,
		pkg.Settings.Dst + "/" + fftsFile,
	}

	env := map[string]string{
		"USER":           optionString(pkg, "user"),
		"RSYNC_PASSWORD": optionString(pkg, "password"),
	}
	return Invocation{Commandline: cmd, Env: env}, true, nil
}
