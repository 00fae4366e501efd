package backend

import (
	"fmt"

	"github.com/sparcs-kaist/mirror/internal/model"
)

// ScriptBackend hands the sync entirely to an operator-supplied shell
// command, for mirrors whose upstream needs bespoke tooling no built-in
// backend covers.
type ScriptBackend struct{}

func (b *ScriptBackend) Name() string { return "script" }

// Build runs settings.options["command"] through /bin/sh -c, with src/dst
// exported as environment variables so the script can stay generic across
// packages.
func (b *ScriptBackend) Build(pkg *model.Package, cfg *model.Config) (Invocation, error) {
	command := optionString(pkg, "command")
	if command == "" {
		return Invocation{}, fmt.Errorf("backend(script): package %s missing settings.options.command", pkg.ID)
	}

	return Invocation{
		Commandline: []string{"/bin/sh", "-c", command},
		Env: map[string]string{
			"MIRROR_SRC": pkg.Settings.Src,
			"MIRROR_DST": pkg.Settings.Dst,
		},
	}, nil
}

// FFTS is opt-in via a second configured command, since a script backend's
// freshness check is necessarily bespoke too.
func (b *ScriptBackend) FFTS(pkg *model.Package, cfg *model.Config) (Invocation, bool, error) {
	probe := optionString(pkg, "ffts_command")
	if probe == "" {
		return Invocation{}, false, nil
	}
	return Invocation{
		Commandline: []string{"/bin/sh", "-c", probe},
		Env: map[string]string{
			"MIRROR_SRC": pkg.Settings.Src,
			"MIRROR_DST": pkg.Settings.Dst,
		},
	}, true, nil
}
