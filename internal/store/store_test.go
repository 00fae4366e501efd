package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparcs-kaist/mirror/internal/model"
)

func writeConfig(t *testing.T, dir string, packages string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	content := `{
  "mirrorname": "test mirror",
  "settings": {"statfile": "` + filepath.Join(dir, "stat.json") + `", "statusfile": "` + filepath.Join(dir, "status.json") + `"},
  "packages": {` + packages + `}
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSeedsUnknownForNewPackage(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `"ubuntu": {"id": "ubuntu", "name": "Ubuntu", "href": "/ubuntu/", "synctype": "rsync", "syncrate": "PT1H", "link": [], "settings": {"src": "rsync://x/ubuntu/", "dst": "/srv/ubuntu"}}`)

	cfg, pkgs, err := Load(cfgPath, nil)
	require.NoError(t, err)
	assert.Equal(t, "test mirror", cfg.MirrorName)

	pkg := pkgs.Get("ubuntu")
	require.NotNil(t, pkg)
	assert.Equal(t, model.StatusUnknown, pkg.Status())

	statPath := filepath.Join(dir, "stat.json")
	assert.FileExists(t, statPath)
}

func TestLoadPreservesPriorStatusAcrossReload(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `"ubuntu": {"id": "ubuntu", "name": "Ubuntu", "href": "/ubuntu/", "synctype": "rsync", "syncrate": "PT1H", "link": [], "settings": {"src": "rsync://x/ubuntu/", "dst": "/srv/ubuntu"}}`)

	_, pkgs, err := Load(cfgPath, nil)
	require.NoError(t, err)

	statPath := filepath.Join(dir, "stat.json")
	require.NoError(t, Persist(statPath, "test mirror", pkgs))

	// Simulate a transition recorded directly in the stat file.
	data, err := os.ReadFile(statPath)
	require.NoError(t, err)
	var sf map[string]any
	require.NoError(t, json.Unmarshal(data, &sf))
	packages := sf["packages"].(map[string]any)
	entry := packages["ubuntu"].(map[string]any)
	status := entry["status"].(map[string]any)
	status["status"] = "ACTIVE"
	status["statusinfo"].(map[string]any)["errorcount"] = float64(2)
	out, err := json.Marshal(sf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statPath, out, 0o644))

	_, pkgs2, err := Load(cfgPath, nil)
	require.NoError(t, err)
	pkg := pkgs2.Get("ubuntu")
	require.NotNil(t, pkg)
	assert.Equal(t, model.StatusActive, pkg.Status())
	assert.Equal(t, 2, pkg.ErrorCount())
}

func TestLoadDropsOrphanedStatEntry(t *testing.T) {
	dir := t.TempDir()
	statPath := filepath.Join(dir, "stat.json")
	require.NoError(t, os.WriteFile(statPath, []byte(`{"mirrorname":"x","packages":{"gone":{"id":"gone","status":{"status":"ACTIVE","statusinfo":{"errorcount":0,"lastsync":0}}}}}`), 0o644))

	cfgPath := writeConfig(t, dir, `"ubuntu": {"id": "ubuntu", "name": "Ubuntu", "href": "/ubuntu/", "synctype": "rsync", "syncrate": "PT1H", "link": [], "settings": {"src": "rsync://x/ubuntu/", "dst": "/srv/ubuntu"}}`)

	_, pkgs, err := Load(cfgPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pkgs.Len())
	assert.Nil(t, pkgs.Get("gone"))
}

func TestGenerateStatusWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	pkgs := model.NewPackages()
	pkgs.Add(model.NewPackage("ubuntu", "Ubuntu", "/ubuntu/", "rsync", 3600, nil, model.Settings{Src: "rsync://x/ubuntu/"}))

	statusPath := filepath.Join(dir, "status.json")
	require.NoError(t, GenerateStatus(statusPath, "test mirror", pkgs, time.Unix(1700000000, 0)))

	data, err := os.ReadFile(statusPath)
	require.NoError(t, err)
	var ws map[string]any
	require.NoError(t, json.Unmarshal(data, &ws))
	assert.Equal(t, "test mirror", ws["mirrorname"])
	lists := ws["lists"].([]any)
	assert.Equal(t, []any{"ubuntu"}, lists)

	// packages are flattened to sibling top-level keys, not nested under
	// a "packages" object.
	assert.NotContains(t, ws, "packages")
	pkg, ok := ws["ubuntu"].(map[string]any)
	require.True(t, ok, "expected a top-level \"ubuntu\" key")
	assert.Equal(t, "Ubuntu", pkg["name"])
	assert.Equal(t, "rsync", pkg["synctype"])
}
