package metrics

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparcs-kaist/mirror/internal/model"
)

func TestCollectHostReturnsPlausiblePercentages(t *testing.T) {
	snap, err := CollectHost(context.Background(), os.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, snap.MemPercent, 0.0)
	assert.LessOrEqual(t, snap.MemPercent, 100.0)
	assert.GreaterOrEqual(t, snap.DiskPercent, 0.0)
	assert.LessOrEqual(t, snap.DiskPercent, 100.0)
}

func TestCollectorWriteTextfileContainsPackageMetrics(t *testing.T) {
	pkgs := model.NewPackages()
	p := model.NewPackage("ubuntu", "Ubuntu", "/ubuntu/", "rsync", 3600, nil, model.Settings{})
	pkgs.Add(p)

	c := NewCollector()
	c.Observe(HostSnapshot{CPUPercent: 12.5, MemPercent: 40, DiskPercent: 55}, pkgs)

	path := filepath.Join(t.TempDir(), "mirror.prom")
	require.NoError(t, c.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "mirror_host_cpu_percent 12.5")
	assert.Contains(t, text, `mirror_package_status{package="ubuntu",status="UNKNOWN"} 1`)
	assert.Contains(t, text, `mirror_package_error_count{package="ubuntu"} 0`)
}

func TestWriteTextfileCreatesMissingDirectory(t *testing.T) {
	c := NewCollector()
	c.Observe(HostSnapshot{}, model.NewPackages())

	path := filepath.Join(t.TempDir(), "nested", "deeper", "mirror.prom")
	require.NoError(t, c.WriteTextfile(path))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
