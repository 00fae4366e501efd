package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparcs-kaist/mirror/internal/model"
)

func TestJobLogPathUsesTemplate(t *testing.T) {
	base := t.TempDir()
	cfg := model.LoggerConfig{
		Base:     base,
		Folder:   "{year}/{month}/{day}",
		Filename: "{hour}:{minute}:{second}.{microsecond}.{packageid}.log",
	}
	start := time.Date(2026, 3, 5, 9, 7, 2, 123000, time.UTC)

	path, err := JobLogPath(cfg, start, "ubuntu")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "2026/03/05", "09:07:02.000123.ubuntu.log"), path)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestJobLogPathFallsBackToDefaultFormat(t *testing.T) {
	path, err := JobLogPath(model.LoggerConfig{}, time.Now(), "debian")
	require.NoError(t, err)
	assert.Contains(t, path, "debian.log")
	assert.Contains(t, path, DefaultFileFormat.Base)
}

func TestCompressLogFileGzipsAndRemovesOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.log")
	require.NoError(t, os.WriteFile(path, []byte("sync output\n"), 0o644))

	gzPath, err := CompressLogFile(path)
	require.NoError(t, err)
	assert.Equal(t, path+".gz", gzPath)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	info, err := os.Stat(gzPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestBuildProducesLogger(t *testing.T) {
	dir := t.TempDir()
	logger, err := Build("info", false, model.LoggerConfig{Base: dir, Gzip: true})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("hello")
	_ = logger.Sync() // stderr sync can legitimately fail (ENOTTY); only the file sink matters here

	_, err = os.Stat(filepath.Join(dir, "mirror.log"))
	assert.NoError(t, err)
}
