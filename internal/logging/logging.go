// Package logging builds the daemon's structured application logger and
// resolves the per-job log file path template packages are synced into.
package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/sparcs-kaist/mirror/internal/model"
)

// DefaultFileFormat matches the source's DEFAULT_FILE_FORMAT: daily folders
// under base, one file per job keyed by start time and package id.
var DefaultFileFormat = model.LoggerConfig{
	Base:     "/var/log/mirror",
	Folder:   "{year}/{month}/{day}",
	Filename: "{hour}:{minute}:{second}.{microsecond}.{packageid}.log",
	Gzip:     true,
}

// Build constructs the main application logger: a console encoder plus a
// size-rotated file sink under cfg.Base, mirroring buildLogger's
// level-switch idiom with a file destination the source's own
// day-rotating-plus-gzip handler covered and lumberjack now covers with
// size/age based rotation instead.
func Build(level string, debug bool, fileFormat model.LoggerConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg = zap.NewDevelopmentConfig()
	}

	lvl := parseLevel(level, debug)
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	consoleEncoder := zapcore.NewConsoleEncoder(zcfg.EncoderConfig)
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), zcfg.Level),
	}

	if fileFormat.Base != "" {
		path := filepath.Join(fileFormat.Base, "mirror.log")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("logging: create log dir: %w", err)
		}
		sink := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 7,
			MaxAge:     30, // days
			Compress:   fileFormat.Gzip,
		}
		jsonEncoder := zapcore.NewJSONEncoder(zcfg.EncoderConfig)
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(sink), zcfg.Level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func parseLevel(level string, debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// JobLogPath resolves the log file a dispatched job's stdout/stderr is
// redirected into, following fmtCfg's folder/filename templates keyed on the
// job's start time and package id, and creates the containing directory.
// An fmtCfg with an empty Base falls back to DefaultFileFormat.
func JobLogPath(fmtCfg model.LoggerConfig, start time.Time, packageID string) (string, error) {
	if fmtCfg.Base == "" {
		fmtCfg = DefaultFileFormat
	}

	folder := expandTemplate(fmtCfg.Folder, start, packageID)
	filename := expandTemplate(fmtCfg.Filename, start, packageID)
	filename = strings.ReplaceAll(filename, "/", "-")

	dir := filepath.Join(fmtCfg.Base, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("logging: create job log dir: %w", err)
	}
	return filepath.Join(dir, filename), nil
}

// expandTemplate substitutes the source's named, zero-padded time fields
// plus packageid into line.
func expandTemplate(line string, t time.Time, packageID string) string {
	replacer := strings.NewReplacer(
		"{year}", pad(t.Year(), 4),
		"{month}", pad(int(t.Month()), 2),
		"{day}", pad(t.Day(), 2),
		"{hour}", pad(t.Hour(), 2),
		"{minute}", pad(t.Minute(), 2),
		"{second}", pad(t.Second(), 2),
		"{microsecond}", pad(t.Nanosecond()/1000, 6),
		"{packageid}", packageID,
	)
	return replacer.Replace(line)
}

func pad(v, width int) string {
	s := strconv.Itoa(v)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// CompressLogFile gzips path in place and removes the original, mirroring
// compress_file. Called once a job's log is complete and gzip is enabled.
func CompressLogFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("logging: open log for compression: %w", err)
	}
	defer in.Close()

	gzPath := path + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return "", fmt.Errorf("logging: create compressed log: %w", err)
	}

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		os.Remove(gzPath)
		return "", fmt.Errorf("logging: compress log: %w", err)
	}
	if err := gw.Close(); err != nil {
		out.Close()
		os.Remove(gzPath)
		return "", fmt.Errorf("logging: finalize compressed log: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(gzPath)
		return "", fmt.Errorf("logging: close compressed log: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("logging: remove original log: %w", err)
	}
	return gzPath, nil
}
