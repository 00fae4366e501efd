// Package metrics samples host resource usage and package sync state, and
// writes both out as a Prometheus text-format file for node_exporter's
// textfile collector to pick up.
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/sparcs-kaist/mirror/internal/model"
)

// HostSnapshot is a single sample of host resource utilization, percentages
// in [0, 100].
type HostSnapshot struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// CollectHost samples CPU, memory, and disk usage for diskPath (typically
// the mirror storage root). A zero-value sample interval for CPU is used
// since this is called on a periodic cadence already (no need to block).
func CollectHost(ctx context.Context, diskPath string) (HostSnapshot, error) {
	var snap HostSnapshot

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, fmt.Errorf("metrics: cpu sample: %w", err)
	}
	if len(cpuPercents) > 0 {
		snap.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("metrics: memory sample: %w", err)
	}
	snap.MemPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return snap, fmt.Errorf("metrics: disk sample: %w", err)
	}
	snap.DiskPercent = du.UsedPercent

	return snap, nil
}

// Collector owns the Prometheus gauges the daemon publishes: host resource
// usage plus one package-status gauge per package, labeled by status, and a
// cumulative error counter per package.
type Collector struct {
	registry *prometheus.Registry

	cpuGauge  prometheus.Gauge
	memGauge  prometheus.Gauge
	diskGauge prometheus.Gauge

	packageStatus     *prometheus.GaugeVec
	packageLastSync   *prometheus.GaugeVec
	packageErrorCount *prometheus.GaugeVec
}

// NewCollector registers every gauge against a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cpuGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_host_cpu_percent",
			Help: "Host CPU utilization percentage.",
		}),
		memGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_host_memory_percent",
			Help: "Host memory utilization percentage.",
		}),
		diskGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_host_disk_percent",
			Help: "Mirror storage disk utilization percentage.",
		}),
		packageStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mirror_package_status",
			Help: "1 if the package currently holds this status, 0 otherwise.",
		}, []string{"package", "status"}),
		packageLastSync: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mirror_package_last_sync_timestamp_seconds",
			Help: "Unix timestamp of the package's last recorded sync.",
		}, []string{"package"}),
		packageErrorCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mirror_package_error_count",
			Help: "Cumulative count of ERROR transitions observed for the package.",
		}, []string{"package"}),
	}

	c.registry.MustRegister(
		c.cpuGauge, c.memGauge, c.diskGauge,
		c.packageStatus, c.packageLastSync, c.packageErrorCount,
	)
	return c
}

// Observe updates every gauge from a fresh host sample and the live package
// table.
func (c *Collector) Observe(host HostSnapshot, pkgs *model.Packages) {
	c.cpuGauge.Set(host.CPUPercent)
	c.memGauge.Set(host.MemPercent)
	c.diskGauge.Set(host.DiskPercent)

	statuses := []model.Status{model.StatusUnknown, model.StatusActive, model.StatusSync, model.StatusError}
	pkgs.Each(func(p *model.Package) {
		current := p.Status()
		for _, s := range statuses {
			val := 0.0
			if s == current {
				val = 1.0
			}
			c.packageStatus.WithLabelValues(p.ID, string(s)).Set(val)
		}
		c.packageLastSync.WithLabelValues(p.ID).Set(p.LastSync())
		c.packageErrorCount.WithLabelValues(p.ID).Set(float64(p.ErrorCount()))
	})
}

// WriteTextfile renders every registered metric in Prometheus text exposition
// format and atomically writes it to path, for node_exporter's textfile
// collector directory.
func (c *Collector) WriteTextfile(path string) error {
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("metrics: create metrics dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".metrics-*.tmp")
	if err != nil {
		return fmt.Errorf("metrics: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("metrics: encode: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metrics: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("metrics: rename into place: %w", err)
	}
	return nil
}

// Run samples and writes the textfile every interval until ctx is canceled.
func Run(ctx context.Context, interval time.Duration, diskPath, metricsFile string, pkgs *model.Packages, c *Collector) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			host, err := CollectHost(ctx, diskPath)
			if err != nil {
				continue
			}
			c.Observe(host, pkgs)
			_ = c.WriteTextfile(metricsFile)
		}
	}
}
