// Package main is mirrorctl, the operator-facing CLI: it talks to a
// running mirror-master over its control socket (status, list, trigger,
// stop, inspect) and performs one-shot local administration that doesn't
// need a running daemon at all (crontab line generation, filesystem
// bootstrap).
//
// mirrorctl intentionally does not have "daemon" or "worker" subcommands.
// Those roles are separate long-running binaries, mirror-master and
// mirror-worker, each with their own process lifetime and systemd unit;
// folding them into this CLI's argv would mean mirrorctl forking and
// outliving itself, which cobra and systemd both handle worse than two
// dedicated entry points.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/sparcs-kaist/mirror/internal/duration"
	"github.com/sparcs-kaist/mirror/internal/ipc"
	"github.com/sparcs-kaist/mirror/internal/masterrpc"
	"github.com/sparcs-kaist/mirror/internal/sysutil"
)

// cronParser validates generated crontab lines against the standard
// five-field syntax before they're printed, independent of gocron's own
// parser (which never sees operator-facing cron text, only Go durations).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:   "mirrorctl",
		Short: "mirrorctl — administer a running mirror-master",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", envOrDefault("MIRROR_MASTER_SOCKET", masterrpc.DefaultSocket), "Master control socket to connect to")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newStatusCmd(&socketPath))
	root.AddCommand(newListCmd(&socketPath))
	root.AddCommand(newGetCmd(&socketPath))
	root.AddCommand(newTriggerCmd(&socketPath))
	root.AddCommand(newStopCmd(&socketPath))
	root.AddCommand(newCrontabCmd())
	root.AddCommand(newSetupCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mirrorctl %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newStatusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Ping mirror-master and print its role/version",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := masterrpc.Dial(*socketPath)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", *socketPath, err)
			}
			defer c.Close()

			resp, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func newListCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every configured package and its current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := masterrpc.Dial(*socketPath)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", *socketPath, err)
			}
			defer c.Close()

			resp, err := c.ListPackages(cmd.Context())
			if err != nil {
				return err
			}
			if resp.Status != ipc.StatusOK {
				return fmt.Errorf("%s: %s", resp.Status, resp.Message)
			}
			return printPackageTable(resp.Data)
		},
	}
}

// printPackageTable renders list_packages' response as a human-readable
// table, formatting lastsync as a relative time the way an operator
// scanning a terminal actually wants it, rather than a raw Unix timestamp.
func printPackageTable(data any) error {
	top, _ := data.(map[string]any)
	rawPackages, _ := top["packages"].([]any)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSYNCRATE\tLAST SYNC\tERRORS\tDISABLED")
	for _, raw := range rawPackages {
		p, _ := raw.(map[string]any)
		id, _ := p["id"].(string)
		status, _ := p["status"].(string)
		syncrate, _ := p["syncrate"].(string)
		lastSync, _ := p["lastsync"].(float64)
		errorCount, _ := p["errorcount"].(float64)
		disabled, _ := p["disabled"].(bool)

		lastSyncText := "never"
		if lastSync > 0 {
			lastSyncText = humanize.Time(time.Unix(int64(lastSync), 0))
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\n", id, status, syncrate, lastSyncText, int64(errorCount), disabled)
	}
	return w.Flush()
}

func newGetCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <package>",
		Short: "Print one package's full status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := masterrpc.Dial(*socketPath)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", *socketPath, err)
			}
			defer c.Close()

			resp, err := c.GetPackage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func newTriggerCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <package>",
		Short: "Dispatch a package's sync immediately, bypassing its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := masterrpc.Dial(*socketPath)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", *socketPath, err)
			}
			defer c.Close()

			resp, err := c.StartSync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func newStopCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <package>",
		Short: "Stop a package's in-flight sync, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := masterrpc.Dial(*socketPath)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", *socketPath, err)
			}
			defer c.Close()

			resp, err := c.StopSync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

// printResponse surfaces a non-ok RPC status as a Go error and otherwise
// pretty-prints the response payload.
func printResponse(resp *ipc.Response) error {
	if resp.Status != ipc.StatusOK {
		if resp.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, resp.Message)
		}
		return fmt.Errorf("request failed with status %s", resp.Status)
	}

	out, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// --- crontab ---

func newCrontabCmd() *cobra.Command {
	var user, configPath string

	cmd := &cobra.Command{
		Use:   "crontab",
		Short: "Print a system crontab fragment that triggers each package on its schedule",
		Long: `crontab prints one line per enabled, non-push package, invoking
"mirrorctl trigger" at a cadence derived from the package's syncrate. This
is an optional alternative dispatch path for hosts that would rather drive
syncs from cron than rely on mirror-master's own tick loop; mirror-master
still needs to be running to serve the triggered RPC.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrontab(cmd, user, configPath)
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "root", "User column for the generated crontab lines")
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/mirror/config.json", "Path to the mirror config file")
	return cmd
}

func runCrontab(cmd *cobra.Command, user, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config %s: %w", configPath, err)
	}

	var raw struct {
		Packages map[string]struct {
			SyncRate string `json:"syncrate"`
			Disabled bool   `json:"disabled"`
		} `json:"packages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config %s: %w", configPath, err)
	}

	fmt.Printf("# generated by mirrorctl crontab -c %s\n", configPath)
	for id, pkg := range raw.Packages {
		if pkg.Disabled {
			continue
		}
		seconds, err := duration.Parse(pkg.SyncRate)
		if err != nil || seconds == duration.Push || seconds <= 0 {
			continue
		}
		expr := cronExpr(seconds)
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("generated an invalid cron expression %q for package %s: %w", expr, id, err)
		}
		fmt.Printf("%s %s mirrorctl trigger %s\n", expr, user, id)
	}
	return nil
}

// cronExpr approximates a syncrate (in seconds) as a standard 5-field cron
// expression, at minute granularity.
func cronExpr(seconds int) string {
	minutes := seconds / 60
	if minutes < 1 {
		minutes = 1
	}
	switch {
	case minutes < 60:
		return fmt.Sprintf("*/%d * * * *", minutes)
	case minutes < 24*60:
		return fmt.Sprintf("0 */%d * * *", minutes/60)
	default:
		days := minutes / (24 * 60)
		return fmt.Sprintf("0 0 */%d * *", days)
	}
}

// --- setup ---

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Bootstrap /etc/mirror, /run/mirror, /var/lib/mirror, and systemd units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup()
		},
	}
}

func runSetup() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("mirrorctl setup only supports Linux")
	}
	if !sysutil.HasRootOrSudo() {
		return fmt.Errorf("mirrorctl setup must be run as root")
	}

	dirs := []string{"/etc/mirror", "/run/mirror", "/var/lib/mirror", "/var/log/mirror"}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	configPath := filepath.Join("/etc/mirror", "config.json")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		payload, err := json.MarshalIndent(defaultConfig(), "", "    ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(configPath, payload, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", configPath, err)
		}
	}

	systemdDir := "/etc/systemd/system"
	if err := os.MkdirAll(systemdDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", systemdDir, err)
	}
	units := map[string]string{
		"mirror-master.service": masterUnit,
		"mirror-worker.service": workerUnit,
	}
	for name, contents := range units {
		path := filepath.Join(systemdDir, name)
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	fmt.Println("setup complete: /etc/mirror/config.json, /run/mirror, /var/lib/mirror, /var/log/mirror, systemd units")
	return nil
}

const masterUnit = `[Unit]
Description=Mirror Master
After=network.target

[Service]
ExecStart=/usr/local/bin/mirror-master --config /etc/mirror/config.json
Restart=always
User=root
Group=root

[Install]
WantedBy=multi-user.target
`

const workerUnit = `[Unit]
Description=Mirror Worker
After=network.target

[Service]
ExecStart=/usr/local/bin/mirror-worker --config /etc/mirror/config.json
Restart=always
User=root
Group=root

[Install]
WantedBy=multi-user.target
`

// defaultConfig mirrors the source's DEFAULT_CONFIG, adapted to this
// rewrite's config schema (statusfile/mastersocket/workersocket/
// errorcontinuetime/metricsfile have no Python-source equivalent; the
// logger sub-object carries the per-job path template consumed by
// internal/logging instead of the source's separate level/format strings).
func defaultConfig() map[string]any {
	return map[string]any{
		"mirrorname": "My Mirror",
		"settings": map[string]any{
			"statfile":          "/var/lib/mirror/stat_data.json",
			"statusfile":        "/var/lib/mirror/status.json",
			"mastersocket":      masterrpc.DefaultSocket,
			"workersocket":      "/run/mirror/worker.sock",
			"uid":               1000,
			"gid":               1000,
			"localtimezone":     "Asia/Seoul",
			"errorcontinuetime": 60,
			"metricsfile":       "/var/lib/mirror/metrics.prom",
			"ftpsync": map[string]any{
				"maintainer": "Admins <admins@example.com>",
				"sponsor":    "Example <https://example.com>",
				"country":    "KR",
				"location":   "Seoul",
				"throughput": "1G",
				"include":    "",
				"exclude":    "",
			},
			"logger": map[string]any{
				"base":     "/var/log/mirror",
				"folder":   "{year}/{month}/{day}",
				"filename": "{hour}:{minute}:{second}.{microsecond}.{packageid}.log",
				"gzip":     true,
			},
			"plugins": []string{},
		},
		"packages": map[string]any{
			"mirror": map[string]any{
				"id":       "mirror",
				"name":     "Name Mirror",
				"href":     "/mirror",
				"synctype": "rsync",
				"syncrate": "PT1H",
				"link": []map[string]any{
					{"rel": "HOME", "href": "http://www.example.com"},
				},
				"settings": map[string]any{
					"hidden": false,
					"src":    "rsync://test.org/mirror",
					"dst":    "/disk/mirror",
					"options": map[string]any{
						"ffts":     true,
						"fftsfile": "fullfiletimelist-mirror",
					},
				},
			},
		},
	}
}
