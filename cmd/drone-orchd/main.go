package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lewta/drone-orchd/internal/browserctl"
	"github.com/lewta/drone-orchd/internal/config"
	"github.com/lewta/drone-orchd/internal/domain"
	"github.com/lewta/drone-orchd/internal/droneio"
	"github.com/lewta/drone-orchd/internal/engine"
	"github.com/lewta/drone-orchd/internal/intervention"
	"github.com/lewta/drone-orchd/internal/metrics"
	"github.com/lewta/drone-orchd/internal/persona"
	"github.com/lewta/drone-orchd/internal/sink/sqlitesink"
	"github.com/lewta/drone-orchd/internal/tui"
)

// Set by goreleaser via -ldflags at build time; fallback to "dev" for local builds.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "drone-orchd",
	Short: "Browser automation drone orchestrator",
	Long: `drone-orchd schedules and dispatches browser-automation commands to a
fleet of remote drones over a websocket control plane, pacing per-domain
traffic, and handing control to a human operator when a drone's persona
rules say a site demands one.

Use 'drone-orchd validate' to check a config before running.
Use 'drone-orchd watch' to attach a live dashboard to a running daemon.
Use 'drone-orchd probe <drone-id>' to watch a single drone's status reports
in a loop, like ping for a drone.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(reloadCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(probeCmd())
}

// --- version ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drone-orchd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// --- start ---

func startCmd() *cobra.Command {
	var (
		cfgPath    string
		foreground bool
		logLevel   string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the orchestrator daemon",
		Long: `Start the orchestrator: the websocket hub for drone connections, the
scheduler's ready-queue dispatch loop, the domain rate limiter's sweep, and
the resource self-throttle monitor.

On SIGINT or SIGTERM the daemon closes the scheduler's queues and shuts
down the drone listener (allowing up to 5 seconds), then exits; it does not
wait for in-flight commands to finish.

SIGHUP re-reads the config file and logs what changed, but does not hot-swap
the running scheduler or transport — settings that affect wiring (listen
address, queue capacities, persona/suffix file paths) require a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			if dryRun {
				printDryRun(cfgPath, cfg)
				return nil
			}

			lvl := cfg.Daemon.LogLevel
			if logLevel != "" {
				lvl = logLevel
			}
			initLogger(lvl, cfg.Daemon.LogFormat)

			if !foreground {
				if err := writePID(cfg.Daemon.PIDFile); err != nil {
					log.Warn().Err(err).Msg("could not write PID file")
				}
				defer os.Remove(cfg.Daemon.PIDFile) //nolint:errcheck
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.New()
				go m.ServeHTTP(ctx, cfg.Metrics.PrometheusPort)
			} else {
				m = metrics.Noop()
			}

			personas, err := persona.LoadFile(cfg.PersonasFile)
			if err != nil {
				return fmt.Errorf("loading personas: %w", err)
			}

			suffixIdx, err := loadSuffixIndex(cfg.PublicSuffixFile)
			if err != nil {
				return fmt.Errorf("loading public suffix list: %w", err)
			}

			deadLetter, err := sqlitesink.Open(cfg.DeadLetterDBPath)
			if err != nil {
				return fmt.Errorf("opening dead letter store: %w", err)
			}
			defer deadLetter.Close()

			hub := droneio.NewHub(cfg.Server.ApiKey, droneio.Collaborators{
				Artifacts: deadLetter,
			})

			eng := engine.New(cfg, personas, suffixIdx, hub, m, deadLetter, deadLetter)
			hub.Collaborators().Registry = eng.Registry
			hub.Collaborators().Tracker = eng.Tracker
			hub.Collaborators().Metrics = m
			hub.Collaborators().OnRegister = eng.RegisterDrone

			controller, err := browserctl.NewChromeController(ctx, cfg.Intervention.BrowserURL, cfg.Intervention.ScreenshotDir)
			if err != nil {
				log.Warn().Err(err).Msg("intervention browser unavailable, continuing without screenshots/DOM context")
			}
			var browserCtl browserctl.Controller = browserctl.Noop{}
			if controller != nil {
				browserCtl = controller
				defer controller.Close()
			}

			mgr := intervention.NewManager(browserCtl, hub, m, deadLetter, intervention.Config{
				AttachScreenshot: cfg.Intervention.AttachScreenshot,
				WindowTTL:        time.Duration(cfg.Intervention.WindowTtlSec) * time.Second,
				StepTTL:          time.Duration(cfg.Intervention.StepTtlSec) * time.Second,
			})
			hub.SetInterventionManager(mgr)
			eng.Scheduler.SetIntervention(mgr, hub)

			httpSrv := &http.Server{
				Addr:    cfg.Server.ListenAddr,
				Handler: hub,
			}
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("drone hub listener failed")
				}
			}()

			// Re-read the config on SIGHUP. The running engine's wiring is
			// fixed at Run() time, so this reports what would change rather
			// than applying it live.
			sighupCh := make(chan os.Signal, 1)
			signal.Notify(sighupCh, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-ctx.Done():
						signal.Stop(sighupCh)
						return
					case <-sighupCh:
						log.Info().Str("config", cfgPath).Msg("SIGHUP received, re-validating config")
						if _, err := config.Load(cfgPath); err != nil {
							log.Error().Err(err).Msg("reload: config is invalid, daemon keeps running with its current settings")
							continue
						}
						log.Info().Msg("reload: config is valid; restart the daemon to apply changes")
					}
				}
			}()

			eng.Run(ctx)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config/example.yaml", "Path to YAML config file")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Skip writing the PID file (process always runs in foreground)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug|info|warn|error)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print config summary and exit without starting the daemon")

	return cmd
}

// publicSuffixListPathEnv is the spec.md §6 environment override for the
// public suffix list location; it takes priority over the configured
// public_suffix_file path.
const publicSuffixListPathEnv = "PUBLIC_SUFFIX_LIST_PATH"

func loadSuffixIndex(configuredPath string) (*domain.PublicSuffixIndex, error) {
	path := os.Getenv(publicSuffixListPathEnv)
	if path == "" {
		path = configuredPath
	}
	if path == "" {
		return domain.NewFallbackPublicSuffixIndex(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return domain.NewPublicSuffixIndex(f)
}

// --- stop ---

func stopCmd() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID(pidFile)
			if err != nil {
				return fmt.Errorf("reading PID file %s: %w", pidFile, err)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("finding process %d: %w", pid, err)
			}

			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
			}

			fmt.Printf("Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "/tmp/drone-orchd.pid", "Path to PID file")
	return cmd
}

// --- reload ---

func reloadCmd() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask a running daemon to re-validate its config",
		Long: `Send SIGHUP to a running drone-orchd daemon. The daemon re-reads and
validates its config file and logs the result, but a full restart is
required to apply changes — scheduling, transport, and persona/suffix
sources are all fixed at startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID(pidFile)
			if err != nil {
				return fmt.Errorf("reading PID file %s: %w", pidFile, err)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("finding process %d: %w", pid, err)
			}

			if err := proc.Signal(syscall.SIGHUP); err != nil {
				return fmt.Errorf("sending SIGHUP to pid %d: %w", pid, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent reload signal to pid %d\n", pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "/tmp/drone-orchd.pid", "Path to PID file")
	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether the orchestrator daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID(pidFile)
			if err != nil {
				fmt.Printf("Not running (no PID file at %s)\n", pidFile)
				return nil
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				fmt.Printf("Not running (process %d not found)\n", pid)
				return nil
			}

			if err := proc.Signal(syscall.Signal(0)); err != nil {
				fmt.Printf("Not running (process %d: %v)\n", pid, err)
				return nil
			}

			fmt.Printf("Running (PID %d)\n", pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "/tmp/drone-orchd.pid", "Path to PID file")
	return cmd
}

// --- validate ---

func validateCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		Long: `Parse and validate a config file without starting the daemon.

Checks scheduling, domain-limit, intervention, server, and resource
settings. Exits 0 and prints "config valid" on success, or a non-zero exit
with the validation error on failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			fmt.Println("config valid")
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config/example.yaml", "Path to YAML config file")
	return cmd
}

// --- watch ---

func watchCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach a live terminal dashboard to a running daemon",
		Long: `watch opens an operator websocket connection to a running drone-orchd
daemon and renders a live terminal dashboard of connected drones, queue
depth, and active interventions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tui.Run(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "ws://127.0.0.1:8443/operators", "Operator websocket URL of the running daemon")
	return cmd
}

// --- probe ---

func probeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "probe <drone-id>",
		Short: "Watch a single drone's status reports in a loop (like ping for drones)",
		Long: `probe opens an operator websocket connection to a running drone-orchd
daemon and prints that drone's ReportStatus updates as they arrive, in a
loop, until stopped — the drone-fleet equivalent of pinging a single host.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			droneID := args[0]

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, _, err := websocket.Dial(ctx, addr, nil)
			if err != nil {
				return fmt.Errorf("probe: dialing %s: %w", addr, err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "")

			fmt.Printf("\nProbing drone %q via %s — Ctrl-C to stop\n\n", droneID, addr)

			var seen int
			for {
				var env struct {
					Type string          `json:"type"`
					Data json.RawMessage `json:"data"`
				}
				if err := wsjson.Read(ctx, conn, &env); err != nil {
					if ctx.Err() != nil {
						probeSummary(droneID, seen)
						return nil
					}
					return fmt.Errorf("probe: reading: %w", err)
				}
				if env.Type != "DroneStatusUpdate" {
					continue
				}
				var upd droneio.DroneStatusUpdate
				if err := json.Unmarshal(env.Data, &upd); err != nil || upd.DroneID != droneID {
					continue
				}
				seen++
				fmt.Printf("  %-8s  cmd=%-20s progress=%5.1f%%  mem=%6.1fMB  cpu=%5.1f%%\n",
					upd.Status, upd.CurrentCommand, upd.Progress*100, upd.MemoryUsage, upd.CPUUsage)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "ws://127.0.0.1:8443/operators", "Operator websocket URL of the running daemon")
	return cmd
}

func probeSummary(droneID string, seen int) {
	fmt.Printf("\n--- %s ---\n", droneID)
	fmt.Printf("%d status update(s) observed\n", seen)
}

// --- helpers ---

func printDryRun(path string, cfg *config.Config) {
	fmt.Printf("Config: %s  valid\n\n", path)
	fmt.Printf("Scheduling:\n  ready_queue_capacity: %d | per_drone_queue_capacity: %d | max_in_flight_per_drone: %d\n",
		cfg.Scheduling.ReadyQueueCapacity, cfg.Scheduling.PerDroneQueueCapacity, cfg.Scheduling.MaxInFlightPerDrone)
	fmt.Printf("  ack_timeout: %ds | heartbeat_expect: %ds | disconnect_grace: %ds\n",
		cfg.Scheduling.AckTimeoutSec, cfg.Scheduling.HeartbeatExpectSec, cfg.Scheduling.DisconnectGraceSec)
	fmt.Println()
	fmt.Printf("Domain limits:\n  global_max_concurrent_sessions: %d | concurrency_per_drone: %d | qps_per_drone: %.1f | burst: %d\n",
		cfg.DomainLimits.GlobalMaxConcurrentSessions, cfg.DomainLimits.ConcurrencyPerDrone, cfg.DomainLimits.QpsPerDrone, cfg.DomainLimits.BurstLimit)
	fmt.Println()
	fmt.Printf("Intervention:\n  attach_screenshot: %v | window_ttl: %ds | step_ttl: %ds\n",
		cfg.Intervention.AttachScreenshot, cfg.Intervention.WindowTtlSec, cfg.Intervention.StepTtlSec)
	fmt.Println()
	fmt.Printf("Server:\n  listen_addr: %s | api_key set: %v\n", cfg.Server.ListenAddr, cfg.Server.ApiKey != "")
	fmt.Println()
	fmt.Printf("Resources:\n  cpu_threshold_pct: %.0f%% | memory_threshold_mb: %d\n",
		cfg.Resources.CPUThresholdPct, cfg.Resources.MemoryThresholdMB)
	fmt.Println()
	fmt.Printf("Publish backoff:\n  initial_ms: %d | max_ms: %d | multiplier: %.1f | max_attempts: %d\n",
		cfg.PublishBackoff.InitialMs, cfg.PublishBackoff.MaxMs, cfg.PublishBackoff.Multiplier, cfg.PublishBackoff.MaxAttempts)
}

func initLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}
}

func writePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}
