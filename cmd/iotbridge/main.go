// Iotbridge forwards Home Assistant entity state to a cloud IoT
// platform over MQTT and applies cloud-issued commands back to HA.
//
// It discovers which HA entities belong to each configured device,
// pushes property telemetry on a fixed cadence, and keeps a per-device
// health table so one misbehaving device never takes down the fleet.
// Configuration is loaded from an add-on options.json or a YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	iotbridge serve              Run the bridge
//	iotbridge check              Preflight: config, HA ping, recent transitions
//	iotbridge version            Print version and build information
//	iotbridge -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oakhollow/iotbridge/internal/buildinfo"
	"github.com/oakhollow/iotbridge/internal/cloud"
	"github.com/oakhollow/iotbridge/internal/config"
	"github.com/oakhollow/iotbridge/internal/connwatch"
	"github.com/oakhollow/iotbridge/internal/discovery"
	"github.com/oakhollow/iotbridge/internal/fleet"
	"github.com/oakhollow/iotbridge/internal/homeassistant"
	"github.com/oakhollow/iotbridge/internal/journal"
	"github.com/oakhollow/iotbridge/internal/ntp"
	"github.com/oakhollow/iotbridge/internal/retry"
	"github.com/oakhollow/iotbridge/internal/telemetry"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the iotbridge command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the session and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "check":
		return runCheck(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// iotbridge is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "iotbridge - Home Assistant to cloud IoT platform bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: iotbridge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the bridge")
	fmt.Fprintln(w, "  check        Validate config, ping Home Assistant, show recent transitions")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s, %s\n", config.OptionsPath, strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runCheck is the operator's preflight: validate the configuration the
// same way serve does, ping Home Assistant, list the bridged devices,
// and show the most recent journaled transitions. Exit status is the
// answer; the cloud broker is deliberately not contacted so check never
// disturbs a running session's client ID.
func runCheck(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(logger); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	devices := cfg.EnabledDevices()
	fmt.Fprintf(stdout, "config %s OK: gateway %s_%s, %d enabled device(s)\n",
		cfgPath, cfg.Gateway.ProductKey, cfg.Gateway.DeviceName, len(devices))
	for _, d := range devices {
		fmt.Fprintf(stdout, "  device %s: %s_%s entities %s.*\n",
			d.DeviceID, d.ProductKey, d.DeviceName, d.EntityPrefix)
	}

	// Single-shot ping, no transport retry: check should answer quickly.
	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, homeassistant.Options{
		InsecureSkipVerify: cfg.HomeAssistant.InsecureSkipVerify,
	}, logger)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ha.Ping(pingCtx); err != nil {
		return fmt.Errorf("home assistant %s: %w", cfg.HomeAssistant.URL, err)
	}
	fmt.Fprintf(stdout, "home assistant %s OK\n", cfg.HomeAssistant.URL)

	// Recent transitions, when a previous serve has left a journal.
	dbPath := filepath.Join(cfg.DataDir, "journal.db")
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(stdout, "journal %s: no entries yet\n", dbPath)
		return nil
	}
	jnl, err := journal.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", dbPath, err)
	}
	defer jnl.Close()

	entries, err := jnl.Recent(10)
	if err != nil {
		return fmt.Errorf("read journal %s: %w", dbPath, err)
	}
	fmt.Fprintf(stdout, "journal %s: %d recent transition(s)\n", dbPath, len(entries))
	for _, e := range entries {
		fmt.Fprintf(stdout, "  %s %s %s: %s\n",
			e.At.Format(time.RFC3339), e.Kind, e.Subject, e.Detail)
	}
	return nil
}

// runServe handles the "iotbridge serve" subcommand. It is the primary
// operating mode: loads and validates config, checks the local clock
// against the platform's SNTP server, opens the transition journal,
// connects to the cloud broker, and runs the discovery and telemetry
// loops until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. Discovery and telemetry loops exit (no publishes after this point)
//  3. The cloud session disconnects cleanly with a bounded grace period
//  4. The journal records the shutdown and closes via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting iotbridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validation runs against the Info-level startup logger so device
	// exclusion warnings are never filtered out by a config that is
	// itself being rejected.
	if err := cfg.Validate(logger); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// Reconfigure logger now that the config is known good. Validate
	// already rejected unknown log levels, so the parse cannot fail here.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	devices := cfg.EnabledDevices()
	logger.Info("config loaded",
		"path", cfgPath,
		"gateway", cfg.Gateway.ProductKey+"_"+cfg.Gateway.DeviceName,
		"devices", len(devices),
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
	)

	// The report_interval option survives from the documented schema but
	// the push cadence is fixed. Surface the mismatch so operators are
	// not left wondering why their setting does nothing.
	if cfg.ReportIntervalSec != config.DefaultReportIntervalSec {
		logger.Warn("report_interval has no effect, telemetry cadence is fixed",
			"configured", cfg.ReportIntervalSec,
			"effective_sec", int(telemetry.PushInterval.Seconds()),
		)
	}

	// --- Clock check ---
	// Telemetry IDs are millisecond timestamps the platform validates,
	// and cloud auth is time-sensitive, so the bridge refuses to start
	// when the check cannot complete. Skew itself only warns.
	if cfg.NTPServer != "" {
		if err := ntp.Check(ctx, cfg.NTPServer, logger); err != nil {
			return fmt.Errorf("clock check: %w", err)
		}
	}

	// --- Data directory ---
	// Holds the transition journal and the persistent instance identity.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Transition journal ---
	jnl, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"), logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	instanceID, err := cloud.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load instance id: %w", err)
	}
	jnl.SetInstanceID(instanceID)
	jnl.Record(journal.KindBridge, "startup", buildinfo.String())
	logger.Info("journal opened", "instance_id", instanceID)

	// --- Device health table ---
	deviceIDs := make([]string, len(devices))
	for i, d := range devices {
		deviceIDs[i] = d.DeviceID
	}
	health := fleet.NewTable(deviceIDs, jnl, logger)

	// --- Home Assistant client ---
	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, homeassistant.Options{
		InsecureSkipVerify: cfg.HomeAssistant.InsecureSkipVerify,
		RetryCount:         cfg.RetryAttempts,
		RetryDelay:         time.Duration(cfg.RetryDelaySec) * time.Second,
	}, logger)

	// --- Connection resilience ---
	// Background health monitoring with exponential backoff for the two
	// external dependencies: the local HA API and the cloud broker.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	haWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "homeassistant",
		Probe:   func(pCtx context.Context) error { return ha.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() { jnl.ConnTransition("homeassistant", true, nil) },
		OnDown:  func(err error) { jnl.ConnTransition("homeassistant", false, err) },
		Logger:  logger,
	})
	ha.SetWatcher(haWatcher)

	// --- Cloud session ---
	sessionCfg := cloud.SessionConfig{
		Gateway:       cfg.Gateway,
		Host:          cfg.MQTT.Host,
		Port:          cfg.MQTT.Port,
		KeepAliveSec:  cfg.MQTT.KeepAliveSec,
		RetryAttempts: cfg.RetryAttempts,
		Topics:        cloud.TopicsFromConfig(cfg.MQTT),
		Logger:        logger,
		Sink:          jnl,
	}
	// Broker credentials default to the triple-derived scheme; explicit
	// mqtt username/password settings take precedence.
	if cfg.MQTT.Username != "" || cfg.MQTT.Password != "" {
		sessionCfg.Credentials = cloud.StaticCredentials(cfg.MQTT.Username, cfg.MQTT.Password)
	}
	session := cloud.NewSession(sessionCfg)
	session.SetCommandHandler(devices, ha)
	session.OnDisconnect(func(err error) {
		logger.Warn("cloud session dropped", "error", err)
	})

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start cloud session: %w", err)
	}
	logger.Info("cloud session started", "client_id", session.ClientID())

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "cloud-mqtt",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return session.AwaitConnection(awaitCtx)
		},
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() { jnl.ConnTransition("cloud-mqtt", true, nil) },
		OnDown:  func(err error) { jnl.ConnTransition("cloud-mqtt", false, err) },
		Logger:  logger,
	})

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all loops.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Discovery engine ---
	engine := discovery.NewEngine(discovery.EngineConfig{
		States:    ha,
		Devices:   devices,
		Health:    health,
		Interval:  time.Duration(cfg.DiscoveryRetryIntervalSec) * time.Second,
		LoadRetry: retry.Fixed(cfg.RetryAttempts, time.Duration(cfg.RetryDelaySec)*time.Second),
		Logger:    logger,
	})

	// --- Telemetry pusher ---
	pusher := telemetry.NewPusher(telemetry.PusherConfig{
		Devices:  devices,
		Health:   health,
		Entities: engine,
		States:   ha,
		Session:  session,
		Topics:   session.Topics(),
		Logger:   logger,
	})

	done := make(chan struct{}, 2)
	go func() {
		engine.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		pusher.Run(ctx)
		done <- struct{}{}
	}()

	logger.Info("bridge running",
		"push_interval", telemetry.PushInterval.String(),
		"discovery_interval", cfg.DiscoveryRetryIntervalSec,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Wait for both loops to exit so nothing publishes after the
	// session is torn down.
	<-done
	<-done

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := session.Stop(stopCtx); err != nil {
		logger.Error("cloud session shutdown failed", "error", err)
	}

	jnl.Record(journal.KindBridge, "shutdown", "clean")
	logger.Info("iotbridge stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text. All log output in iotbridge goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the configuration file. If explicit is
// non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the
// parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
