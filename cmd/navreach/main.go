// Navreach is a local agent execution engine.
//
// It exposes an HTTP API for running agent turns (streamed as SSE), a
// WebSocket monitor for live operational events, session control
// endpoints, and a usage report. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	navreach serve           Start the engine API server
//	navreach init [dir]      Initialize a working directory with defaults
//	navreach version         Print version and build information
//	navreach -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/api"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/buildinfo"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/config"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/defaults"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/events"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/mqtt"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/remote"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/session"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/tools"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
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

// run is the real entry point for the navreach command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdout and stderr receive all output, and args is
// os.Args[1:]. Arguments are parsed by hand — the flag package relies
// on package-level globals, which interfere with parallel tests, and
// the argument surface is small enough that manual parsing is clearer
// than a CLI framework.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) prints the error and exits.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

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
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Navreach - Agent Execution Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: navreach [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the engine API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/navreach/config.yaml, /etc/navreach/config.yaml")
	return nil
}

// runInit initializes a navreach working directory. It creates the
// data directory and writes the example config. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing navreach workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "db"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to customize your installation.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}

// runServe handles the "navreach serve" subcommand. It is the primary
// operating mode: loads config, opens the usage ledger, wires the
// event bus, tool providers, and API server, optionally starts the
// MQTT telemetry mirror, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting navreach", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	logger.Info("config loaded", "path", cfgPath, "listen", listen, "remote", cfg.Remote.BaseURL)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Usage ledger ---
	// SQLite-backed action and token records. The guard's day counter
	// is rebuilt from it on startup so quotas survive restarts.
	dbPath := filepath.Join(cfg.DataDir, "usage.db")
	store, err := usage.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("usage database opened", "path", dbPath)

	guard := usage.NewGuard(store, usage.Profile{
		DailyLimit: cfg.Usage.DailyLimit,
		Unmetered:  cfg.Usage.DailyLimit == 0,
	}, logger)

	janitor := usage.NewJanitor(store, cfg.Usage.RetentionDays, logger)
	if err := janitor.Start(); err != nil {
		return fmt.Errorf("start usage janitor: %w", err)
	}
	defer janitor.Stop()

	// --- Shared infrastructure ---
	bus := events.New()
	sessions := session.NewManager(logger)
	remoteClient := remote.NewClient(cfg.Remote.BaseURL)

	// --- Tool providers ---
	// Captured data is mirrored onto the event bus so the monitor and
	// MQTT subscribers see it without polling.
	sink := func(kind string, fields map[string]any) error {
		logger.Info("data captured", "kind", kind, "fields", len(fields))
		bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      "data_captured",
			Data:      map[string]any{"capture_kind": kind, "fields": fields},
		})
		return nil
	}
	providers := []tools.Provider{
		tools.IntegrationProvider(logger),
		tools.DataProvider(sink),
		tools.UtilityProvider(),
	}

	server := api.NewServer(api.Options{
		Listen:    listen,
		Sessions:  sessions,
		Remote:    remoteClient,
		Guard:     guard,
		Store:     store,
		Bus:       bus,
		Providers: providers,
		Fallbacks: providerFallbacks(cfg),
		Logger:    logger,
	})

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- MQTT telemetry mirror ---
	var mirror *mqtt.Mirror
	if cfg.MQTT.Enabled {
		instanceID := cfg.MQTT.InstanceID
		if instanceID == "" {
			instanceID, err = mqtt.LoadOrCreateInstanceID(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("mqtt instance ID: %w", err)
			}
		}
		mirror = mqtt.New(cfg.MQTT, instanceID, bus, &engineStats{sessions: sessions, guard: guard}, logger)
		go func() {
			if err := mirror.Start(ctx); err != nil {
				logger.Error("mqtt mirror failed", "error", err)
			}
		}()
	}

	// Shut the server down when the context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if mirror != nil {
			if err := mirror.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt shutdown", "error", err)
			}
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("navreach stopped")
	return nil
}

// providerFallbacks converts the config's provider credentials to the
// API server's fallback map, skipping unconfigured entries.
func providerFallbacks(cfg *config.Config) map[string]api.ProviderFallback {
	fallbacks := make(map[string]api.ProviderFallback)
	for name, pc := range map[string]config.ProviderConfig{
		"anthropic": cfg.Providers.Anthropic,
		"openai":    cfg.Providers.OpenAI,
		"ollama":    cfg.Providers.Ollama,
	} {
		if pc.APIKey != "" || pc.BaseURL != "" {
			fallbacks[name] = api.ProviderFallback{APIKey: pc.APIKey, BaseURL: pc.BaseURL}
		}
	}
	return fallbacks
}

// engineStats adapts the session manager and usage guard to the MQTT
// mirror's StatsSource.
type engineStats struct {
	sessions *session.Manager
	guard    *usage.Guard
}

func (e *engineStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (e *engineStats) Version() string       { return buildinfo.Version }
func (e *engineStats) ActiveSessions() int   { return e.sessions.Len() }
func (e *engineStats) ActionsUsed() int      { return e.guard.Used() }
func (e *engineStats) ActionsRemaining() int { return e.guard.Remaining() }

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes
// the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
