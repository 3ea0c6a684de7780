// telemetry-publisher simulates an environmental sensor. It publishes a
// JSON temperature/humidity reading to iot/device/{id}/telemetry on an
// MQTT broker every few seconds until interrupted.
//
// Every setting has a built-in default (broker localhost:1883, device 1,
// 3-second interval), so no configuration file is required. When one is
// present it is discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	telemetry-publisher              Publish until SIGINT/SIGTERM
//	telemetry-publisher run          Same as above
//	telemetry-publisher init [dir]   Write an example config.yaml
//	telemetry-publisher history      Summarize the local sample journal
//	telemetry-publisher version      Print version and build information
//	telemetry-publisher -o json version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/telemetry-publisher/internal/buildinfo"
	"github.com/nugget/telemetry-publisher/internal/config"
	"github.com/nugget/telemetry-publisher/internal/journal"
	"github.com/nugget/telemetry-publisher/internal/mqtt"
	"github.com/nugget/telemetry-publisher/internal/telemetry"
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

// run is the real entry point. Structured logs go to stdout; the caller
// prints any returned error to stderr. args is os.Args[1:], parsed by
// hand to avoid the flag package's global state.
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
	case "", "run":
		return runPublish(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "history":
		return runHistory(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "telemetry-publisher - simulated MQTT temperature/humidity sensor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: telemetry-publisher [flags] [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Publish telemetry until interrupted (default)")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  history      Summarize the last 24h from the sample journal")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover, else built-in defaults)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/telemetry-publisher/config.yaml,")
	fmt.Fprintln(w, "  /etc/telemetry-publisher/config.yaml")
	return nil
}

// runPublish connects to the broker and publishes telemetry until
// SIGINT or SIGTERM. A failed initial connection is returned as an
// error before anything is published.
func runPublish(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stdout, level, cfg.LogFormat)

	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using built-in defaults")
	}

	logger.Info("starting telemetry publisher",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"device_id", cfg.Device.ID,
		"topic", telemetry.TelemetryTopic(cfg.Device.ID),
		"broker", cfg.Broker.Address(),
	)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation reaches the publish loop's suspension point.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pub := mqtt.New(cfg, telemetry.NewGenerator(nil, nil), logger)

	if cfg.Journal.Enabled() {
		store, err := journal.NewStore(cfg.Journal.DBPath())
		if err != nil {
			return err
		}
		defer store.Close()
		pub.SetRecorder(store)
		logger.Info("sample journal enabled", "path", cfg.Journal.DBPath())
	}

	if err := pub.Start(ctx); err != nil {
		return err
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
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

// loadConfig locates, parses, and validates the YAML configuration. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations, and when
// nothing is found the built-in defaults are returned with an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfg := config.Default()

	cfgPath, err := config.FindConfig(explicit)
	switch {
	case errors.Is(err, config.ErrNoConfig):
		cfgPath = ""
	case err != nil:
		return nil, "", err
	default:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}
