// Claude-memd is a local memory-capture daemon for coding-assistant
// sessions. Editor hooks post raw tool events and end-of-turn summary
// requests to a loopback HTTP API; background workers summarize the
// raw rows into durable observations and session summaries via an LLM.
//
// Usage:
//
//	claude-memd serve        Start the intake server and workers
//	claude-memd version      Print version and build information
//	claude-memd -o json version
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
	"strings"
	"syscall"
	"time"

	"github.com/nugget/claude-memd/internal/api"
	"github.com/nugget/claude-memd/internal/buildinfo"
	"github.com/nugget/claude-memd/internal/config"
	"github.com/nugget/claude-memd/internal/llm"
	"github.com/nugget/claude-memd/internal/procs"
	"github.com/nugget/claude-memd/internal/prompts"
	"github.com/nugget/claude-memd/internal/queue"
	"github.com/nugget/claude-memd/internal/sessions"
	"github.com/nugget/claude-memd/internal/settings"
	"github.com/nugget/claude-memd/internal/storage"
	"github.com/nugget/claude-memd/internal/worker"
)

// main constructs the OS-level environment and delegates to run so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests; the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
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
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "claude-memd - Local memory-capture daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: claude-memd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the intake server and summarization workers")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.claude-mem/config.yaml, /etc/claude-memd/config.yaml")
	return nil
}

// runServe is the primary operating mode: open the embedded store,
// start both workers, the process reaper, and the intake HTTP server,
// then block until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Workers finish their current tick and stop
//  4. Tracked agent subprocesses are terminated
//  5. The database connection closes via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting claude-memd",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level is known. The initial
	// Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		logger = newLogger(stdout, level)
	}

	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using defaults")
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath(), err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.DatabasePath())

	q, err := queue.New(db, cfg.Queue.MaxRetries)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	store, err := sessions.New(db)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}

	sets, err := settings.Load(cfg.Settings)
	if err != nil {
		return fmt.Errorf("load settings %s: %w", cfg.Settings, err)
	}

	client := llm.FromSettings(sets, logger)
	logger.Info("llm provider configured", "provider", sets.Provider())

	mode := prompts.DefaultMode()

	eventsWorker := worker.NewEventsWorker(q, store, client, mode, logger, worker.EventsConfig{
		Tick:           time.Duration(cfg.Worker.TickSeconds) * time.Second,
		BatchSize:      cfg.Worker.EventBatchSize,
		StallThreshold: time.Duration(cfg.Worker.StallMinutes) * time.Minute,
		Retention:      cfg.Retention(),
	})
	summaryWorker := worker.NewSummaryWorker(q, store, client, mode, logger, worker.SummaryConfig{
		Tick:           time.Duration(cfg.Worker.TickSeconds) * time.Second,
		BatchSize:      cfg.Worker.SummaryBatchSize,
		StallThreshold: time.Duration(cfg.Worker.StallMinutes) * time.Minute,
		Retention:      cfg.Retention(),
	})

	tracker := procs.NewTracker(logger)
	reaper := procs.NewReaper(tracker, procs.ReaperConfig{
		Interval:  time.Duration(cfg.Reaper.IntervalMinutes) * time.Minute,
		MaxAge:    time.Duration(cfg.Reaper.MaxAgeMinutes) * time.Minute,
		Signature: cfg.Reaper.Signature,
	}, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, q, store, tracker, reaper, logger)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eventsWorker.Start(ctx)
	summaryWorker.Start(ctx)
	reaper.Start(ctx)

	// shutdownDone closes only after the full sequence above has run;
	// runServe must not return (and db.Close must not fire) before then.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		_ = server.Shutdown(context.Background())

		eventsWorker.Stop()
		summaryWorker.Stop()
		reaper.Stop()

		if terminated, failed := tracker.TerminateAll(); terminated > 0 || failed > 0 {
			logger.Info("terminated tracked processes",
				"terminated", terminated,
				"failed", failed,
			)
		}
	}()

	// Blocks until the server shuts down via context cancellation or a
	// fatal listener error.
	serveErr := server.Start(ctx)

	// A fatal listener error also needs the workers stopped and the
	// tracked children killed before the database closes.
	cancel()
	<-shutdownDone

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", serveErr)
	}

	logger.Info("claude-memd stopped")
	return nil
}

// newLogger standardizes the slog handler configuration. All log
// output goes through slog; trace-level records get a readable name
// via ReplaceLogLevelNames.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig discovers and loads the YAML config. An empty discovered
// path means no file was found; defaults apply.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	if cfgPath == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
