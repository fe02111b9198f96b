package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/wa-deck/internal/config"
	"github.com/asheshgoplani/wa-deck/internal/driver"
	"github.com/asheshgoplani/wa-deck/internal/events"
	"github.com/asheshgoplani/wa-deck/internal/logging"
	"github.com/asheshgoplani/wa-deck/internal/media"
	"github.com/asheshgoplani/wa-deck/internal/metrics"
	"github.com/asheshgoplani/wa-deck/internal/registry"
	"github.com/asheshgoplani/wa-deck/internal/session"
	"github.com/asheshgoplani/wa-deck/internal/statedb"
	"github.com/asheshgoplani/wa-deck/internal/web"
)

var mainLog = logging.ForComponent(logging.CompMain)

const shutdownTimeout = 15 * time.Second

// app is everything serve wires together.
type app struct {
	cfg     *config.Config
	db      *statedb.StateDB
	manager *session.Manager
	server  *web.Server
	webhook *events.Webhook

	// pinnedLevel is set by --debug and wins over the file's log level.
	pinnedLevel bool
}

// buildApp opens the state database and wires the session manager, event
// sinks and HTTP server from cfg. Nothing is started.
func buildApp(cfg *config.Config) (*app, error) {
	db, err := statedb.Open(cfg.State.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}

	m := metrics.New()
	reg := registry.New(registry.Config{
		CacheDir:         cfg.Driver.CacheDir,
		Endpoint:         cfg.Driver.Endpoint,
		Factory:          driver.RemoteFactory,
		ConstructTimeout: cfg.Driver.ConstructTimeout(),
		CallTimeout:      cfg.Driver.CallTimeout(),
		Recorder:         db,
		OnConstruct: func(_ string, took time.Duration, err error) {
			m.ObserveConstruction(took, err)
		},
	})

	hub := events.NewHub()
	webhook := events.NewWebhook(events.WebhookConfig{
		URL:        cfg.Events.WebhookURL,
		RatePerSec: cfg.Events.WebhookRatePerSec,
		Burst:      cfg.Events.WebhookBurst,
		Timeout:    time.Duration(cfg.Events.WebhookTimeoutSecs) * time.Second,
	})
	sinks := events.Multi{hub, webhook}
	if cfg.Events.LogEvents() {
		sinks = append(sinks, events.LogSink{})
	}

	var push *events.Push
	if cfg.Events.PushEnabled {
		keys, generated, err := events.EnsureVAPIDKeys(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare web push keys: %w", err)
		}
		if generated {
			mainLog.Info("vapid_keys_generated")
		}
		push = events.NewPush(db, keys, cfg.Events.PushSubject)
		sinks = append(sinks, push)
	}

	store := media.New(cfg.Media.Dir)
	mgr := session.New(session.Config{
		LockTimeout:  cfg.Sessions.LockTimeout(),
		PollInterval: cfg.Sessions.PollInterval(),
		PollTimeout:  cfg.Sessions.PollTimeout(),
	}, session.Deps{
		Registry: reg,
		Sink:     sinks,
		Metrics:  m,
		Store:    db,
		Media:    store,
	})

	srv := web.NewServer(web.Config{
		ListenAddr:        cfg.Server.Listen,
		APIKey:            cfg.Server.APIKey,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSecs) * time.Second,
		Manager:           mgr,
		Media:             store,
		Hub:               hub,
		Push:              push,
		Metrics:           m,
		Version:           Version,
	})

	return &app{cfg: cfg, db: db, manager: mgr, server: srv, webhook: webhook}, nil
}

// applyReload applies the settings that can change without a restart.
func (a *app) applyReload(next *config.Config) {
	a.server.SetAPIKey(next.Server.APIKey)
	a.webhook.SetURL(next.Events.WebhookURL)
	if !a.pinnedLevel {
		logging.SetLevel(next.Logs.Level)
	}
	mainLog.Info("config_reloaded",
		slog.Bool("auth", next.Server.APIKey != ""),
		slog.Bool("webhook", next.Events.WebhookURL != ""))
}

// restore re-creates every client recorded in the state database.
func (a *app) restore(ctx context.Context) {
	rows, err := a.db.LoadClients()
	if err != nil {
		mainLog.Error("restore_load_failed", slog.String("error", err.Error()))
		return
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	res := a.manager.Restore(ctx, ids)
	for id, msg := range res.Errors {
		mainLog.Warn("restore_failed", slog.String("client_id", id), slog.String("error", msg))
	}
}

func (a *app) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		mainLog.Error("http_shutdown_failed", slog.String("error", err.Error()))
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		mainLog.Error("sessions_shutdown_failed", slog.String("error", err.Error()))
	}
	if err := a.db.Close(); err != nil {
		mainLog.Error("state_db_close_failed", slog.String("error", err.Error()))
	}
}

func handleServe(args []string) {
	if err := runServe(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file (default: ~/.wa-deck/config.toml)")
	listen := fs.String("listen", "", "Listen address (overrides config)")
	debug := fs.Bool("debug", false, "Log at debug level and mirror logs to stderr")
	noRestore := fs.Bool("no-restore", false, "Skip restoring recorded clients on start")

	fs.Usage = func() {
		fmt.Println("Usage: wa-deck serve [options]")
		fmt.Println()
		fmt.Println("Start the HTTP API.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	path := *configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	path = config.ExpandHome(path)

	cfg, loadErr := config.Load(path)
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	logCfg := cfg.Logs.LoggingConfig()
	if *debug {
		logCfg.Level = "debug"
		logCfg.Stderr = true
	}
	logging.Init(logCfg)
	defer logging.Shutdown()

	if loadErr != nil {
		mainLog.Warn("config_load_failed", slog.String("path", path), slog.String("error", loadErr.Error()))
	}

	// SIGUSR1 dumps the ring buffer for post-mortem debugging
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	defer signal.Stop(usr1Chan)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(cfg.Logs.Dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				mainLog.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				mainLog.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	a.pinnedLevel = *debug

	watcher, err := config.NewWatcher(path, a.applyReload)
	if err != nil {
		mainLog.Warn("config_watch_failed", slog.String("error", err.Error()))
	} else if err := watcher.Start(); err != nil {
		mainLog.Warn("config_watch_failed", slog.String("error", err.Error()))
	} else {
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Sessions.RestoreOnStart && !*noRestore {
		go a.restore(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	mainLog.Info("started",
		slog.String("version", Version),
		slog.String("listen", cfg.Server.Listen),
		slog.String("driver_endpoint", cfg.Driver.Endpoint),
		slog.Bool("auth", cfg.Server.APIKey != ""))
	fmt.Printf("wa-deck v%s listening on %s\n", Version, cfg.Server.Listen)

	var serveErr error
	select {
	case <-ctx.Done():
		mainLog.Info("shutdown_requested")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.shutdown(shutdownCtx)
	return serveErr
}
