package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tabrelay/internal/api"
	"github.com/dgnsrekt/tabrelay/internal/background"
	"github.com/dgnsrekt/tabrelay/internal/browser"
	"github.com/dgnsrekt/tabrelay/internal/cdpcontrol"
	"github.com/dgnsrekt/tabrelay/internal/config"
	"github.com/dgnsrekt/tabrelay/internal/controller"
	"github.com/dgnsrekt/tabrelay/internal/netutil"
	"github.com/dgnsrekt/tabrelay/internal/pages"
	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/storage"
	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

func main() {
	configPath := pflag.String("config", "", "YAML config overlay (overrides TABRELAY_CONFIG)")
	dryRun := pflag.Bool("dry-run", false, "serve an in-memory browser instead of connecting over CDP")
	launch := pflag.Bool("launch-browser", false, "start Chromium with remote debugging if none is running")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load tabrelay config", "error", err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("launch-browser") {
		cfg.LaunchBrowser = *launch
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("tabrelay config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"allowed_origins", cfg.AllowedOrigins,
		"startup_url", cfg.StartupURL,
		"state_dir", cfg.StateDir,
		"config_path", cfg.ConfigPath,
		"dry_run", *dryRun,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	if err := run(cfg, *dryRun); err != nil {
		slog.Error("tabrelay failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, dryRun bool) error {
	origins, err := tabs.NewMatcher(cfg.AllowedOrigins...)
	if err != nil {
		return err
	}
	pinned, err := tabs.NewMatcher(cfg.PinnedPatterns...)
	if err != nil {
		return err
	}
	shortcuts, err := buildShortcuts(cfg.Shortcuts)
	if err != nil {
		return err
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return fmt.Errorf("select bind address: %w", err)
	}
	defer func() { _ = ln.Close() }()

	store, err := storage.OpenStateStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	journal := storage.NewJournal(filepath.Join(cfg.StateDir, "journal"), cfg.JournalBufferSize, cfg.JournalMaxSizeMB)
	defer func() {
		if err := journal.Close(); err != nil {
			slog.Warn("journal close failed", "error", err)
		}
	}()
	broker := relay.NewBroker()

	ctx := context.Background()
	var (
		dir     tabs.Directory
		factory pages.SurfaceFactory
	)
	if dryRun {
		mem := tabs.NewMemoryDirectory()
		if _, err := mem.Create(ctx, tabs.CreateOptions{URL: cfg.StartupURL, Active: true, Index: -1}); err != nil {
			return err
		}
		dir, factory = mem, pages.NewLoopback(nil)
	} else {
		if cfg.LaunchBrowser {
			launcher := browser.NewLauncher(browser.Config{
				CDPAddress: cfg.CDPAddress,
				CDPPort:    cfg.CDPPort,
				StartURL:   cfg.StartupURL,
				ProfileDir: cfg.UserDataDir,
				ExecPath:   cfg.BrowserPath,
			})
			if err := launcher.Launch(ctx); err != nil {
				return fmt.Errorf("launch browser: %w", err)
			}
			defer launcher.Stop()
		}

		client := cdpcontrol.NewClient(cdpcontrol.Options{URL: cfg.CDPURL(), CallTimeout: cfg.CallTimeout(), Pinned: pinned})
		if err := client.Connect(ctx); err != nil {
			slog.Info("make sure Chromium is running with remote debugging enabled, or pass --launch-browser")
			return fmt.Errorf("connect CDP %s: %w", cfg.CDPURL(), err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				slog.Debug("CDP client close failed", "error", err)
			}
		}()
		dir, factory = client, client
	}

	svc, err := controller.NewService(controller.Options{
		Directory:  dir,
		Factory:    factory,
		Store:      store,
		Journal:    journal,
		Broker:     broker,
		Origins:    origins,
		StartupURL: cfg.StartupURL,
		Delays:     broadcastDelays(cfg.Delays),
		Shortcuts:  shortcuts,
		Relay:      cfg.Relay,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start background: %w", err)
	}
	defer func() { _ = svc.Close() }()

	srv := &http.Server{Handler: api.NewServer(svc, broker), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		addr := ln.Addr().String()
		slog.Info("tabrelay listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("tabrelay server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("tabrelay shutdown failed", "error", err)
	}
	return nil
}

// broadcastDelays fills unset delays with the broadcaster defaults.
func broadcastDelays(d config.Delays) background.Delays {
	out := background.DefaultDelays()
	if d.Created > 0 {
		out.Created = d.Created
	}
	if d.Removed > 0 {
		out.Removed = d.Removed
	}
	if d.Moved > 0 {
		out.Moved = d.Moved
	}
	if d.Completed > 0 {
		out.Completed = d.Completed
	}
	return out
}

// buildShortcuts decodes configured shortcuts on top of the built-in ones.
// A configured shortcut replaces a built-in one of the same name.
func buildShortcuts(configured map[string]config.Shortcut) (map[string]background.Shortcut, error) {
	out := background.DefaultShortcuts()
	for name, sc := range configured {
		parsed, err := background.ParseShortcut(sc.Steps, sc.Delay)
		if err != nil {
			return nil, fmt.Errorf("shortcut %q: %w", name, err)
		}
		out[name] = parsed
	}
	return out, nil
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
