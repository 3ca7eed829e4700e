// Package browser optionally starts a Chromium with remote debugging enabled
// and the startup page open.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/tabrelay/internal/netutil"
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	StartURL   string
	ProfileDir string
	// ExecPath overrides chromedp's browser discovery.
	ExecPath     string
	WindowWidth  int
	WindowHeight int
	ReadyTimeout time.Duration
}

// Launcher manages the lifecycle of a browser process.
type Launcher struct {
	cfg Config

	cancelAlloc   context.CancelFunc
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	running       bool
}

// NewLauncher creates a new browser launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowWidth == 0 || cfg.WindowHeight == 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1920, 1080
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	return &Launcher{cfg: cfg}
}

func (l *Launcher) cdpAddr() string {
	return net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort))
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserDataDir(l.cfg.ProfileDir),
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(l.cfg.CDPPort)),
		chromedp.Flag("remote-debugging-address", l.cfg.CDPAddress),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-breakpad", true),
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch starts the browser unless the CDP port already answers.
func (l *Launcher) Launch(ctx context.Context) error {
	if netutil.Reachable(l.cdpAddr(), time.Second) {
		slog.Info("browser already running, skipping launch",
			"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
		return nil
	}

	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	// The allocator outlives ctx; Stop owns its shutdown.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	l.cancelAlloc, l.browserCtx, l.cancelBrowser = cancelAlloc, browserCtx, cancelBrowser

	actions := []chromedp.Action{}
	if l.cfg.StartURL != "" {
		actions = append(actions, chromedp.Navigate(l.cfg.StartURL))
	}
	if err := chromedp.Run(browserCtx, actions...); err != nil {
		l.Stop()
		return fmt.Errorf("start browser: %w", err)
	}
	l.running = true
	slog.Info("browser process started", "start_url", l.cfg.StartURL, "profile_dir", l.cfg.ProfileDir)

	if err := l.waitForCDP(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready",
		"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
	return nil
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func (l *Launcher) waitForCDP(ctx context.Context) error {
	url := "http://" + l.cdpAddr() + "/json/version"
	deadline := time.After(l.cfg.ReadyTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", l.cfg.ReadyTimeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process.
func (l *Launcher) Running() bool {
	return l.running
}

// Stop closes the browser gracefully, then tears down the allocator, which
// kills the process if it is still alive.
func (l *Launcher) Stop() {
	if l.cancelAlloc == nil {
		return
	}
	slog.Info("stopping browser")
	ctx, cancel := context.WithTimeout(l.browserCtx, 5*time.Second)
	if err := chromedp.Cancel(ctx); err != nil {
		slog.Warn("browser did not close cleanly", "error", err)
	}
	cancel()
	l.cancelBrowser()
	l.cancelAlloc()
	l.cancelAlloc = nil
	l.running = false
}
