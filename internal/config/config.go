package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

// Config holds all configuration for the tabrelay service.
type Config struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	CallTimeoutMS int

	// Control API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Companion pages
	AllowedOrigins []string
	PinnedPatterns []string
	StartupURL     string

	// Persistence
	StateDir          string
	JournalBufferSize int
	JournalMaxSizeMB  int

	LogLevel string
	LogFile  string

	// Browser launch
	LaunchBrowser bool
	BrowserPath   string
	UserDataDir   string

	// ConfigPath is the optional YAML overlay. A missing file is skipped.
	ConfigPath string

	Relay     relay.Config
	Delays    Delays
	Shortcuts map[string]Shortcut
}

// Delays between a tab lifecycle event and the broadcast it triggers.
// Zero fields fall back to the broadcaster defaults.
type Delays struct {
	Created   time.Duration `yaml:"created"`
	Removed   time.Duration `yaml:"removed"`
	Moved     time.Duration `yaml:"moved"`
	Completed time.Duration `yaml:"completed"`
}

// Shortcut binds a name to a sequence of command envelopes.
type Shortcut struct {
	Steps []string      `yaml:"steps"`
	Delay time.Duration `yaml:"delay"`
}

// Load reads configuration from environment variables and optional .env
// file, then applies the YAML overlay. configPath overrides TABRELAY_CONFIG
// when non-empty.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		CallTimeoutMS:     getEnvIntOrDefault("TABRELAY_CALL_TIMEOUT_MS", 5000),
		BindAddr:          getEnvOrDefault("TABRELAY_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:    getEnvListOrDefault("TABRELAY_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback:  getEnvBoolOrDefault("TABRELAY_PORT_AUTO_FALLBACK", true),
		AllowedOrigins:    getEnvListOrDefault("TABRELAY_ALLOWED_ORIGINS", []string{"http://localhost:3000/*", "https://*.nukko.dev/*"}),
		PinnedPatterns:    getEnvListOrDefault("TABRELAY_PINNED_PATTERNS", nil),
		StartupURL:        getEnvOrDefault("TABRELAY_STARTUP_URL", "https://startup.nukko.dev/"),
		StateDir:          getEnvOrDefault("TABRELAY_STATE_DIR", "./state"),
		JournalBufferSize: getEnvIntOrDefault("TABRELAY_JOURNAL_BUFFER_SIZE", 1000),
		JournalMaxSizeMB:  getEnvIntOrDefault("TABRELAY_JOURNAL_MAX_SIZE_MB", 50),
		LogLevel:          strings.ToLower(getEnvOrDefault("TABRELAY_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("TABRELAY_LOG_FILE", "logs/tabrelay.log"),
		LaunchBrowser:     getEnvBoolOrDefault("TABRELAY_LAUNCH_BROWSER", false),
		BrowserPath:       getEnvOrDefault("TABRELAY_BROWSER_PATH", ""),
		UserDataDir:       getEnvOrDefault("TABRELAY_USER_DATA_DIR", "./browser_profile"),
		ConfigPath:        getEnvOrDefault("TABRELAY_CONFIG", "./config/tabrelay.yaml"),
	}
	if configPath != "" {
		cfg.ConfigPath = configPath
	}
	if cfg.CallTimeoutMS < 1000 {
		cfg.CallTimeoutMS = 1000
	}

	file, err := LoadFile(cfg.ConfigPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using environment only", "path", cfg.ConfigPath)
	case err != nil:
		return nil, err
	default:
		file.apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if len(c.AllowedOrigins) == 0 {
		return errors.New("config: at least one allowed origin is required")
	}
	if _, err := tabs.NewMatcher(c.AllowedOrigins...); err != nil {
		return fmt.Errorf("config: allowed origins: %w", err)
	}
	if _, err := tabs.NewMatcher(c.PinnedPatterns...); err != nil {
		return fmt.Errorf("config: pinned patterns: %w", err)
	}
	if c.StartupURL == "" {
		return errors.New("config: startup url is required")
	}
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("config: invalid CDP port %d", c.CDPPort)
	}
	for name, sc := range c.Shortcuts {
		if len(sc.Steps) == 0 {
			return fmt.Errorf("config: shortcut %q has no steps", name)
		}
	}
	return c.Relay.Validate()
}

// CDPURL returns the DevTools HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// CallTimeout is the per-call CDP timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma-separated variable, dropping blanks.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
