package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/tabrelay/internal/relay"
)

// File is the YAML overlay. Fields left empty keep the environment value.
type File struct {
	AllowedOrigins []string            `yaml:"allowed_origins"`
	Pinned         []string            `yaml:"pinned"`
	StartupURL     string              `yaml:"startup_url"`
	Relay          relay.Config        `yaml:"relay"`
	Delays         Delays              `yaml:"broadcast_delays"`
	Shortcuts      map[string]Shortcut `yaml:"shortcuts"`
}

// LoadFile reads and validates the overlay. Returns an os.ErrNotExist-wrapped
// error if the file is absent (Load silently skips in that case).
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tabrelay config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tabrelay config: %w", err)
	}
	for i, o := range f.AllowedOrigins {
		if o == "" {
			return nil, fmt.Errorf("tabrelay config: allowed_origins[%d] is empty", i)
		}
	}
	for name, sc := range f.Shortcuts {
		for i, step := range sc.Steps {
			if step == "" {
				return nil, fmt.Errorf("tabrelay config: shortcuts.%s.steps[%d] is empty", name, i)
			}
		}
	}
	return &f, nil
}

func (f *File) apply(cfg *Config) {
	if len(f.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = f.AllowedOrigins
	}
	if len(f.Pinned) > 0 {
		cfg.PinnedPatterns = f.Pinned
	}
	if f.StartupURL != "" {
		cfg.StartupURL = f.StartupURL
	}
	cfg.Relay = f.Relay
	cfg.Delays = f.Delays
	if len(f.Shortcuts) > 0 {
		cfg.Shortcuts = f.Shortcuts
	}
}
