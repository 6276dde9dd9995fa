package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"specview/internal/watcher"
)

// Settings is the configuration surface of the reactive cache core:
// which root to watch, how long the debounce quiet period is, what to
// ignore, and how chatty the logger runs.
type Settings struct {
	// Root is the directory tree to watch. Empty means the current
	// working directory.
	Root string `yaml:"root"`

	// DebounceMS is the quiet period in milliseconds before a batch of
	// filesystem events flushes to subscribers.
	DebounceMS int64 `yaml:"debounce-ms"`

	// IgnoreGlobs replaces the default ignore set when non-empty. Globs
	// match the slash-separated path relative to the watch root.
	IgnoreGlobs []string `yaml:"ignore-globs"`

	// LogLevel is one of debug, info, warning, error.
	LogLevel string `yaml:"log-level"`
}

// DefaultSettings returns the documented defaults: 50ms debounce, the
// standard VCS/dependency/OS-metadata ignore set, info logging.
func DefaultSettings() Settings {
	return Settings{
		Root:        ".",
		DebounceMS:  watcher.DefaultDebounce.Milliseconds(),
		IgnoreGlobs: append([]string(nil), watcher.DefaultIgnoreGlobs...),
		LogLevel:    "info",
	}
}

// Load reads settings from a YAML file, filling anything unset from the
// defaults. A missing file is not an error and yields the defaults;
// unknown keys are ignored.
func Load(path string) (Settings, error) {
	settings := DefaultSettings()
	if strings.TrimSpace(path) == "" {
		return settings, nil
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	loaded := Settings{}
	if err := yaml.Unmarshal(payload, &loaded); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if strings.TrimSpace(loaded.Root) != "" {
		settings.Root = loaded.Root
	}
	if loaded.DebounceMS > 0 {
		settings.DebounceMS = loaded.DebounceMS
	}
	if len(loaded.IgnoreGlobs) > 0 {
		settings.IgnoreGlobs = loaded.IgnoreGlobs
	}
	if strings.TrimSpace(loaded.LogLevel) != "" {
		settings.LogLevel = loaded.LogLevel
	}
	return Normalize(settings), nil
}

// Normalize clamps out-of-range values back to the defaults.
func Normalize(settings Settings) Settings {
	defaults := DefaultSettings()
	if strings.TrimSpace(settings.Root) == "" {
		settings.Root = defaults.Root
	}
	if settings.DebounceMS <= 0 {
		settings.DebounceMS = defaults.DebounceMS
	}
	if settings.IgnoreGlobs == nil {
		settings.IgnoreGlobs = defaults.IgnoreGlobs
	}
	switch strings.ToLower(strings.TrimSpace(settings.LogLevel)) {
	case "debug", "info", "warning", "error":
		settings.LogLevel = strings.ToLower(strings.TrimSpace(settings.LogLevel))
	default:
		settings.LogLevel = defaults.LogLevel
	}
	return settings
}

// Debounce returns the debounce interval as a duration.
func (settings Settings) Debounce() time.Duration {
	return time.Duration(settings.DebounceMS) * time.Millisecond
}
