package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/mealtrace/mealtrace/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

// FileName is the TOML config file for user preferences.
const FileName = "config.toml"

// Config represents user-facing configuration in TOML format.
type Config struct {
	// DataDir is the root directory for per-user data trees.
	// Defaults to ~/.mealtrace/data.
	DataDir string `toml:"data_dir"`

	// Logging defines structured log output settings.
	Logging LogSettings `toml:"logging"`

	// Search defines fuzzy lookup settings.
	Search SearchSettings `toml:"search"`
}

// LogSettings defines log file management settings.
type LogSettings struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB is the max log size in MB before rotation
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is rotated files to keep
	MaxBackups int `toml:"max_backups"`

	// MaxAgeDays is days to keep rotated files
	MaxAgeDays int `toml:"max_age_days"`
}

// SearchSettings defines search and recommendation settings.
type SearchSettings struct {
	// RecentDishes is how many recently archived dishes the search index
	// keeps in its in-memory cache (default: 200).
	RecentDishes int `toml:"recent_dishes"`

	// RecentProducts is how many product labels the search index keeps
	// in its in-memory cache (default: 200).
	RecentProducts int `toml:"recent_products"`
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "~/.mealtrace/data",
		Logging: LogSettings{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Search: SearchSettings{
			RecentDishes:   200,
			RecentProducts: 200,
		},
	}
}

// ConfigDir returns the directory holding config.toml and logs.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".mealtrace")
	}
	return filepath.Join(home, ".mealtrace")
}

// Load reads config.toml from dir, applying defaults for missing keys.
// A missing file is not an error: defaults are returned.
func Load(dir string) (*Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(cfg)
	configLog.Debug("config_loaded", slog.String("path", path))
	return cfg, nil
}

// Save writes the config back to dir/config.toml, creating dir if needed.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = def.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = def.Logging.MaxBackups
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = def.Logging.MaxAgeDays
	}
	if cfg.Search.RecentDishes <= 0 {
		cfg.Search.RecentDishes = def.Search.RecentDishes
	}
	if cfg.Search.RecentProducts <= 0 {
		cfg.Search.RecentProducts = def.Search.RecentProducts
	}
}

// ExpandTilde expands a leading ~ to the user's home directory, with
// path traversal protection.
func ExpandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded := filepath.Join(home, path[2:])
			cleaned := filepath.Clean(expanded)
			if strings.HasPrefix(cleaned, home) {
				return cleaned
			}
			configLog.Warn("path_traversal_detected", slog.String("path", path))
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
	}
	return path
}
