package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Config captures runtime configuration for loadstar.
type Config struct {
	// DatabasePath is the SQLite file holding folders and move statistics.
	DatabasePath string `yaml:"database_path"`

	// ListenAddr is the address the HTTP API binds to.
	ListenAddr string `yaml:"listen_addr"`

	// SweepCron schedules liveness sweeps; empty disables the schedule.
	SweepCron string `yaml:"sweep_cron"`

	// SweepOnStart runs one liveness sweep before serving.
	SweepOnStart bool `yaml:"sweep_on_start"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file or flag overrides it.
func Default() Config {
	return Config{
		DatabasePath: defaultDatabasePath(),
		ListenAddr:   "127.0.0.1:8731",
		SweepCron:    "0 */6 * * *",
		SweepOnStart: true,
		LogLevel:     "info",
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values and resolves the database path to an absolute one.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return errors.New("database path cannot be empty")
	}
	abs, err := filepath.Abs(strings.TrimSpace(c.DatabasePath))
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", c.DatabasePath, err)
	}
	c.DatabasePath = filepath.Clean(abs)

	c.SweepCron = strings.TrimSpace(c.SweepCron)
	if c.SweepCron != "" && !gronx.IsValid(c.SweepCron) {
		return fmt.Errorf("invalid sweep cron expression: %s", c.SweepCron)
	}

	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func defaultDatabasePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "loadstar.db"
	}
	return filepath.Join(dir, "loadstar", "loadstar.db")
}
