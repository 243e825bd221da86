// Package config loads and writes the daemon's config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that round-trips through TOML as a string
// like "90s" or "2m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Source holds Instagram account credentials.
type Source struct {
	Username    string `toml:"username"`
	AccountID   string `toml:"account_id"`
	SessionID   string `toml:"session_id"`
	SessionFile string `toml:"session_file"`
}

// Sync holds sync engine tuning.
type Sync struct {
	PollInterval    Duration `toml:"poll_interval"`
	RunTimeout      Duration `toml:"run_timeout"`
	CursorOverlap   Duration `toml:"cursor_overlap"`
	ThreadPageSize  int      `toml:"thread_page_size"`
	MessagePageSize int      `toml:"message_page_size"`
}

// Config is the daemon configuration, read from config.toml.
type Config struct {
	DataDir string `toml:"data_dir"`
	Source  Source `toml:"source"`
	Sync    Sync   `toml:"sync"`
}

// Default returns a config with all tunables at their defaults. DataDir and
// credentials still have to be filled in.
func Default() *Config {
	return &Config{
		Sync: Sync{
			PollInterval:    Duration(90 * time.Second),
			RunTimeout:      Duration(5 * time.Minute),
			CursorOverlap:   Duration(2 * time.Minute),
			ThreadPageSize:  20,
			MessagePageSize: 50,
		},
	}
}

// Load reads config from the given path, layering the file over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
// The file carries credentials, hence the tight mode.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Source.AccountID == "" {
		return errors.New("source.account_id is required")
	}
	if c.Sync.PollInterval <= 0 {
		return errors.New("sync.poll_interval must be positive")
	}
	if c.Sync.RunTimeout <= 0 {
		return errors.New("sync.run_timeout must be positive")
	}
	if c.Sync.CursorOverlap < 0 {
		return errors.New("sync.cursor_overlap must not be negative")
	}
	return nil
}

// DBPath returns the sqlite database path inside the data dir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "mirror.db") }

// LogPath returns the daemon log file path inside the data dir.
func (c *Config) LogPath() string { return filepath.Join(c.DataDir, "igrelayd.log") }
