// Package config loads the gorepl server configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Addr string
	CORS bool

	ExecTimeout   time.Duration
	ReadTimeout   time.Duration
	InitTimeout   time.Duration
	SessionTTL    time.Duration
	SweepInterval time.Duration
	PollWait      time.Duration

	PackageDir    string
	PackageIndex  string
	WorkerCommand []string
	LogLevel      string
}

func Default() Config {
	return Config{
		Addr:          "127.0.0.1:5000",
		CORS:          true,
		ExecTimeout:   30 * time.Second,
		ReadTimeout:   35 * time.Second,
		InitTimeout:   120 * time.Second,
		SessionTTL:    time.Hour,
		SweepInterval: 60 * time.Second,
		PollWait:      100 * time.Millisecond,
		PackageDir:    ".gorepl/packages",
		LogLevel:      "info",
	}
}

type fileConfig struct {
	Addr          string   `toml:"addr"`
	CORS          bool     `toml:"cors"`
	ExecTimeout   string   `toml:"exec_timeout"`
	ReadTimeout   string   `toml:"read_timeout"`
	InitTimeout   string   `toml:"init_timeout"`
	SessionTTL    string   `toml:"session_ttl"`
	SweepInterval string   `toml:"sweep_interval"`
	PollWait      string   `toml:"poll_wait"`
	PackageDir    string   `toml:"package_dir"`
	PackageIndex  string   `toml:"package_index"`
	WorkerCommand []string `toml:"worker_command"`
	LogLevel      string   `toml:"log_level"`
}

// Load overlays the TOML file at path onto Default. Keys absent from the
// file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("cors") {
		cfg.CORS = raw.CORS
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"exec_timeout", raw.ExecTimeout, &cfg.ExecTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"init_timeout", raw.InitTimeout, &cfg.InitTimeout},
		{"session_ttl", raw.SessionTTL, &cfg.SessionTTL},
		{"sweep_interval", raw.SweepInterval, &cfg.SweepInterval},
		{"poll_wait", raw.PollWait, &cfg.PollWait},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("package_dir") {
		cfg.PackageDir = strings.TrimSpace(raw.PackageDir)
	}
	if meta.IsDefined("package_index") {
		cfg.PackageIndex = strings.TrimSpace(raw.PackageIndex)
	}
	if meta.IsDefined("worker_command") {
		cfg.WorkerCommand = raw.WorkerCommand
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return cfg, nil
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	for name, d := range map[string]time.Duration{
		"exec_timeout":   c.ExecTimeout,
		"read_timeout":   c.ReadTimeout,
		"init_timeout":   c.InitTimeout,
		"session_ttl":    c.SessionTTL,
		"sweep_interval": c.SweepInterval,
		"poll_wait":      c.PollWait,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.ReadTimeout <= c.ExecTimeout {
		return fmt.Errorf("read_timeout (%s) must exceed exec_timeout (%s)", c.ReadTimeout, c.ExecTimeout)
	}
	if c.PackageDir == "" {
		return errors.New("package_dir is required")
	}
	return nil
}
