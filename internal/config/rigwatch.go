// Package config loads rigwatch's TOML configuration with environment
// overrides for the settings that vary between deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFile is the configuration file name looked up in the state dir
// and the current directory.
const DefaultFile = "rigwatch.toml"

// Config is the full daemon configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Poller PollerConfig `toml:"poller"`
	Tools  ToolsConfig  `toml:"tools"`
	State  StateConfig  `toml:"state"`
	Log    LogConfig    `toml:"log"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	Port int    `toml:"port"`
}

type PollerConfig struct {
	IntervalMs    int      `toml:"interval_ms"`
	Workers       int      `toml:"workers"`
	Rigs          []string `toml:"rigs"`
	RemovalMisses int      `toml:"removal_misses"`
}

type ToolsConfig struct {
	GTBin         string `toml:"gt_bin"`
	BDBin         string `toml:"bd_bin"`
	ExecTimeoutMs int    `toml:"exec_timeout_ms"`
	KillGraceMs   int    `toml:"kill_grace_ms"`
}

type StateConfig struct {
	Dir string `toml:"dir"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: "127.0.0.1", Port: 7432},
		Poller: PollerConfig{
			IntervalMs:    5000,
			Workers:       8,
			RemovalMisses: 2,
		},
		Tools: ToolsConfig{
			GTBin:         "gt",
			BDBin:         "bd",
			ExecTimeoutMs: 10000,
			KillGraceMs:   500,
		},
		State: StateConfig{Dir: defaultStateDir()},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads the config file if present, then applies environment
// overrides. A missing file just means defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{
		DefaultFile,
		filepath.Join(defaultStateDir(), DefaultFile),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rigwatch"
	}
	return filepath.Join(home, ".rigwatch")
}

// applyEnv lets deployments override the common knobs without a file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RIGWATCH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("RIGWATCH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RIGWATCH_STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	if v := os.Getenv("RIGWATCH_GT_BIN"); v != "" {
		cfg.Tools.GTBin = v
	}
	if v := os.Getenv("RIGWATCH_BD_BIN"); v != "" {
		cfg.Tools.BDBin = v
	}
	if v := os.Getenv("RIGWATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// PollInterval returns the poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalMs) * time.Millisecond
}

// ExecTimeout returns the tool invocation timeout.
func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.Tools.ExecTimeoutMs) * time.Millisecond
}

// KillGrace returns how long a stuck child gets before force-kill.
func (c Config) KillGrace() time.Duration {
	return time.Duration(c.Tools.KillGraceMs) * time.Millisecond
}

// ListenAddr joins addr and port for net/http.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Addr, c.Server.Port)
}
