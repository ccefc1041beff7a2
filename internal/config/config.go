// Package config loads daemon configuration from a YAML or TOML file with
// environment variable overrides.
//
// Precedence, lowest to highest: built-in defaults, config file, REPOSYNC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Errors returned by configuration loading.
var (
	// ErrUnsupportedFormat indicates a config file extension that is
	// neither YAML nor TOML.
	ErrUnsupportedFormat = errors.New("unsupported config file format")

	// ErrInvalidMode indicates a mode outside local, host, viewer, relay.
	ErrInvalidMode = errors.New("invalid mode")
)

// Mode selects the node's topology role.
type Mode string

const (
	// ModeLocal runs standalone with no peers.
	ModeLocal Mode = "local"
	// ModeHost serves a downstream viewer.
	ModeHost Mode = "host"
	// ModeViewer holds no local repositories and follows an upstream.
	ModeViewer Mode = "viewer"
	// ModeRelay is authoritative locally and also serves a downstream
	// while following an upstream for admin requests.
	ModeRelay Mode = "relay"
)

// envPrefix is the prefix for environment overrides.
const envPrefix = "REPOSYNC_"

// maxConfigFileBytes caps config file size.
const maxConfigFileBytes = 1 << 20

// Config is the daemon configuration.
type Config struct {
	// WorkspaceRoot is the directory scanned for git repositories.
	WorkspaceRoot string `yaml:"workspace_root" toml:"workspace_root"`

	// Mode selects the topology role.
	Mode Mode `yaml:"mode" toml:"mode"`

	// Listen is the address served to a downstream peer, host and relay
	// modes only. "127.0.0.1:0" picks a free port.
	Listen string `yaml:"listen" toml:"listen"`

	// Upstream is the host URL to follow, viewer and relay modes only.
	Upstream string `yaml:"upstream" toml:"upstream"`

	// GitEnv holds extra KEY=VALUE entries for every git invocation,
	// e.g. GIT_SSH_COMMAND.
	GitEnv []string `yaml:"git_env" toml:"git_env"`

	// Debounce is the scanner settle window.
	Debounce time.Duration `yaml:"debounce" toml:"debounce"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		WorkspaceRoot: ".",
		Mode:          ModeLocal,
		Listen:        "127.0.0.1:7420",
		Debounce:      75 * time.Millisecond,
		LogLevel:      "info",
	}
}

// Load builds the configuration from an optional file path and the
// environment. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile merges one YAML or TOML file into cfg.
func loadFile(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if info.Size() > maxConfigFileBytes {
		return fmt.Errorf("config file %s exceeds %d bytes", path, int64(maxConfigFileBytes))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	return nil
}

// applyEnv overlays REPOSYNC_* environment variables.
func applyEnv(cfg *Config) {
	if v, ok := lookup("WORKSPACE_ROOT"); ok {
		cfg.WorkspaceRoot = v
	}
	if v, ok := lookup("MODE"); ok {
		cfg.Mode = Mode(strings.ToLower(v))
	}
	if v, ok := lookup("LISTEN"); ok {
		cfg.Listen = v
	}
	if v, ok := lookup("UPSTREAM"); ok {
		cfg.Upstream = v
	}
	if v, ok := lookup("GIT_ENV"); ok {
		cfg.GitEnv = splitList(v)
	}
	if v, ok := lookup("DEBOUNCE_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.Debounce = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = strings.ToLower(v)
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// splitList splits a comma-separated environment value, trimming blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal, ModeHost, ModeViewer, ModeRelay:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}

	if c.Mode == ModeViewer || c.Mode == ModeRelay {
		if c.Upstream == "" {
			return fmt.Errorf("mode %s requires an upstream URL", c.Mode)
		}
	}
	if c.Mode == ModeHost || c.Mode == ModeRelay {
		if c.Listen == "" {
			return fmt.Errorf("mode %s requires a listen address", c.Mode)
		}
	}
	if c.Mode != ModeViewer && c.WorkspaceRoot == "" {
		return errors.New("workspace_root must not be empty")
	}

	for _, entry := range c.GitEnv {
		if !strings.Contains(entry, "=") {
			return fmt.Errorf("git_env entry %q is not KEY=VALUE", entry)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// HasUpstream reports whether this node follows an upstream peer.
func (c *Config) HasUpstream() bool {
	return c.Mode == ModeViewer || c.Mode == ModeRelay
}

// HasDownstream reports whether this node serves a downstream peer.
func (c *Config) HasDownstream() bool {
	return c.Mode == ModeHost || c.Mode == ModeRelay
}
