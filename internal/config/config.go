package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/kamusis/nix-query/internal/cachestore"
	"github.com/kamusis/nix-query/internal/pkgmeta"
)

// Keys read from the process environment or ~/.nix-query/.env.
const (
	EnvChannel     = "NIX_QUERY_CHANNEL"
	EnvCacheDir    = "NIX_QUERY_CACHE_DIR"
	EnvEvalTimeout = "NIX_QUERY_EVAL_TIMEOUT"
	EnvDebug       = "NIX_QUERY_DEBUG"
	EnvLogLevel    = "NIX_QUERY_LOG_LEVEL"
	EnvLogFormat   = "NIX_QUERY_LOG_FORMAT"
)

// Channel is a named package set entry in config.yaml.
type Channel struct {
	Name       string   `yaml:"name"`
	Root       string   `yaml:"root"`
	ExtraAttrs []string `yaml:"extra_attrs,omitempty"`
}

// Config is the in-memory representation of ~/.nix-query/config.yaml.
type Config struct {
	DefaultChannel string    `yaml:"default_channel"`
	Channels       []Channel `yaml:"channels,omitempty"`
	CacheDir       string    `yaml:"cache_dir,omitempty"`
	EvalTimeout    string    `yaml:"eval_timeout,omitempty"`
	Evaluator      string    `yaml:"evaluator,omitempty"`
}

// Dir returns the absolute path to ~/.nix-query/.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".nix-query"), nil
}

// ConfigPath returns the absolute path to ~/.nix-query/config.yaml.
func ConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot expand ~: %w", err)
	}
	return filepath.Join(home, p[1:]), nil
}

// DefaultConfig returns the configuration used when no config file exists.
// The default channels also evaluate the package sets nix-env skips at the
// top level.
func DefaultConfig() *Config {
	return &Config{
		DefaultChannel: "nixpkgs",
		Channels: []Channel{
			{Name: "nixpkgs", Root: "<nixpkgs>", ExtraAttrs: []string{"nodePackages", "haskellPackages"}},
			{Name: "nixos", Root: "<nixos>", ExtraAttrs: []string{"nodePackages", "haskellPackages"}},
		},
		Evaluator: "nix-env",
	}
}

// Load reads and validates ~/.nix-query/config.yaml. A missing file yields
// DefaultConfig.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "invalid config %s", path)
	}
	return cfg, nil
}

// Parse decodes and validates a config document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "nixpkgs"
	}
	if cfg.Evaluator == "" {
		cfg.Evaluator = "nix-env"
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultConfig().Channels
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks channel entries and the timeout.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Channels))
	for i, ch := range c.Channels {
		if strings.TrimSpace(ch.Name) == "" {
			return platformerrors.Newf(platformerrors.CodeInvalidConfig, "channels[%d]: name is required", i)
		}
		if strings.TrimSpace(ch.Root) == "" {
			return platformerrors.Newf(platformerrors.CodeInvalidConfig, "channel %s: root is required", ch.Name)
		}
		if _, dup := seen[ch.Name]; dup {
			return platformerrors.Newf(platformerrors.CodeInvalidConfig, "channel %s is defined twice", ch.Name)
		}
		seen[ch.Name] = struct{}{}
	}
	if c.EvalTimeout != "" {
		if _, err := parseTimeout(c.EvalTimeout); err != nil {
			return platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "eval_timeout")
		}
	}
	return nil
}

// Save marshals cfg and writes it to ~/.nix-query/config.yaml.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write config %s: %w", path, err)
	}
	return nil
}

// ChannelNames lists the configured channel names in sorted order.
func (c *Config) ChannelNames() []string {
	out := make([]string, 0, len(c.Channels))
	for _, ch := range c.Channels {
		out = append(out, ch.Name)
	}
	sort.Strings(out)
	return out
}

// ResolveChannel picks the channel for this run: the flag value, then
// NIX_QUERY_CHANNEL, then default_channel. A name that is not configured
// but looks like a path is used as an ad-hoc channel rooted there.
func (c *Config) ResolveChannel(flag string) (pkgmeta.Channel, error) {
	name := strings.TrimSpace(flag)
	if name == "" {
		v, err := GetConfigValue(EnvChannel)
		if err != nil {
			return pkgmeta.Channel{}, err
		}
		name = strings.TrimSpace(v)
	}
	if name == "" {
		name = c.DefaultChannel
	}

	for _, ch := range c.Channels {
		if ch.Name == name {
			root, err := expandRoot(ch.Root)
			if err != nil {
				return pkgmeta.Channel{}, err
			}
			return pkgmeta.Channel{Name: ch.Name, Root: root, ExtraAttrs: ch.ExtraAttrs}, nil
		}
	}

	if looksLikePath(name) {
		p, err := ExpandPath(name)
		if err != nil {
			return pkgmeta.Channel{}, err
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return pkgmeta.Channel{}, fmt.Errorf("cannot resolve %s: %w", name, err)
		}
		return pkgmeta.Channel{Name: abs, Root: abs}, nil
	}
	if strings.HasPrefix(name, "<") && strings.HasSuffix(name, ">") {
		return pkgmeta.Channel{Name: strings.Trim(name, "<>"), Root: name}, nil
	}
	return pkgmeta.Channel{}, platformerrors.Newf(platformerrors.CodeNotFound,
		"unknown channel %q (configured: %s)", name, strings.Join(c.ChannelNames(), ", "))
}

func expandRoot(root string) (string, error) {
	if looksLikePath(root) {
		return ExpandPath(root)
	}
	return root, nil
}

func looksLikePath(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") ||
		strings.HasPrefix(s, "~") || s == "." || filepath.IsAbs(s)
}

// ResolveCacheDir returns NIX_QUERY_CACHE_DIR, then cache_dir, then the
// per-user cache directory.
func (c *Config) ResolveCacheDir() (string, error) {
	dir, err := GetConfigValue(EnvCacheDir)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = c.CacheDir
	}
	if dir == "" {
		return cachestore.DefaultDir()
	}
	return ExpandPath(dir)
}

// ResolveEvalTimeout returns NIX_QUERY_EVAL_TIMEOUT, then eval_timeout.
// Zero means the evaluator default.
func (c *Config) ResolveEvalTimeout() (time.Duration, error) {
	v, err := GetConfigValue(EnvEvalTimeout)
	if err != nil {
		return 0, err
	}
	if v == "" {
		v = c.EvalTimeout
	}
	if v == "" {
		return 0, nil
	}
	d, err := parseTimeout(v)
	if err != nil {
		return 0, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "%s", EnvEvalTimeout)
	}
	return d, nil
}

func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", s)
	}
	return d, nil
}

// DebugEnabled reports whether NIX_QUERY_DEBUG is set to a true value.
func DebugEnabled() bool {
	v, err := GetConfigValue(EnvDebug)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
