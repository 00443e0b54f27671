// Package config loads graftpunk configuration from a YAML file overlaid by
// GRAFTPUNK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
	"github.com/stavxyz/graftpunk-sub002/pkg/storage"
	"github.com/stavxyz/graftpunk-sub002/pkg/tokens"
)

// Environment variables read by Load.
const (
	EnvConfigDir        = "GRAFTPUNK_CONFIG_DIR"
	EnvStorageBackend   = "GRAFTPUNK_STORAGE_BACKEND"
	EnvSessionTTLHours  = "GRAFTPUNK_SESSION_TTL_HOURS"
	EnvRedisAddr        = "GRAFTPUNK_REDIS_ADDR"
	EnvRedisPassword    = "GRAFTPUNK_REDIS_PASSWORD"
	EnvS3Bucket         = "GRAFTPUNK_S3_BUCKET"
	EnvS3Endpoint       = "GRAFTPUNK_S3_ENDPOINT"
	EnvFirestoreProject = "GRAFTPUNK_FIRESTORE_PROJECT"
)

const (
	// FileName is the config file looked up in the config directory.
	FileName = "config.yaml"
	// DefaultSessionTTLHours is the session lifetime when none is configured.
	DefaultSessionTTLHours = 24
)

// Config is the complete graftpunk configuration.
type Config struct {
	// ConfigDir holds the config file, the vault key and file sessions.
	ConfigDir string `yaml:"config_dir"`

	// SessionTTLHours is the lifetime of newly captured sessions. Zero
	// disables expiry.
	SessionTTLHours float64 `yaml:"session_ttl_hours"`

	Storage storage.Config `yaml:"storage"`
	Replay  ReplayConfig   `yaml:"replay"`

	// Sites holds per-session settings keyed by session name.
	Sites map[string]SiteConfig `yaml:"sites"`
}

// ReplayConfig tunes replayed requests.
type ReplayConfig struct {
	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout"`
	// RetriesPerMinute and RetryBurst bound 403-triggered token refreshes.
	// Zero RetriesPerMinute turns the refresh retry off.
	RetriesPerMinute float64 `yaml:"retries_per_minute"`
	RetryBurst       int     `yaml:"retry_burst"`
}

// SiteConfig describes one site a session authenticates against.
type SiteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Tokens  []tokens.Rule `yaml:"tokens"`
	Login   *LoginSpec    `yaml:"login,omitempty"`
}

// LoginSpec is the file form of a LoginConfig.
type LoginSpec struct {
	URL     string            `yaml:"url"`
	Fields  map[string]string `yaml:"fields"`
	Submit  string            `yaml:"submit"`
	Success string            `yaml:"success,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// DefaultConfigDir returns ~/.config/graftpunk, or a relative fallback when
// the home directory is unknown.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".graftpunk"
	}
	return filepath.Join(home, ".config", "graftpunk")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dir := DefaultConfigDir()
	return &Config{
		ConfigDir:       dir,
		SessionTTLHours: DefaultSessionTTLHours,
		Storage:         storage.DefaultConfig(dir),
		Replay: ReplayConfig{
			Timeout:          30 * time.Second,
			RetriesPerMinute: 10,
			RetryBurst:       5,
		},
	}
}

// Load reads the config file at path, or <config dir>/config.yaml when path
// is empty, then applies environment overrides and validates the result.
// A missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		cfg.ConfigDir = dir
		cfg.Storage = storage.DefaultConfig(dir)
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.ConfigDir, FileName)
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := readYAML(f, DefaultYAMLLimits(), cfg); err != nil {
			return nil, errs.New(errs.KindConfig, "config load", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, errs.New(errs.KindConfig, "config load", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == storage.BackendFile && cfg.Storage.Dir == "" {
		cfg.Storage.Dir = filepath.Join(cfg.ConfigDir, "sessions")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvStorageBackend); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv(EnvSessionTTLHours); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errs.Newf(errs.KindConfig, "config env", EnvSessionTTLHours, "not a number: %q", v)
		}
		c.SessionTTLHours = hours
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv(EnvS3Bucket); v != "" {
		c.Storage.S3.Bucket = v
	}
	if v := os.Getenv(EnvS3Endpoint); v != "" {
		c.Storage.S3.Endpoint = v
	}
	if v := os.Getenv(EnvFirestoreProject); v != "" {
		c.Storage.Firestore.ProjectID = v
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	const op = "config validate"
	if c.SessionTTLHours < 0 {
		return errs.Newf(errs.KindConfig, op, "session_ttl_hours", "must not be negative")
	}
	if c.Replay.Timeout < 0 {
		return errs.Newf(errs.KindConfig, op, "replay.timeout", "must not be negative")
	}
	if c.Replay.RetriesPerMinute < 0 {
		return errs.Newf(errs.KindConfig, op, "replay.retries_per_minute", "must not be negative")
	}
	if c.Replay.RetriesPerMinute > 0 && c.Replay.RetryBurst <= 0 {
		return errs.Newf(errs.KindConfig, op, "replay.retry_burst", "must be positive when retries_per_minute is set")
	}

	switch c.Storage.Backend {
	case "", storage.BackendFile, storage.BackendMemory:
	case storage.BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return errs.Newf(errs.KindConfig, op, "storage.redis.addr", "required for the redis backend")
		}
	case storage.BackendFirestore:
		if c.Storage.Firestore.ProjectID == "" {
			return errs.Newf(errs.KindConfig, op, "storage.firestore.project_id", "required for the firestore backend")
		}
	case storage.BackendS3:
		if c.Storage.S3.Bucket == "" {
			return errs.Newf(errs.KindConfig, op, "storage.s3.bucket", "required for the s3 backend")
		}
	default:
		return errs.Newf(errs.KindConfig, op, "storage.backend", "unknown backend %q", c.Storage.Backend)
	}

	for _, name := range c.SiteNames() {
		site := c.Sites[name]
		if err := storage.ValidateName(name); err != nil {
			return errs.New(errs.KindConfig, op, name, err)
		}
		if site.BaseURL != "" {
			u, err := url.Parse(site.BaseURL)
			if err != nil || !u.IsAbs() {
				return errs.Newf(errs.KindConfig, op, name, "base_url %q must be absolute", site.BaseURL)
			}
		}
		if _, err := site.TokenConfig(); err != nil {
			return errs.New(errs.KindConfig, op, name, err)
		}
		if site.Login != nil {
			if _, err := site.LoginConfig(); err != nil {
				return errs.New(errs.KindConfig, op, name, err)
			}
		}
	}
	return nil
}

// SiteNames returns the configured site names, sorted.
func (c *Config) SiteNames() []string {
	names := make([]string, 0, len(c.Sites))
	for name := range c.Sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Site returns the settings for session name. Unknown names get a zero
// SiteConfig.
func (c *Config) Site(name string) SiteConfig {
	return c.Sites[name]
}

// TokenConfig validates the site's token rules.
func (s SiteConfig) TokenConfig() (tokens.Config, error) {
	return tokens.NewConfig(s.Tokens...)
}

// LoginConfig validates the site's login settings.
func (s SiteConfig) LoginConfig() (LoginConfig, error) {
	if s.Login == nil {
		return LoginConfig{}, fmt.Errorf("no login configured")
	}
	lc, err := NewLoginConfig(s.Login.URL, s.Login.Fields, s.Login.Submit)
	if err != nil {
		return LoginConfig{}, err
	}
	if s.Login.Success != "" {
		lc = lc.WithSuccess(s.Login.Success)
	}
	if s.Login.Timeout > 0 {
		lc = lc.WithTimeout(s.Login.Timeout)
	}
	return lc, nil
}

// Save writes cfg to path as YAML with owner-only permissions.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
