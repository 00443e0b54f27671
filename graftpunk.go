// Package graftpunk persists authenticated browser sessions and replays
// requests with them.
//
// A Client ties the pieces together from a config.Config: the vault key in
// the config directory, the configured storage backend, the encrypted
// session cache and per-site replay settings.
package graftpunk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stavxyz/graftpunk-sub002/pkg/config"
	"github.com/stavxyz/graftpunk-sub002/pkg/replay"
	"github.com/stavxyz/graftpunk-sub002/pkg/session"
	"github.com/stavxyz/graftpunk-sub002/pkg/storage"
	"github.com/stavxyz/graftpunk-sub002/pkg/tokens"
	"github.com/stavxyz/graftpunk-sub002/pkg/vault"
)

// Client is the entry point for capturing, storing and replaying sessions.
type Client struct {
	cfg     *config.Config
	backend storage.Backend
	cache   *session.Cache
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	backend storage.Backend
	vault   *vault.Vault
	now     func() time.Time
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBackend uses b instead of opening cfg.Storage. The Client still
// closes it.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithVault uses v instead of loading the key from the config directory.
func WithVault(v *vault.Vault) Option {
	return func(o *options) { o.vault = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open builds a Client from cfg.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{logger: zap.NewNop(), now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}

	v := o.vault
	if v == nil {
		var err error
		if v, err = vault.Load(cfg.ConfigDir); err != nil {
			return nil, fmt.Errorf("load vault key: %w", err)
		}
	}

	backend := o.backend
	if backend == nil {
		var err error
		if backend, err = storage.New(ctx, cfg.Storage, storage.WithLogger(o.logger)); err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	o.logger.Debug("client opened",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("key_source", v.Source()))

	return &Client{
		cfg:     cfg,
		backend: backend,
		cache:   session.NewCache(v, backend, session.WithLogger(o.logger), session.WithClock(o.now)),
		logger:  o.logger,
		now:     o.now,
	}, nil
}

// Config returns the configuration the Client was opened with.
func (c *Client) Config() *config.Config { return c.cfg }

// Cache returns the encrypted session cache.
func (c *Client) Cache() *session.Cache { return c.cache }

// Close releases the storage backend.
func (c *Client) Close() error {
	return c.backend.Close()
}

// siteOptions maps a site's configuration onto replay options.
func (c *Client) siteOptions(name string) ([]replay.Option, error) {
	site := c.cfg.Site(name)
	rules, err := site.TokenConfig()
	if err != nil {
		return nil, fmt.Errorf("site %q tokens: %w", name, err)
	}
	opts := []replay.Option{
		replay.WithLogger(c.logger.With(zap.String("session", name))),
		replay.WithTokenRules(rules),
		replay.WithTimeout(c.cfg.Replay.Timeout),
		replay.WithRetryBudget(replay.NewRetryBudget(c.cfg.Replay.RetriesPerMinute, c.cfg.Replay.RetryBurst)),
		replay.WithClock(c.now),
		replay.WithAutosave(c.cache, name),
	}
	if site.BaseURL != "" {
		opts = append(opts, replay.WithBaseURL(site.BaseURL))
	}
	return opts, nil
}

// Replay loads session name and returns a replay Session configured from
// its site settings. Later options override the site's.
func (c *Client) Replay(ctx context.Context, name string, opts ...replay.Option) (*replay.Session, error) {
	st, err := c.cache.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	base, err := c.siteOptions(name)
	if err != nil {
		return nil, err
	}
	return replay.New(st, append(base, opts...)...)
}

// StoreOption configures Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	fetcher tokens.PageFetcher
}

// WithPageFetcher extracts page-sourced tokens through f, such as a browser
// backed fetcher, instead of plain HTTP.
func WithPageFetcher(f tokens.PageFetcher) StoreOption {
	return func(o *storeOptions) { o.fetcher = f }
}

// Store turns a capture into session state, fills in the site's tokens and
// saves it under name. Token extraction failures are logged and never
// prevent the save.
func (c *Client) Store(ctx context.Context, name string, capture session.Capture, opts ...StoreOption) (*session.State, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	var so storeOptions
	for _, opt := range opts {
		opt(&so)
	}

	st := session.FromCapture(capture, c.now(), c.cfg.SessionTTLHours)
	ropts, err := c.siteOptions(name)
	if err != nil {
		return nil, err
	}
	if so.fetcher != nil {
		ropts = append(ropts, replay.WithPageFetcher(so.fetcher))
	}
	rs, err := replay.New(st, ropts...)
	if err != nil {
		return nil, err
	}
	rs.SeedTokens(capture.RawTokens)
	if failed := rs.WarmTokens(ctx); len(failed) > 0 {
		c.logger.Warn("session saved without some tokens",
			zap.String("session", name),
			zap.Strings("tokens", failed))
	}

	if err := rs.Save(ctx); err != nil {
		return nil, err
	}
	return rs.State(), nil
}
