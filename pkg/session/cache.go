package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stavxyz/graftpunk-sub002/internal/observability"
	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
	metrics "github.com/stavxyz/graftpunk-sub002/pkg/observability"
	"github.com/stavxyz/graftpunk-sub002/pkg/storage"
	"github.com/stavxyz/graftpunk-sub002/pkg/vault"
)

// Cache encrypts, checksums and stores session state by name.
// Cache holds no per-session state and is safe for concurrent use; concurrent
// saves to the same name race in the backend and the last write wins.
type Cache struct {
	vault   *vault.Vault
	backend storage.Backend
	now     func() time.Time
	logger  *zap.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source used for timestamps and TTL checks.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(l *zap.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCache creates a Cache over v and backend.
func NewCache(v *vault.Vault, backend storage.Backend, opts ...CacheOption) *Cache {
	c := &Cache{
		vault:   v,
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backend returns the underlying storage backend.
func (c *Cache) Backend() storage.Backend {
	return c.backend
}

// LoadOption adjusts a single Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	allowExpired bool
}

// AllowExpired returns expired sessions instead of failing, for inspection.
func AllowExpired() LoadOption {
	return func(o *loadOptions) { o.allowExpired = true }
}

// Save serializes st, checksums and encrypts it, and stores it under name,
// replacing any existing record. Save stamps st.Metadata: ModifiedAt is set
// to now, CreatedAt to now if unset, CookieDomains from the cookies, and
// Domain from the cookies if unset.
func (c *Cache) Save(ctx context.Context, name string, st *State) (id string, err error) {
	const op = "session save"
	ctx, span := observability.StartSpan(ctx, "session.save", attribute.String("session", name))
	defer func() {
		span.End(err)
		recordCacheOp("save", err)
	}()

	if st == nil {
		return "", errs.Newf(errs.KindConfig, op, name, "state is nil")
	}

	now := c.now()
	if st.Metadata.CreatedAt.IsZero() {
		st.Metadata.CreatedAt = now
	}
	st.Metadata.ModifiedAt = now
	st.Metadata.CookieDomains = st.CookieDomains()
	if st.Metadata.Domain == "" {
		st.Metadata.Domain = st.InferDomain()
	}
	if st.Version == 0 {
		st.Version = StateVersion
	}

	plaintext, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("%s %q: encode state: %w", op, name, err)
	}
	checksum := vault.Checksum(plaintext)
	ciphertext, err := c.vault.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("%s %q: %w", op, name, err)
	}

	meta := &storage.Metadata{
		Domain:        st.Metadata.Domain,
		CookieCount:   len(st.Cookies),
		CookieDomains: st.Metadata.CookieDomains,
		Status:        storage.StatusActive,
		CreatedAt:     st.Metadata.CreatedAt,
		ModifiedAt:    st.Metadata.ModifiedAt,
		TTLHours:      st.Metadata.TTLHours,
		Checksum:      checksum,
	}
	id, err = c.backend.Save(ctx, name, ciphertext, meta)
	if err != nil {
		return "", err
	}

	c.logger.Debug("session saved",
		zap.String("session", name),
		zap.String("record_id", id),
		zap.Int("cookies", len(st.Cookies)))
	return id, nil
}

// Load reads, decrypts and verifies the session stored under name.
//
// The checksum is verified against the decrypted plaintext before decoding;
// a mismatch fails with errs.KindIntegrity. A missing session fails with
// errs.KindNotFound and one past its TTL with errs.KindExpired unless
// AllowExpired is given. Load never writes to the backend.
func (c *Cache) Load(ctx context.Context, name string, opts ...LoadOption) (st *State, err error) {
	const op = "session load"
	ctx, span := observability.StartSpan(ctx, "session.load", attribute.String("session", name))
	defer func() {
		span.End(err)
		recordCacheOp("load", err)
	}()

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	ciphertext, meta, err := c.backend.Load(ctx, name)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.vault.Decrypt(ciphertext)
	if err != nil {
		return nil, errs.New(errs.KindIntegrity, op, name, err)
	}
	if !vault.VerifyChecksum(plaintext, meta.Checksum) {
		return nil, errs.Newf(errs.KindIntegrity, op, name, "checksum mismatch")
	}

	st = &State{}
	if err := json.Unmarshal(plaintext, st); err != nil {
		return nil, errs.New(errs.KindIntegrity, op, name, fmt.Errorf("decode state: %w", err))
	}
	if st.Version > StateVersion {
		return nil, errs.Newf(errs.KindConfig, op, name, "state version %d is newer than supported version %d", st.Version, StateVersion)
	}

	now := c.now()
	if st.Expired(now) {
		if !o.allowExpired {
			age := now.Sub(st.Metadata.CreatedAt).Round(time.Second)
			return nil, errs.Newf(errs.KindExpired, op, name, "created %s ago, ttl %s", age, st.TTL())
		}
		c.logger.Warn("loaded expired session for inspection", zap.String("session", name))
	}
	return st, nil
}

// Delete removes the session stored under name and reports whether it existed.
func (c *Cache) Delete(ctx context.Context, name string) (existed bool, err error) {
	defer func() { recordCacheOp("delete", err) }()
	return c.backend.Delete(ctx, name)
}

// List returns the stored session names, sorted.
func (c *Cache) List(ctx context.Context) ([]string, error) {
	metas, err := c.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(metas))
	for i, m := range metas {
		names[i] = m.Name
	}
	return names, nil
}

// Info returns the plaintext metadata of every session, with Status computed
// against the current time. No ciphertext is decrypted.
func (c *Cache) Info(ctx context.Context) ([]*storage.Metadata, error) {
	metas, err := c.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	for _, m := range metas {
		m.Status = storage.StatusActive
		if m.Expired(now) {
			m.Status = storage.StatusExpired
		}
	}
	return metas, nil
}

// Prune deletes every session whose plaintext metadata reports it expired
// and returns the deleted names.
func (c *Cache) Prune(ctx context.Context) ([]string, error) {
	metas, err := c.Info(ctx)
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, m := range metas {
		if m.Status != storage.StatusExpired {
			continue
		}
		existed, err := c.backend.Delete(ctx, m.Name)
		if err != nil {
			return pruned, err
		}
		if existed {
			pruned = append(pruned, m.Name)
			c.logger.Info("pruned expired session", zap.String("session", m.Name))
		}
	}
	return pruned, nil
}

func recordCacheOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = errs.KindOf(err).String()
	}
	metrics.RecordCacheOperation(op, result)
}
