package session

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
	"github.com/stavxyz/graftpunk-sub002/pkg/storage"
	"github.com/stavxyz/graftpunk-sub002/pkg/vault"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, vault.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCache(t *testing.T, backend storage.Backend) (*Cache, *clock) {
	t.Helper()
	clk := &clock{now: t0}
	return NewCache(testVault(t), backend, WithClock(clk.Now)), clk
}

func sampleState() *State {
	exp := t0.Add(30 * 24 * time.Hour)
	st := New(t0, 24)
	st.Cookies = []Cookie{
		{Name: "sid", Value: "s3cr3t", Domain: ".acme.com", Path: "/", Secure: true, HTTPOnly: true, Expires: &exp},
		{Name: "csrftoken", Value: "tok", Domain: "app.acme.com", Path: "/"},
		{Name: "pref", Value: "dark", Domain: ".acme.com", Path: "/settings", SameSite: "Lax"},
	}
	st.SetProfile(headers.XHR, headers.Set{
		{Name: "Accept", Value: "application/json"},
		{Name: "X-Requested-With", Value: "XMLHttpRequest"},
		{Name: "User-Agent", Value: "Mozilla/5.0 Test"},
	})
	st.SetProfile(headers.Navigation, headers.Set{
		{Name: "Upgrade-Insecure-Requests", Value: "1"},
		{Name: "Accept", Value: "text/html"},
	})
	st.SetToken("X-CSRF-Token", CachedToken{Value: "T1", ExtractedAt: t0, TTLSeconds: 300})
	return st
}

func TestCache_RoundTrip(t *testing.T) {
	cache, clk := newTestCache(t, storage.NewMemoryBackend())
	ctx := context.Background()
	st := sampleState()

	id, err := cache.Save(ctx, "acme", st)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	clk.Advance(time.Minute)
	got, err := cache.Load(ctx, "acme")
	require.NoError(t, err)

	if diff := cmp.Diff(st, got); diff != "" {
		t.Errorf("round trip mismatch (-saved +loaded):\n%s", diff)
	}
	assert.Equal(t, []string{"Accept", "X-Requested-With", "User-Agent"}, got.HeaderProfiles[headers.XHR].Names())
}

func TestCache_SaveStampsMetadata(t *testing.T) {
	backend := storage.NewMemoryBackend()
	cache, clk := newTestCache(t, backend)
	ctx := context.Background()
	st := sampleState()

	_, err := cache.Save(ctx, "acme", st)
	require.NoError(t, err)
	assert.Equal(t, "acme.com", st.Metadata.Domain)
	assert.Equal(t, []string{".acme.com", "app.acme.com"}, st.Metadata.CookieDomains)
	assert.True(t, st.Metadata.ModifiedAt.Equal(t0))

	clk.Advance(10 * time.Minute)
	_, err = cache.Save(ctx, "acme", st)
	require.NoError(t, err)
	assert.True(t, st.Metadata.ModifiedAt.Equal(t0.Add(10*time.Minute)))
	assert.True(t, st.Metadata.CreatedAt.Equal(t0), "CreatedAt must not move on re-save")

	_, meta, err := backend.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, meta.CookieCount)
	assert.Equal(t, "acme.com", meta.Domain)
	assert.Equal(t, storage.StatusActive, meta.Status)
	assert.NotEmpty(t, meta.Checksum)
}

func TestCache_ZeroCookieStateIsValid(t *testing.T) {
	cache, _ := newTestCache(t, storage.NewMemoryBackend())
	ctx := context.Background()
	st := New(t0, 1)
	st.SetToken("Authorization", CachedToken{Value: "Bearer abc", ExtractedAt: t0})

	_, err := cache.Save(ctx, "header-only", st)
	require.NoError(t, err)

	got, err := cache.Load(ctx, "header-only")
	require.NoError(t, err)
	assert.Empty(t, got.Cookies)
	assert.Equal(t, "Bearer abc", got.TokenCache["Authorization"].Value)
}

// tamperBackend corrupts records on the way out of the wrapped backend.
type tamperBackend struct {
	storage.Backend
	mutate func(ciphertext []byte, meta *storage.Metadata)
}

func (b *tamperBackend) Load(ctx context.Context, name string) ([]byte, *storage.Metadata, error) {
	ciphertext, meta, err := b.Backend.Load(ctx, name)
	if err == nil && b.mutate != nil {
		b.mutate(ciphertext, meta)
	}
	return ciphertext, meta, err
}

func TestCache_SingleBitFlipIsIntegrityError(t *testing.T) {
	inner := storage.NewMemoryBackend()
	tb := &tamperBackend{Backend: inner}
	cache, _ := newTestCache(t, tb)
	ctx := context.Background()

	_, err := cache.Save(ctx, "acme", sampleState())
	require.NoError(t, err)
	ciphertext, _, err := inner.Load(ctx, "acme")
	require.NoError(t, err)

	for bit := 0; bit < len(ciphertext)*8; bit++ {
		tb.mutate = func(c []byte, _ *storage.Metadata) { c[bit/8] ^= 1 << (bit % 8) }

		got, err := cache.Load(ctx, "acme")
		require.Error(t, err, "bit %d", bit)
		assert.Nil(t, got)
		assert.Equal(t, errs.KindIntegrity, errs.KindOf(err), "bit %d", bit)
	}
}

func TestCache_ChecksumMismatchIsIntegrityError(t *testing.T) {
	tb := &tamperBackend{Backend: storage.NewMemoryBackend()}
	cache, _ := newTestCache(t, tb)
	ctx := context.Background()

	_, err := cache.Save(ctx, "acme", sampleState())
	require.NoError(t, err)

	tb.mutate = func(_ []byte, m *storage.Metadata) { m.Checksum = vault.Checksum([]byte("other")) }
	_, err = cache.Load(ctx, "acme")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
	assert.Contains(t, err.Error(), `session load "acme"`)
}

func TestCache_WrongKeyIsIntegrityError(t *testing.T) {
	backend := storage.NewMemoryBackend()
	ctx := context.Background()

	writer, _ := newTestCache(t, backend)
	_, err := writer.Save(ctx, "acme", sampleState())
	require.NoError(t, err)

	reader, _ := newTestCache(t, backend)
	_, err = reader.Load(ctx, "acme")
	assert.ErrorIs(t, err, errs.ErrIntegrity)
}

func TestCache_TTL(t *testing.T) {
	cache, clk := newTestCache(t, storage.NewMemoryBackend())
	ctx := context.Background()
	st := sampleState()
	st.Metadata.TTLHours = 1

	_, err := cache.Save(ctx, "acme", st)
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	_, err = cache.Load(ctx, "acme")
	require.NoError(t, err)

	clk.Advance(90 * time.Minute)
	_, err = cache.Load(ctx, "acme")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrExpired)
	assert.Contains(t, err.Error(), "expired")
	assert.NotContains(t, err.Error(), "not found")

	got, err := cache.Load(ctx, "acme", AllowExpired())
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got.Cookies[0].Value)
}

func TestCache_LoadMissing(t *testing.T) {
	cache, _ := newTestCache(t, storage.NewMemoryBackend())
	_, err := cache.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, errs.Is(err, errs.KindExpired))
}

// countingBackend counts writes to the wrapped backend.
type countingBackend struct {
	storage.Backend
	saves, deletes int
}

func (b *countingBackend) Save(ctx context.Context, name string, c []byte, m *storage.Metadata) (string, error) {
	b.saves++
	return b.Backend.Save(ctx, name, c, m)
}

func (b *countingBackend) Delete(ctx context.Context, name string) (bool, error) {
	b.deletes++
	return b.Backend.Delete(ctx, name)
}

func TestCache_LoadDoesNotWriteAndReturnsIndependentCopies(t *testing.T) {
	cb := &countingBackend{Backend: storage.NewMemoryBackend()}
	cache, _ := newTestCache(t, cb)
	ctx := context.Background()

	_, err := cache.Save(ctx, "acme", sampleState())
	require.NoError(t, err)
	require.Equal(t, 1, cb.saves)

	a, err := cache.Load(ctx, "acme")
	require.NoError(t, err)
	b, err := cache.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, cb.saves, "load must not write")

	a.Cookies[0].Value = "changed"
	a.DeleteToken("X-CSRF-Token")
	assert.Equal(t, "s3cr3t", b.Cookies[0].Value)
	_, ok := b.Token("X-CSRF-Token")
	assert.True(t, ok)
}

func TestCache_ListInfoPrune(t *testing.T) {
	cb := &countingBackend{Backend: storage.NewMemoryBackend()}
	cache, clk := newTestCache(t, cb)
	ctx := context.Background()

	short := sampleState()
	short.Metadata.TTLHours = 1
	_, err := cache.Save(ctx, "short", short)
	require.NoError(t, err)

	long := sampleState()
	long.Metadata.TTLHours = 0
	_, err = cache.Save(ctx, "forever", long)
	require.NoError(t, err)

	names, err := cache.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"forever", "short"}, names)

	clk.Advance(2 * time.Hour)
	info, err := cache.Info(ctx)
	require.NoError(t, err)
	require.Len(t, info, 2)
	assert.Equal(t, storage.StatusActive, info[0].Status)
	assert.Equal(t, storage.StatusExpired, info[1].Status)

	pruned, err := cache.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, pruned)

	existed, err := cache.Delete(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, existed)

	names, err = cache.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
