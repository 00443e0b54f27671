package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "graftpunk:session:"

// RedisBackend implements Backend using Redis.
// Each record is two string keys plus membership in a name index set.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all session keys (default: "graftpunk:session:").
	Prefix string `yaml:"prefix"`
	// KeyTTL expires stored keys after this duration (0 = never expire).
	// Sessions evicted this way load as not found rather than expired.
	KeyTTL time.Duration `yaml:"key_ttl"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errs.Newf(errs.KindConfig, "storage open", "redis", "address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.Storage("storage open", cfg.Addr, true, fmt.Errorf("redis ping: %w", err))
	}

	b := NewRedisBackendFromClient(client, cfg.Prefix, cfg.KeyTTL, opts...)
	return b, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration, opts ...Option) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	o := applyOptions(opts)
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: o.logger,
	}
}

func (b *RedisBackend) blobKey(name string) string {
	return b.prefix + "blob:" + name
}

func (b *RedisBackend) metaKey(name string) string {
	return b.prefix + "meta:" + name
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "names"
}

func (b *RedisBackend) checkOpen(op, name string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return closed(op, name)
	}
	return nil
}

// Save writes both keys and the index entry in one transaction.
func (b *RedisBackend) Save(ctx context.Context, name string, ciphertext []byte, meta *Metadata) (string, error) {
	const op = "storage save"
	if err := ValidateName(name); err != nil {
		return "", invalidName(op, name)
	}
	if err := b.checkOpen(op, name); err != nil {
		return "", err
	}

	m := prepareMetadata(name, uuid.New().String(), meta)
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.blobKey(name), ciphertext, b.ttl)
	pipe.Set(ctx, b.metaKey(name), data, b.ttl)
	pipe.SAdd(ctx, b.indexKey(), name)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", errs.Storage(op, name, true, err)
	}
	return m.ID, nil
}

// Load fetches both keys in one round trip.
func (b *RedisBackend) Load(ctx context.Context, name string) ([]byte, *Metadata, error) {
	const op = "storage load"
	if err := ValidateName(name); err != nil {
		return nil, nil, invalidName(op, name)
	}
	if err := b.checkOpen(op, name); err != nil {
		return nil, nil, err
	}

	pipe := b.client.Pipeline()
	metaCmd := pipe.Get(ctx, b.metaKey(name))
	blobCmd := pipe.Get(ctx, b.blobKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, notFound(op, name)
		}
		return nil, nil, errs.Storage(op, name, true, err)
	}

	metaData, err := metaCmd.Bytes()
	if err != nil {
		return nil, nil, errs.Storage(op, name, true, err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, nil, errs.Storage(op, name, false, fmt.Errorf("parse metadata: %w", err))
	}

	ciphertext, err := blobCmd.Bytes()
	if err != nil {
		return nil, nil, errs.Storage(op, name, true, err)
	}
	return ciphertext, &meta, nil
}

// List reads the name index and fetches each metadata document.
// Index entries whose keys have expired are removed.
func (b *RedisBackend) List(ctx context.Context) ([]*Metadata, error) {
	const op = "storage list"
	if err := b.checkOpen(op, ""); err != nil {
		return nil, err
	}

	names, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, errs.Storage(op, "", true, err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.Get(ctx, b.metaKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errs.Storage(op, "", true, err)
	}

	var stale []any
	out := make([]*Metadata, 0, len(names))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, names[i])
			continue
		}
		if err != nil {
			return nil, errs.Storage(op, names[i], true, err)
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			b.logger.Warn("skipping unreadable session metadata",
				zap.String("session", names[i]), zap.Error(err))
			continue
		}
		out = append(out, &meta)
	}

	if len(stale) > 0 {
		if err := b.client.SRem(ctx, b.indexKey(), stale...).Err(); err != nil {
			b.logger.Warn("failed to prune stale index entries", zap.Error(err))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes both keys and the index entry.
func (b *RedisBackend) Delete(ctx context.Context, name string) (bool, error) {
	const op = "storage delete"
	if err := ValidateName(name); err != nil {
		return false, invalidName(op, name)
	}
	if err := b.checkOpen(op, name); err != nil {
		return false, err
	}

	pipe := b.client.TxPipeline()
	del := pipe.Del(ctx, b.metaKey(name), b.blobKey(name))
	pipe.SRem(ctx, b.indexKey(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errs.Storage(op, name, true, err)
	}
	return del.Val() > 0, nil
}

// Close closes the Redis client.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
