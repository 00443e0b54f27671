package storage

import (
	"context"
	"path/filepath"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
)

// Backend selector values.
const (
	BackendFile      = "file"
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendS3        = "s3"
)

// Config selects and configures a storage backend.
type Config struct {
	// Backend is one of "file", "memory", "redis", "firestore", "s3".
	// Default: "file"
	Backend string `yaml:"backend"`

	// Dir is the directory for file-based storage.
	// Default: <config dir>/sessions
	Dir string `yaml:"dir"`

	Redis     RedisConfig     `yaml:"redis,omitempty"`
	Firestore FirestoreConfig `yaml:"firestore,omitempty"`
	S3        S3Config        `yaml:"s3,omitempty"`
}

// DefaultConfig returns file storage under configDir/sessions.
func DefaultConfig(configDir string) Config {
	dir := ""
	if configDir != "" {
		dir = filepath.Join(configDir, "sessions")
	}
	return Config{Backend: BackendFile, Dir: dir}
}

// New opens the backend selected by cfg.Backend.
func New(ctx context.Context, cfg Config, opts ...Option) (Backend, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileBackend(cfg.Dir, opts...)
	case BackendMemory:
		return NewMemoryBackend(), nil
	case BackendRedis:
		return NewRedisBackend(ctx, cfg.Redis, opts...)
	case BackendFirestore:
		return NewFirestoreBackend(ctx, cfg.Firestore, opts...)
	case BackendS3:
		return NewS3Backend(ctx, cfg.S3, opts...)
	default:
		return nil, errs.Newf(errs.KindConfig, "storage open", cfg.Backend, "unknown backend (want file, memory, redis, firestore or s3)")
	}
}
