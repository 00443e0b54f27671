package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
)

const (
	blobSuffix = ".bin"
	metaSuffix = ".meta.json"
)

// Option configures a backend.
type Option func(*backendOptions)

type backendOptions struct {
	logger *zap.Logger
}

// WithLogger sets the backend logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(o *backendOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func applyOptions(opts []Option) backendOptions {
	o := backendOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FileBackend implements Backend on the local filesystem.
// Storage layout:
//
//	<baseDir>/
//	  ├── <name>.bin        # ciphertext
//	  └── <name>.meta.json  # plaintext metadata
//
// The metadata file is written last, so a record exists once its metadata does.
type FileBackend struct {
	baseDir string
	logger  *zap.Logger
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a file-based backend rooted at baseDir.
// If baseDir is empty, uses ~/.config/graftpunk/sessions.
func NewFileBackend(baseDir string, opts ...Option) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".config", "graftpunk", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, errs.Storage("storage open", baseDir, false, err)
	}

	o := applyOptions(opts)
	return &FileBackend{baseDir: baseDir, logger: o.logger}, nil
}

// BaseDir returns the directory records are stored in.
func (f *FileBackend) BaseDir() string {
	return f.baseDir
}

func (f *FileBackend) blobPath(name string) string {
	return filepath.Join(f.baseDir, name+blobSuffix)
}

func (f *FileBackend) metaPath(name string) string {
	return filepath.Join(f.baseDir, name+metaSuffix)
}

// Save writes the ciphertext then the metadata, each atomically.
func (f *FileBackend) Save(ctx context.Context, name string, ciphertext []byte, meta *Metadata) (string, error) {
	const op = "storage save"
	if err := ValidateName(name); err != nil {
		return "", invalidName(op, name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return "", closed(op, name)
	}
	if err := ctx.Err(); err != nil {
		return "", errs.Storage(op, name, true, err)
	}

	m := prepareMetadata(name, uuid.New().String(), meta)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	if err := f.atomicWriteFile(f.blobPath(name), ciphertext); err != nil {
		return "", errs.Storage(op, name, transientFS(err), err)
	}
	if err := f.atomicWriteFile(f.metaPath(name), data); err != nil {
		return "", errs.Storage(op, name, transientFS(err), err)
	}

	return m.ID, nil
}

// Load reads the metadata and ciphertext stored under name.
func (f *FileBackend) Load(ctx context.Context, name string) ([]byte, *Metadata, error) {
	const op = "storage load"
	if err := ValidateName(name); err != nil {
		return nil, nil, invalidName(op, name)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, nil, closed(op, name)
	}

	meta, err := f.readMeta(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, notFound(op, name)
		}
		return nil, nil, errs.Storage(op, name, transientFS(err), err)
	}

	ciphertext, err := os.ReadFile(f.blobPath(name)) // #nosec G304 - name validated to prevent traversal
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, notFound(op, name)
		}
		return nil, nil, errs.Storage(op, name, transientFS(err), err)
	}

	return ciphertext, meta, nil
}

func (f *FileBackend) readMeta(name string) (*Metadata, error) {
	data, err := os.ReadFile(f.metaPath(name)) // #nosec G304 - name validated to prevent traversal
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// List returns the metadata of every record in the base directory.
func (f *FileBackend) List(ctx context.Context) ([]*Metadata, error) {
	const op = "storage list"
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, closed(op, "")
	}

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Storage(op, f.baseDir, transientFS(err), err)
	}

	var out []*Metadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), metaSuffix)
		meta, err := f.readMeta(name)
		if err != nil {
			f.logger.Warn("skipping unreadable session metadata",
				zap.String("session", name), zap.Error(err))
			continue
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes both artifacts stored under name.
func (f *FileBackend) Delete(ctx context.Context, name string) (bool, error) {
	const op = "storage delete"
	if err := ValidateName(name); err != nil {
		return false, invalidName(op, name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, closed(op, name)
	}

	existed := false
	for _, path := range []string{f.metaPath(name), f.blobPath(name)} {
		err := os.Remove(path)
		switch {
		case err == nil:
			existed = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			return existed, errs.Storage(op, name, transientFS(err), err)
		}
	}
	return existed, nil
}

// Close marks the backend closed.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// atomicWriteFile writes data to a temp file in the target directory and
// renames it into place with mode 0600.
func (f *FileBackend) atomicWriteFile(filename string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), ".tmp-session-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	var success bool
	defer func() {
		if !success {
			if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				f.logger.Warn("failed to remove temporary file",
					zap.String("path", tmp.Name()), zap.Error(err))
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}

// transientFS reports whether a filesystem error may clear on retry.
// Permission problems and malformed data will not.
func transientFS(err error) bool {
	if errors.Is(err, fs.ErrPermission) {
		return false
	}
	var syntaxErr *json.SyntaxError
	return !errors.As(err, &syntaxErr)
}
