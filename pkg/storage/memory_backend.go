package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryRecord struct {
	ciphertext []byte
	meta       *Metadata
}

// MemoryBackend implements Backend in process memory. Records are lost when
// the process exits.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]memoryRecord)}
}

// Save stores a copy of ciphertext and meta.
func (b *MemoryBackend) Save(ctx context.Context, name string, ciphertext []byte, meta *Metadata) (string, error) {
	const op = "storage save"
	if err := ValidateName(name); err != nil {
		return "", invalidName(op, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", closed(op, name)
	}

	m := prepareMetadata(name, uuid.New().String(), meta)
	b.records[name] = memoryRecord{
		ciphertext: append([]byte(nil), ciphertext...),
		meta:       m,
	}
	return m.ID, nil
}

// Load returns copies of the stored record.
func (b *MemoryBackend) Load(ctx context.Context, name string) ([]byte, *Metadata, error) {
	const op = "storage load"
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, nil, closed(op, name)
	}

	rec, ok := b.records[name]
	if !ok {
		return nil, nil, notFound(op, name)
	}
	return append([]byte(nil), rec.ciphertext...), rec.meta.Clone(), nil
}

// List returns metadata copies sorted by name.
func (b *MemoryBackend) List(ctx context.Context) ([]*Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, closed("storage list", "")
	}

	out := make([]*Metadata, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, rec.meta.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the record stored under name.
func (b *MemoryBackend) Delete(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, closed("storage delete", name)
	}

	_, ok := b.records[name]
	delete(b.records, name)
	return ok, nil
}

// Close marks the backend closed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
