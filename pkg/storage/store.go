// Package storage persists named (ciphertext, metadata) pairs.
//
// Backends never see plaintext: the ciphertext is an opaque blob produced by
// the vault, and the metadata document is stored unencrypted so sessions can
// be listed without the key.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
)

// Common errors for storage operations. They are wrapped in an *errs.Error
// of kind errs.KindStorage.
var (
	// ErrClosed is returned when operating on a closed backend.
	ErrClosed = errors.New("storage backend is closed")
	// ErrInvalidName is returned for names that are unsafe as keys or paths.
	ErrInvalidName = errors.New("invalid session name: must be non-empty and contain no path separators, traversal sequences or control characters")
)

// Status is the lifecycle state reported when listing sessions.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// MaxNameLength bounds session names so they fit every backend's key limits.
const MaxNameLength = 200

// Metadata is the plaintext document stored alongside each ciphertext blob.
type Metadata struct {
	// ID is the record ID assigned on every save.
	ID string `json:"id" firestore:"id"`
	// Name is the session name the record is stored under.
	Name string `json:"name" firestore:"name"`
	// Domain is the registrable domain inferred from the session cookies.
	Domain string `json:"domain" firestore:"domain"`
	// CookieCount is the number of cookies in the encrypted state.
	CookieCount int `json:"cookie_count" firestore:"cookie_count"`
	// CookieDomains lists the distinct cookie domains, sorted.
	CookieDomains []string `json:"cookie_domains" firestore:"cookie_domains"`
	// Status is computed on read and stored as of the last save.
	Status Status `json:"status" firestore:"status"`
	// CreatedAt is when the session was first captured.
	CreatedAt time.Time `json:"created_at" firestore:"created_at"`
	// ModifiedAt is updated by every save.
	ModifiedAt time.Time `json:"modified_at" firestore:"modified_at"`
	// TTLHours is the session lifetime; zero or less never expires.
	TTLHours float64 `json:"ttl_hours" firestore:"ttl_hours"`
	// Checksum is the hex SHA-256 of the plaintext payload.
	Checksum string `json:"checksum" firestore:"checksum"`
}

// Clone returns a deep copy of m.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.CookieDomains != nil {
		c.CookieDomains = append([]string(nil), m.CookieDomains...)
	}
	return &c
}

// TTL returns the session lifetime as a duration. Zero means no expiry.
func (m *Metadata) TTL() time.Duration {
	if m.TTLHours <= 0 {
		return 0
	}
	return time.Duration(m.TTLHours * float64(time.Hour))
}

// Expired reports whether the session TTL has elapsed at now.
func (m *Metadata) Expired(now time.Time) bool {
	ttl := m.TTL()
	return ttl > 0 && now.Sub(m.CreatedAt) > ttl
}

// Backend abstracts session persistence.
// Implementations must be safe for concurrent use. Concurrent saves to the
// same name race; the last write wins.
type Backend interface {
	// Save stores ciphertext and metadata under name, replacing any existing
	// record, and returns the new record ID.
	Save(ctx context.Context, name string, ciphertext []byte, meta *Metadata) (string, error)

	// Load retrieves the record stored under name.
	// Returns an error of kind errs.KindNotFound if no record exists.
	Load(ctx context.Context, name string) ([]byte, *Metadata, error)

	// List returns the metadata of every stored record, sorted by name.
	List(ctx context.Context) ([]*Metadata, error)

	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Close releases any resources held by the backend.
	Close() error
}

// ValidateName checks that name is safe to use as a key or path component.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || name == "." {
		return ErrInvalidName
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrInvalidName
		}
	}
	return nil
}

func notFound(op, name string) error {
	return errs.New(errs.KindNotFound, op, name, nil)
}

func invalidName(op, name string) error {
	return errs.Storage(op, name, false, ErrInvalidName)
}

func closed(op, name string) error {
	return errs.Storage(op, name, false, ErrClosed)
}

// prepareMetadata copies meta and stamps the name and record ID.
func prepareMetadata(name, id string, meta *Metadata) *Metadata {
	m := meta.Clone()
	if m == nil {
		m = &Metadata{}
	}
	m.Name = name
	m.ID = id
	return m
}
