// Package vault holds the symmetric session key and performs authenticated
// encryption of session payloads.
//
// Keys are loaded once per key location and cached for the lifetime of the
// process. A cached *Vault is immutable and safe for concurrent use.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
)

const (
	// KeyFileName is the key file created inside the config directory.
	KeyFileName = ".session_key"
	// EnvKey supplies a base64 key from an external secret store.
	EnvKey = "GRAFTPUNK_SESSION_KEY"
	// KeySize is the length of the raw key in bytes.
	KeySize = chacha20poly1305.KeySize
)

// Vault encrypts and decrypts session payloads with XChaCha20-Poly1305.
type Vault struct {
	aead   cipher.AEAD
	source string
}

var (
	cacheMu sync.Mutex
	cache   = make(map[string]*Vault)
)

// New builds a Vault from raw key material.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, errs.Newf(errs.KindConfig, "vault init", "", "key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	return &Vault{aead: aead, source: "memory"}, nil
}

// Load returns the process-wide Vault for the key stored in dir, creating the
// key on first use. If EnvKey is set it takes precedence over the key file.
// Repeated calls with the same location return the same *Vault.
func Load(dir string) (*Vault, error) {
	if encoded := strings.TrimSpace(os.Getenv(EnvKey)); encoded != "" {
		return cached("env:"+Checksum([]byte(encoded)), func() ([]byte, error) {
			return decodeKey(encoded, "$"+EnvKey)
		})
	}

	path := filepath.Join(dir, KeyFileName)
	return cached(path, func() ([]byte, error) {
		return loadOrCreateKey(path)
	})
}

// Reset drops every cached Vault. Intended for tests that rotate keys.
func Reset() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = make(map[string]*Vault)
}

func cached(id string, load func() ([]byte, error)) (*Vault, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if v, ok := cache[id]; ok {
		return v, nil
	}
	key, err := load()
	if err != nil {
		return nil, err
	}
	v, err := New(key)
	if err != nil {
		return nil, err
	}
	v.source = id
	if strings.HasPrefix(id, "env:") {
		v.source = "$" + EnvKey
	}
	cache[id] = v
	return v, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	// #nosec G304 -- path is built from the configured key directory
	data, err := os.ReadFile(path)
	if err == nil {
		return decodeKey(strings.TrimSpace(string(data)), path)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, errs.Storage("vault read key", path, false, err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errs.Storage("vault create key dir", filepath.Dir(path), false, err)
	}

	// O_EXCL so a concurrent creator's key wins and is read back instead.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, fs.ErrExist) {
		return loadOrCreateKey(path)
	}
	if err != nil {
		return nil, errs.Storage("vault write key", path, false, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(key) + "\n"); err != nil {
		return nil, errs.Storage("vault write key", path, false, err)
	}
	if err := f.Sync(); err != nil {
		return nil, errs.Storage("vault write key", path, false, err)
	}
	return key, nil
}

func decodeKey(encoded, origin string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errs.New(errs.KindConfig, "vault decode key", origin, err)
	}
	if len(key) != KeySize {
		return nil, errs.Newf(errs.KindConfig, "vault decode key", origin, "key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Source describes where the key came from: a file path, the env var, or "memory".
func (v *Vault) Source() string {
	return v.source
}

// Encrypt seals plaintext. The random nonce is prepended to the result.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Tampered, truncated or
// foreign-key input fails with errs.KindIntegrity.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(ciphertext) < ns+v.aead.Overhead() {
		return nil, errs.Newf(errs.KindIntegrity, "vault decrypt", "", "ciphertext too short (%d bytes)", len(ciphertext))
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, errs.New(errs.KindIntegrity, "vault decrypt", "", err)
	}
	return plaintext, nil
}
