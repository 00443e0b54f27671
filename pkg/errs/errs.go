// Package errs defines the closed set of error kinds surfaced by graftpunk.
//
// Callers branch on kinds with errors.Is against the sentinels below, or with
// KindOf, instead of inspecting concrete types.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate in graftpunk.
	KindUnknown Kind = iota
	// KindIntegrity is a checksum or authenticated-decryption failure.
	KindIntegrity
	// KindNotFound means no session is stored under the requested name.
	KindNotFound
	// KindExpired means the session exists but its TTL has elapsed.
	KindExpired
	// KindStorage is an I/O failure in a storage backend.
	KindStorage
	// KindTokenExtraction means a token could not be extracted from any source.
	KindTokenExtraction
	// KindTokenRejected means the remote service rejected a refreshed token.
	KindTokenRejected
	// KindProfileMissing means no header profile was captured for a role.
	KindProfileMissing
	// KindConfig is an invalid or inconsistent configuration value.
	KindConfig
)

// Sentinels for errors.Is. Every *Error unwraps to the sentinel of its kind.
var (
	ErrIntegrity       = errors.New("integrity check failed")
	ErrNotFound        = errors.New("session not found")
	ErrExpired         = errors.New("session expired")
	ErrStorage         = errors.New("storage failure")
	ErrTokenExtraction = errors.New("token extraction failed")
	ErrTokenRejected   = errors.New("token rejected")
	ErrProfileMissing  = errors.New("header profile missing")
	ErrConfig          = errors.New("invalid configuration")
)

func (k Kind) String() string {
	switch k {
	case KindIntegrity:
		return "integrity"
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	case KindStorage:
		return "storage"
	case KindTokenExtraction:
		return "token_extraction"
	case KindTokenRejected:
		return "token_rejected"
	case KindProfileMissing:
		return "profile_missing"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindIntegrity:
		return ErrIntegrity
	case KindNotFound:
		return ErrNotFound
	case KindExpired:
		return ErrExpired
	case KindStorage:
		return ErrStorage
	case KindTokenExtraction:
		return ErrTokenExtraction
	case KindTokenRejected:
		return ErrTokenRejected
	case KindProfileMissing:
		return ErrProfileMissing
	case KindConfig:
		return ErrConfig
	default:
		return nil
	}
}

// Error carries the kind, the failed operation and the session or key name.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "session load".
	Op string
	// Name is the session name, token name or key path involved.
	Name string
	// Detail is an optional human-readable explanation.
	Detail string
	// Transient marks storage failures that may succeed on retry.
	Transient bool
	// Err is the underlying cause, if any.
	Err error
}

// Error formats as `op "name": kind message: detail: cause`.
func (e *Error) Error() string {
	msg := e.Op
	if e.Name != "" {
		msg += fmt.Sprintf(" %q", e.Name)
	}
	if s := e.Kind.sentinel(); s != nil {
		msg += ": " + s.Error()
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// New returns an *Error of the given kind.
func New(kind Kind, op, name string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: cause}
}

// Newf returns an *Error of the given kind with a formatted detail.
func Newf(kind Kind, op, name, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Detail: fmt.Sprintf(format, args...)}
}

// Storage wraps a backend failure. Transient marks failures worth retrying.
func Storage(op, name string, transient bool, cause error) *Error {
	return &Error{Kind: KindStorage, Op: op, Name: name, Transient: transient, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is a storage failure that may succeed on retry.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	s := kind.sentinel()
	return s != nil && errors.Is(err, s)
}
