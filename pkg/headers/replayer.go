package headers

import (
	"sync"

	"go.uber.org/zap"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
)

// Option configures a Replayer.
type Option func(*Replayer)

// WithLogger sets the logger used for missing-profile warnings.
func WithLogger(l *zap.Logger) Option {
	return func(r *Replayer) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRegistry supplies the role registry holding custom role fallbacks.
func WithRegistry(reg *Registry) Option {
	return func(r *Replayer) {
		if reg != nil {
			r.registry = reg
		}
	}
}

// Replayer rebuilds outbound headers from captured profiles. Identity headers
// are extracted once at construction and fixed for the Replayer's lifetime.
type Replayer struct {
	profiles map[Role]Set
	identity Set
	registry *Registry
	logger   *zap.Logger

	mu     sync.Mutex
	warned map[Role]bool
}

// NewReplayer builds a Replayer over captured profiles. The map is copied.
func NewReplayer(profiles map[Role]Set, opts ...Option) *Replayer {
	r := &Replayer{
		profiles: make(map[Role]Set, len(profiles)),
		registry: NewRegistry(),
		logger:   zap.NewNop(),
		warned:   make(map[Role]bool),
	}
	for role, s := range profiles {
		r.profiles[role] = s.Clone()
	}
	for _, opt := range opts {
		opt(r)
	}
	r.identity = ExtractIdentity(r.profiles)
	return r
}

// Identity returns the fixed browser-identity headers.
func (r *Replayer) Identity() Set {
	return r.identity.Clone()
}

// Registry returns the role registry in use.
func (r *Replayer) Registry() *Registry {
	return r.registry
}

// Profile returns the captured profile for role, or an error of kind
// errs.KindProfileMissing.
func (r *Replayer) Profile(role Role) (Set, error) {
	s, ok := r.profiles[role]
	if !ok || len(s) == 0 {
		return nil, errs.New(errs.KindProfileMissing, "header profile", string(role), nil)
	}
	return s.Clone(), nil
}

// Build returns the headers for a request of the given role.
//
// Layers, later winning: the captured profile for role (or the canonical
// fallback), then identity headers, then caller headers. Caller headers win
// over everything, identity included. A missing profile logs a warning once
// per role and never yields an empty role header set.
func (r *Replayer) Build(role Role, caller Set) Set {
	var base Set
	if profile, err := r.Profile(role); err == nil {
		base = profile.Merge(r.identity)
	} else {
		r.warnMissing(role)
		base = r.identity.Merge(RoleOnly(r.fallback(role)))
	}
	return base.Merge(caller)
}

func (r *Replayer) fallback(role Role) Set {
	if s, ok := r.registry.Fallback(role); ok {
		return s
	}
	s, _ := r.registry.Fallback(XHR)
	return s
}

func (r *Replayer) warnMissing(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warned[role] {
		return
	}
	r.warned[role] = true

	fields := []zap.Field{zap.String("role", string(role))}
	if !r.registry.Known(role) {
		fields = append(fields, zap.String("fallback", string(XHR)))
	}
	r.logger.Warn("header profile missing, using canonical fallback", fields...)
}
