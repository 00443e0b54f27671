package headers

import (
	"sort"
	"strings"
	"sync"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
)

// Registry maps roles to their canonical fallback header sets. It starts with
// the built-in roles; plugins add custom roles with Register.
type Registry struct {
	mu    sync.RWMutex
	roles map[Role]Set
}

// NewRegistry returns a registry holding the built-in roles.
func NewRegistry() *Registry {
	roles := make(map[Role]Set, len(canonicalRoles))
	for r, s := range canonicalRoles {
		roles[r] = s.Clone()
	}
	return &Registry{roles: roles}
}

// Register adds a custom role with its fallback headers. Built-in roles
// cannot be replaced, and the fallback must contain at least one role header.
func (r *Registry) Register(role Role, fallback Set) error {
	const op = "header role register"
	name := strings.TrimSpace(string(role))
	if name == "" {
		return errs.Newf(errs.KindConfig, op, name, "role name is required")
	}
	if role.Builtin() {
		return errs.Newf(errs.KindConfig, op, name, "built-in role cannot be redefined")
	}
	if len(RoleOnly(fallback)) == 0 {
		return errs.Newf(errs.KindConfig, op, name, "fallback needs at least one non-identity header")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role] = fallback.Clone()
	return nil
}

// Fallback returns the canonical headers for role.
func (r *Registry) Fallback(role Role) (Set, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.roles[role]
	return s.Clone(), ok
}

// Known reports whether role is built in or registered.
func (r *Registry) Known(role Role) bool {
	_, ok := r.Fallback(role)
	return ok
}

// Roles returns every known role, sorted.
func (r *Registry) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.roles))
	for role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
