package headers

import (
	"sort"
	"strings"
)

var identityNames = []string{"User-Agent", "Accept-Language", "Accept-Encoding"}

// IsIdentity reports whether name is a browser-identity header: one that
// stays constant across every request of a session regardless of role.
func IsIdentity(name string) bool {
	for _, n := range identityNames {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return strings.HasPrefix(strings.ToLower(name), "sec-ch-ua")
}

// RoleOnly returns the headers of s that are not identity headers.
func RoleOnly(s Set) Set {
	return s.Filter(func(h Header) bool { return !IsIdentity(h.Name) })
}

// IdentityOnly returns the identity headers of s.
func IdentityOnly(s Set) Set {
	return s.Filter(func(h Header) bool { return IsIdentity(h.Name) })
}

// ExtractIdentity collects identity headers from captured profiles, preferring
// navigation, then xhr, then form, then custom roles by name. Gaps are filled
// from DefaultIdentity. When a User-Agent was captured, the default client
// hints are not added, since they would contradict a non-Chromium agent.
func ExtractIdentity(profiles map[Role]Set) Set {
	var id Set
	for _, role := range profileOrder(profiles) {
		for _, h := range IdentityOnly(profiles[role]) {
			if !id.Has(h.Name) {
				id = append(id, h)
			}
		}
	}

	capturedAgent := id.Has("User-Agent")
	for _, h := range DefaultIdentity() {
		if id.Has(h.Name) {
			continue
		}
		if capturedAgent && strings.HasPrefix(strings.ToLower(h.Name), "sec-ch-ua") {
			continue
		}
		id = append(id, h)
	}
	return id
}

func profileOrder(profiles map[Role]Set) []Role {
	order := make([]Role, 0, len(profiles))
	for _, r := range []Role{Navigation, XHR, Form} {
		if _, ok := profiles[r]; ok {
			order = append(order, r)
		}
	}
	var custom []Role
	for r := range profiles {
		if !r.Builtin() {
			custom = append(custom, r)
		}
	}
	sort.Slice(custom, func(i, j int) bool { return custom[i] < custom[j] })
	return append(order, custom...)
}
