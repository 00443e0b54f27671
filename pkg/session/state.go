// Package session defines the persisted session state and the encrypted
// cache that saves and loads it by name.
//
// Lifecycle: an automation backend produces a State, Cache.Save encrypts and
// stores it, and Cache.Load returns an independent copy for replay. Mutate a
// loaded State and save it again; never share one State between goroutines.
package session

import (
	"maps"
	"sort"
	"time"

	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
)

// StateVersion is the encoding version written by this package.
const StateVersion = 1

// State is the unit of persistence: everything needed to replay an
// authenticated browser identity.
type State struct {
	// Version is the encoding version.
	Version int `json:"version"`

	// Cookies are unique by (Name, Domain, Path). A State with no cookies is
	// valid for header- or token-only auth schemes.
	Cookies []Cookie `json:"cookies"`

	// HeaderProfiles maps a role to the ordered headers captured for it.
	HeaderProfiles map[headers.Role]headers.Set `json:"header_profiles"`

	// TokenCache maps a token name to its last extracted value.
	TokenCache map[string]CachedToken `json:"token_cache"`

	Metadata Metadata `json:"metadata"`
}

// Metadata describes the session as a whole.
type Metadata struct {
	// Domain is the registrable domain the session authenticates against.
	Domain string `json:"domain"`
	// CreatedAt is when the session was captured. TTL is measured from here.
	CreatedAt time.Time `json:"created_at"`
	// ModifiedAt is updated on every save.
	ModifiedAt time.Time `json:"modified_at"`
	// TTLHours is the session lifetime; zero or less never expires.
	TTLHours float64 `json:"ttl_hours"`
	// CookieDomains lists the distinct cookie domains, sorted.
	CookieDomains []string `json:"cookie_domains"`
}

// CachedToken is a dynamic auth token with its extraction time.
type CachedToken struct {
	Value       string    `json:"value"`
	ExtractedAt time.Time `json:"extracted_at"`
	// TTLSeconds is advisory. Tokens are used past it and only refreshed
	// after the server rejects them.
	TTLSeconds int64 `json:"ttl_seconds"`
}

// Stale reports whether the token's advisory TTL has elapsed at now.
func (t CachedToken) Stale(now time.Time) bool {
	return t.TTLSeconds > 0 && now.Sub(t.ExtractedAt) > time.Duration(t.TTLSeconds)*time.Second
}

// New returns an empty State created at now with the given TTL.
func New(now time.Time, ttlHours float64) *State {
	return &State{
		Version:        StateVersion,
		HeaderProfiles: make(map[headers.Role]headers.Set),
		TokenCache:     make(map[string]CachedToken),
		Metadata: Metadata{
			CreatedAt:  now,
			ModifiedAt: now,
			TTLHours:   ttlHours,
		},
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.Cookies != nil {
		c.Cookies = make([]Cookie, len(s.Cookies))
		for i, ck := range s.Cookies {
			c.Cookies[i] = ck.clone()
		}
	}
	if s.HeaderProfiles != nil {
		c.HeaderProfiles = make(map[headers.Role]headers.Set, len(s.HeaderProfiles))
		for role, set := range s.HeaderProfiles {
			c.HeaderProfiles[role] = set.Clone()
		}
	}
	c.TokenCache = maps.Clone(s.TokenCache)
	if s.Metadata.CookieDomains != nil {
		c.Metadata.CookieDomains = append([]string(nil), s.Metadata.CookieDomains...)
	}
	return &c
}

// SetProfile stores the captured headers for role, replacing any previous capture.
func (s *State) SetProfile(role headers.Role, set headers.Set) {
	if s.HeaderProfiles == nil {
		s.HeaderProfiles = make(map[headers.Role]headers.Set)
	}
	s.HeaderProfiles[role] = set.Clone()
}

// Token returns the cached token stored under name.
func (s *State) Token(name string) (CachedToken, bool) {
	t, ok := s.TokenCache[name]
	return t, ok
}

// SetToken caches value under name.
func (s *State) SetToken(name string, tok CachedToken) {
	if s.TokenCache == nil {
		s.TokenCache = make(map[string]CachedToken)
	}
	s.TokenCache[name] = tok
}

// DeleteToken removes name from the token cache and reports whether it was present.
func (s *State) DeleteToken(name string) bool {
	_, ok := s.TokenCache[name]
	delete(s.TokenCache, name)
	return ok
}

// Expired reports whether the session TTL has elapsed at now.
func (s *State) Expired(now time.Time) bool {
	ttl := s.TTL()
	return ttl > 0 && now.Sub(s.Metadata.CreatedAt) > ttl
}

// TTL returns the session lifetime. Zero means no expiry.
func (s *State) TTL() time.Duration {
	if s.Metadata.TTLHours <= 0 {
		return 0
	}
	return time.Duration(s.Metadata.TTLHours * float64(time.Hour))
}

// Roles returns the roles with captured profiles, sorted.
func (s *State) Roles() []headers.Role {
	out := make([]headers.Role, 0, len(s.HeaderProfiles))
	for r := range s.HeaderProfiles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
