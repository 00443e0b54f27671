package session

import (
	"time"

	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
)

// Capture is what an automation backend hands over at the end of a login
// flow. It is a plain value: any browser waiting has already finished.
type Capture struct {
	Cookies []Cookie
	// HeaderSamples holds one representative header set per role.
	HeaderSamples map[headers.Role]headers.Set
	// RawTokens are token values read during login, keyed by token name.
	RawTokens map[string]string
}

// FromCapture builds a new State from c. Later samples for a role replace
// earlier ones; duplicate cookies collapse by (name, domain, path).
func FromCapture(c Capture, now time.Time, ttlHours float64) *State {
	st := New(now, ttlHours)
	for _, ck := range c.Cookies {
		st.SetCookie(ck)
	}
	for role, set := range c.HeaderSamples {
		if len(set) > 0 {
			st.SetProfile(role, set)
		}
	}
	for name, value := range c.RawTokens {
		if value == "" {
			continue
		}
		st.SetToken(name, CachedToken{Value: value, ExtractedAt: now})
	}
	st.Metadata.CookieDomains = st.CookieDomains()
	st.Metadata.Domain = st.InferDomain()
	return st
}
