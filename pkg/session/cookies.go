package session

import (
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Cookie is a captured browser cookie.
//
// Domain follows the DevTools convention: a leading dot marks a domain
// cookie sent to subdomains, no dot marks a host-only cookie.
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure"`
	HTTPOnly bool       `json:"http_only"`
	SameSite string     `json:"same_site,omitempty"`
}

func (c Cookie) clone() Cookie {
	if c.Expires != nil {
		t := *c.Expires
		c.Expires = &t
	}
	return c
}

func (c Cookie) path() string {
	if c.Path == "" {
		return "/"
	}
	return c.Path
}

// sameKey reports whether c and o share the (name, domain, path) identity.
func (c Cookie) sameKey(o Cookie) bool {
	return c.Name == o.Name && strings.EqualFold(c.Domain, o.Domain) && c.path() == o.path()
}

// Expired reports whether the cookie has an expiry at or before now.
// Session cookies never expire.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires != nil && !c.Expires.After(now)
}

// Matches reports whether the cookie should be sent to u.
func (c Cookie) Matches(u *url.URL) bool {
	if c.Secure && u.Scheme != "https" {
		return false
	}
	if !domainMatch(strings.ToLower(u.Hostname()), strings.ToLower(c.Domain)) {
		return false
	}
	return pathMatch(requestPath(u), c.path())
}

func domainMatch(host, domain string) bool {
	if strings.HasPrefix(domain, ".") {
		bare := domain[1:]
		return host == bare || strings.HasSuffix(host, domain)
	}
	return host == domain
}

func requestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// pathMatch implements RFC 6265 section 5.1.4.
func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

// SetCookie inserts c or replaces the cookie with the same (name, domain, path).
// It reports whether the stored cookies changed.
func (s *State) SetCookie(c Cookie) bool {
	for i, existing := range s.Cookies {
		if existing.sameKey(c) {
			if cookiesEqual(existing, c) {
				return false
			}
			s.Cookies[i] = c.clone()
			return true
		}
	}
	s.Cookies = append(s.Cookies, c.clone())
	return true
}

// RemoveCookie deletes the cookie with the given identity.
func (s *State) RemoveCookie(name, domain, cookiePath string) bool {
	target := Cookie{Name: name, Domain: domain, Path: cookiePath}
	for i, existing := range s.Cookies {
		if existing.sameKey(target) {
			s.Cookies = append(s.Cookies[:i], s.Cookies[i+1:]...)
			return true
		}
	}
	return false
}

// Cookie returns the first stored cookie with the given name.
func (s *State) Cookie(name string) (Cookie, bool) {
	for _, c := range s.Cookies {
		if c.Name == name {
			return c, true
		}
	}
	return Cookie{}, false
}

// CookiesFor returns the unexpired cookies to send to u, longest path first.
func (s *State) CookiesFor(u *url.URL, now time.Time) []Cookie {
	var out []Cookie
	for _, c := range s.Cookies {
		if c.Expired(now) || !c.Matches(u) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].path()) > len(out[j].path())
	})
	return out
}

// CookieHeader returns the Cookie header value for u, or "" if none match.
func (s *State) CookieHeader(u *url.URL, now time.Time) string {
	cookies := s.CookiesFor(u, now)
	parts := make([]string, len(cookies))
	for i, c := range cookies {
		parts[i] = c.Name + "=" + c.Value
	}
	return strings.Join(parts, "; ")
}

// ApplyResponseCookies stores Set-Cookie values received from u and reports
// whether the stored cookies changed. Expired or Max-Age<0 cookies are
// removed. Domain attributes that do not cover u, or that name a public
// suffix, are ignored.
func (s *State) ApplyResponseCookies(u *url.URL, received []*http.Cookie, now time.Time) bool {
	host := strings.ToLower(u.Hostname())
	changed := false

	for _, hc := range received {
		if hc == nil || hc.Name == "" {
			continue
		}

		c := Cookie{
			Name:     hc.Name,
			Value:    hc.Value,
			Domain:   host,
			Path:     hc.Path,
			Secure:   hc.Secure,
			HTTPOnly: hc.HttpOnly,
			SameSite: sameSiteString(hc.SameSite),
		}
		if hc.Domain != "" {
			d := "." + strings.TrimPrefix(strings.ToLower(hc.Domain), ".")
			if !domainMatch(host, d) || isPublicSuffix(d[1:]) {
				continue
			}
			c.Domain = d
		}
		if c.Path == "" || !strings.HasPrefix(c.Path, "/") {
			c.Path = defaultPath(u)
		}

		switch {
		case hc.MaxAge < 0:
			changed = s.RemoveCookie(c.Name, c.Domain, c.Path) || changed
			continue
		case hc.MaxAge > 0:
			exp := now.Add(time.Duration(hc.MaxAge) * time.Second).UTC()
			c.Expires = &exp
		case !hc.Expires.IsZero():
			exp := hc.Expires.UTC()
			if !exp.After(now) {
				changed = s.RemoveCookie(c.Name, c.Domain, c.Path) || changed
				continue
			}
			c.Expires = &exp
		}

		changed = s.SetCookie(c) || changed
	}
	return changed
}

// defaultPath implements RFC 6265 section 5.1.4 default-path.
func defaultPath(u *url.URL) string {
	p := requestPath(u)
	if !strings.HasPrefix(p, "/") || strings.Count(p, "/") == 1 {
		return "/"
	}
	return path.Dir(p)
}

func isPublicSuffix(domain string) bool {
	if net.ParseIP(domain) != nil {
		return false
	}
	suffix, _ := publicsuffix.PublicSuffix(domain)
	return suffix == domain
}

func sameSiteString(m http.SameSite) string {
	switch m {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return ""
	}
}

func cookiesEqual(a, b Cookie) bool {
	if a.Value != b.Value || a.Secure != b.Secure || a.HTTPOnly != b.HTTPOnly || a.SameSite != b.SameSite {
		return false
	}
	switch {
	case a.Expires == nil && b.Expires == nil:
		return true
	case a.Expires == nil || b.Expires == nil:
		return false
	default:
		return a.Expires.Equal(*b.Expires)
	}
}

// CookieDomains returns the distinct cookie domains, sorted.
func (s *State) CookieDomains() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range s.Cookies {
		d := strings.ToLower(c.Domain)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// InferDomain returns the registrable domain most cookies belong to, or ""
// for a State without cookie domains. Ties go to the alphabetically first.
func (s *State) InferDomain() string {
	counts := make(map[string]int)
	for _, c := range s.Cookies {
		if d := registrableDomain(c.Domain); d != "" {
			counts[d]++
		}
	}

	best, bestCount := "", 0
	for d, n := range counts {
		if n > bestCount || (n == bestCount && d < best) {
			best, bestCount = d, n
		}
	}
	return best
}

func registrableDomain(domain string) string {
	d := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if d == "" {
		return ""
	}
	if net.ParseIP(d) != nil {
		return d
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(d)
	if err != nil {
		return d
	}
	return etld1
}
