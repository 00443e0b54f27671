// Package tokens extracts, caches and injects dynamic authentication tokens
// such as CSRF tokens.
//
// Injection is optimistic: a cached token is sent even past its TTL, and is
// invalidated and re-extracted only after the server rejects a request.
package tokens

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Source is where a token value is read from.
type Source string

const (
	// SourceCookie reads a session cookie value.
	SourceCookie Source = "cookie"
	// SourceResponseHeader reads a header of the last response on hand.
	SourceResponseHeader Source = "response_header"
	// SourcePage fetches a page and applies a regular expression.
	SourcePage Source = "page"
)

// cost orders sources so cheap local reads happen before network round trips.
func (s Source) cost() int {
	switch s {
	case SourceCookie:
		return 0
	case SourceResponseHeader:
		return 1
	default:
		return 2
	}
}

// Defaults for page polling.
const (
	DefaultAttempts = 3
	DefaultInterval = 500 * time.Millisecond
)

// Rule declares how one token is obtained and where it is sent.
type Rule struct {
	// Name keys the token cache.
	Name string `yaml:"name"`
	// Header is the request header the token is injected as. Defaults to Name.
	Header string `yaml:"header,omitempty"`
	Source Source `yaml:"source"`
	// Locator is the cookie name, response header name, or page URL.
	Locator string `yaml:"locator"`
	// Pattern is a regular expression for page sources. The first capture
	// group is the token, or the whole match if there is no group.
	Pattern string `yaml:"pattern,omitempty"`
	// TTL is advisory; see package documentation.
	TTL time.Duration `yaml:"ttl,omitempty"`
	// Attempts and Interval bound page polling.
	Attempts int           `yaml:"attempts,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// NewCookieRule reads token name from the named cookie.
func NewCookieRule(name, cookie string, ttl time.Duration) (Rule, error) {
	r := Rule{Name: name, Header: name, Source: SourceCookie, Locator: cookie, TTL: ttl}
	return r, r.Validate()
}

// NewHeaderRule reads token name from a response header.
func NewHeaderRule(name, header string, ttl time.Duration) (Rule, error) {
	r := Rule{Name: name, Header: name, Source: SourceResponseHeader, Locator: header, TTL: ttl}
	return r, r.Validate()
}

// NewPageRule fetches pageURL and extracts token name with pattern.
func NewPageRule(name, pageURL, pattern string, ttl time.Duration) (Rule, error) {
	r := Rule{
		Name:     name,
		Header:   name,
		Source:   SourcePage,
		Locator:  pageURL,
		Pattern:  pattern,
		TTL:      ttl,
		Attempts: DefaultAttempts,
		Interval: DefaultInterval,
	}
	return r, r.Validate()
}

// InjectAs returns a copy of r injected under a different header name.
func (r Rule) InjectAs(header string) Rule {
	r.Header = header
	return r
}

// HeaderName returns the header the token is sent as.
func (r Rule) HeaderName() string {
	if r.Header == "" {
		return r.Name
	}
	return r.Header
}

// Validate checks that the rule is complete for its source.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("token rule: name is required")
	}
	if r.Locator == "" {
		return fmt.Errorf("token rule %q: locator is required", r.Name)
	}
	if r.TTL < 0 {
		return fmt.Errorf("token rule %q: ttl must not be negative", r.Name)
	}
	switch r.Source {
	case SourceCookie, SourceResponseHeader:
		if r.Pattern != "" {
			return fmt.Errorf("token rule %q: pattern only applies to page sources", r.Name)
		}
	case SourcePage:
		if r.Pattern == "" {
			return fmt.Errorf("token rule %q: page source requires a pattern", r.Name)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("token rule %q: invalid pattern: %w", r.Name, err)
		}
		if _, err := url.Parse(r.Locator); err != nil {
			return fmt.Errorf("token rule %q: invalid page url: %w", r.Name, err)
		}
		if r.Attempts < 0 || r.Interval < 0 {
			return fmt.Errorf("token rule %q: polling bounds must not be negative", r.Name)
		}
	default:
		return fmt.Errorf("token rule %q: unknown source %q", r.Name, r.Source)
	}
	return nil
}

// Config is a validated, immutable set of token rules.
type Config struct {
	rules []Rule
}

// NewConfig validates rules and rejects duplicate names or header targets.
func NewConfig(rules ...Rule) (Config, error) {
	names := make(map[string]bool, len(rules))
	hdrs := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return Config{}, err
		}
		if names[r.Name] {
			return Config{}, fmt.Errorf("token rule %q: duplicate name", r.Name)
		}
		h := strings.ToLower(r.HeaderName())
		if hdrs[h] {
			return Config{}, fmt.Errorf("token rule %q: header %q already injected by another rule", r.Name, r.HeaderName())
		}
		names[r.Name] = true
		hdrs[h] = true
	}
	return Config{rules: append([]Rule(nil), rules...)}, nil
}

// Rules returns a copy of the configured rules in declaration order.
func (c Config) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Len returns the number of rules.
func (c Config) Len() int {
	return len(c.rules)
}

// Rule returns the rule named name.
func (c Config) Rule(name string) (Rule, bool) {
	for _, r := range c.rules {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}
