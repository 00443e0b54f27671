package config

import (
	"fmt"
	"net/url"
	"sort"
	"time"
)

// DefaultLoginTimeout bounds a declarative login when none is configured.
const DefaultLoginTimeout = 2 * time.Minute

// LoginConfig describes a declarative form login: the page to open, the
// field selectors to fill and the submit control to click. Values are
// immutable once constructed.
type LoginConfig struct {
	url     string
	fields  map[string]string
	submit  string
	success string
	timeout time.Duration
}

// NewLoginConfig validates a login description. The URL, at least one field
// and the submit selector are all required.
func NewLoginConfig(loginURL string, fields map[string]string, submit string) (LoginConfig, error) {
	if loginURL == "" || len(fields) == 0 || submit == "" {
		return LoginConfig{}, fmt.Errorf("login requires url, fields and submit together")
	}
	u, err := url.Parse(loginURL)
	if err != nil || !u.IsAbs() {
		return LoginConfig{}, fmt.Errorf("login url %q must be absolute", loginURL)
	}
	copied := make(map[string]string, len(fields))
	for sel, value := range fields {
		if sel == "" {
			return LoginConfig{}, fmt.Errorf("login field selector must not be empty")
		}
		copied[sel] = value
	}
	return LoginConfig{
		url:     loginURL,
		fields:  copied,
		submit:  submit,
		timeout: DefaultLoginTimeout,
	}, nil
}

// WithSuccess returns a copy that waits for selector after submitting.
func (c LoginConfig) WithSuccess(selector string) LoginConfig {
	c.success = selector
	return c
}

// WithTimeout returns a copy with a different overall deadline.
func (c LoginConfig) WithTimeout(d time.Duration) LoginConfig {
	c.timeout = d
	return c
}

func (c LoginConfig) URL() string             { return c.url }
func (c LoginConfig) Submit() string          { return c.submit }
func (c LoginConfig) Success() string         { return c.success }
func (c LoginConfig) Timeout() time.Duration  { return c.timeout }
func (c LoginConfig) IsZero() bool            { return c.url == "" }

// Fields returns the selectors to fill, sorted, and their values.
func (c LoginConfig) Fields() ([]string, map[string]string) {
	sels := make([]string, 0, len(c.fields))
	values := make(map[string]string, len(c.fields))
	for sel, v := range c.fields {
		sels = append(sels, sel)
		values[sel] = v
	}
	sort.Strings(sels)
	return sels, values
}
