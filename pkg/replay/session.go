// Package replay sends HTTP requests that carry a captured browser session:
// its cookies, its per-role header profiles and its dynamic tokens.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stavxyz/graftpunk-sub002/internal/observability"
	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
	metrics "github.com/stavxyz/graftpunk-sub002/pkg/observability"
	"github.com/stavxyz/graftpunk-sub002/pkg/session"
	"github.com/stavxyz/graftpunk-sub002/pkg/tokens"
)

// Session replays requests on behalf of one loaded session state.
//
// Requests on a Session are serialized: each call resolves headers and
// tokens, sends, and records cookie changes before the next call starts.
type Session struct {
	mu sync.Mutex

	state    *session.State
	client   *http.Client
	base     *url.URL
	replayer *headers.Replayer
	engine   *tokens.Engine
	budget   *RetryBudget
	saver    Saver
	saveName string
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	lastHeader     http.Header
	cookiesChanged bool
}

// New creates a Session over st. The Session owns st from here on; use
// State for a snapshot.
func New(st *session.State, opts ...Option) (*Session, error) {
	if st == nil {
		return nil, errs.Newf(errs.KindConfig, "replay session", "", "state is nil")
	}
	cfg := config{
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		state:    st,
		budget:   cfg.budget,
		saver:    cfg.saver,
		saveName: cfg.saveName,
		timeout:  cfg.timeout,
		logger:   cfg.logger,
		now:      cfg.now,
	}
	if s.budget == nil {
		s.budget = DefaultRetryBudget()
	}
	if cfg.baseURL != "" {
		base, err := url.Parse(cfg.baseURL)
		if err != nil || !base.IsAbs() {
			return nil, errs.Newf(errs.KindConfig, "replay session", s.saveName, "base url %q must be absolute", cfg.baseURL)
		}
		s.base = base
	}

	client := http.Client{}
	if cfg.client != nil {
		client = *cfg.client
	}
	client.Jar = stateJar{s}
	client.CheckRedirect = s.checkRedirect(client.CheckRedirect)
	s.client = &client

	ropts := []headers.Option{headers.WithLogger(cfg.logger)}
	if cfg.registry != nil {
		ropts = append(ropts, headers.WithRegistry(cfg.registry))
	}
	s.replayer = headers.NewReplayer(st.HeaderProfiles, ropts...)

	fetcher := cfg.fetcher
	if fetcher == nil {
		fetcher = tokens.PageFetcherFunc(s.fetchPage)
	}
	s.engine = tokens.NewEngine(st, cfg.tokens, fetcher,
		tokens.WithLogger(cfg.logger),
		tokens.WithClock(cfg.now))
	return s, nil
}

// State returns a copy of the current session state.
func (s *Session) State() *session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Identity returns the browser identity headers sent on every request.
func (s *Session) Identity() headers.Set {
	return s.replayer.Identity()
}

// Save persists the state through the autosave target.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saver == nil {
		return errs.Newf(errs.KindConfig, "replay save", "", "no autosave target configured")
	}
	_, err := s.saver.Save(ctx, s.saveName, s.state)
	return err
}

// SeedTokens caches token values captured at login. Empty values are logged
// and skipped.
func (s *Session) SeedTokens(raw map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Seed(raw)
}

// WarmTokens extracts every configured token that is not cached yet and
// returns the names that failed. Failures are logged, not returned.
func (s *Session) WarmTokens(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Warm(ctx, s.lastResponse())
}

// Get sends a GET request.
func (s *Session) Get(ctx context.Context, target string, opts ...RequestOption) (*http.Response, error) {
	return s.Request(ctx, http.MethodGet, target, opts...)
}

// Post sends a POST request.
func (s *Session) Post(ctx context.Context, target string, opts ...RequestOption) (*http.Response, error) {
	return s.Request(ctx, http.MethodPost, target, opts...)
}

// Put sends a PUT request.
func (s *Session) Put(ctx context.Context, target string, opts ...RequestOption) (*http.Response, error) {
	return s.Request(ctx, http.MethodPut, target, opts...)
}

// Patch sends a PATCH request.
func (s *Session) Patch(ctx context.Context, target string, opts ...RequestOption) (*http.Response, error) {
	return s.Request(ctx, http.MethodPatch, target, opts...)
}

// Delete sends a DELETE request.
func (s *Session) Delete(ctx context.Context, target string, opts ...RequestOption) (*http.Response, error) {
	return s.Request(ctx, http.MethodDelete, target, opts...)
}

// Head sends a HEAD request.
func (s *Session) Head(ctx context.Context, target string, opts ...RequestOption) (*http.Response, error) {
	return s.Request(ctx, http.MethodHead, target, opts...)
}

// Options sends an OPTIONS request.
func (s *Session) Options(ctx context.Context, target string, opts ...RequestOption) (*http.Response, error) {
	return s.Request(ctx, http.MethodOptions, target, opts...)
}

// Request sends method to target with the session's cookies, the headers of
// the request's role and any configured tokens. The response body is fully
// buffered and decoded.
//
// A 403 on a request that carried cached tokens invalidates those tokens,
// re-extracts them and retries once, subject to the retry budget. If the
// retry is rejected again, Request returns that response together with an
// error of kind errs.KindTokenRejected. Transport errors and timeouts are
// returned as is and never touch cached tokens.
func (s *Session) Request(ctx context.Context, method, target string, opts ...RequestOption) (resp *http.Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.err != nil {
		return nil, ro.err
	}

	u, err := s.resolve(target)
	if err != nil {
		return nil, err
	}
	var body []byte
	if ro.body != nil {
		if body, err = io.ReadAll(ro.body); err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	caller := ro.headers
	if ro.contentType != "" && !caller.Has("Content-Type") {
		caller = caller.With("Content-Type", ro.contentType)
	}
	if ro.referer != "" {
		ref, err := s.resolveAgainst(ro.referer, u)
		if err != nil {
			return nil, err
		}
		caller = caller.With("Referer", ref.String())
	}

	role := ro.role
	if role == "" {
		role = headers.ClassifyObservation(headers.Observation{Method: method, URL: u.String(), Headers: caller})
	}

	timeout := s.timeout
	if ro.timeout > 0 {
		timeout = ro.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := observability.StartSpan(ctx, "replay.request",
		attribute.String("http.method", method),
		attribute.String("http.host", u.Host),
		attribute.String("role", string(role)))
	defer func() { span.End(err) }()

	tokensBefore := maps.Clone(s.state.TokenCache)
	s.cookiesChanged = false
	defer func() {
		if saveErr := s.autosave(ctx, tokensBefore); saveErr != nil && err == nil {
			err = saveErr
		}
	}()

	tokenHdrs, err := s.engine.Prepare(ctx, s.lastResponse())
	if err != nil {
		return nil, err
	}

	out := outbound{method: method, url: u, role: role, caller: caller, body: body}
	resp, sent, err := s.send(ctx, out, tokenHdrs)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusForbidden || s.engine.Config().Len() == 0 {
		s.remember(resp)
		return resp, nil
	}

	implicated := s.engine.Implicated(sent)
	if len(implicated) == 0 {
		s.remember(resp)
		return resp, nil
	}
	if !s.budget.Allow(u.Hostname()) {
		metrics.RecordTokenRefresh(metrics.RefreshBudgetExhausted)
		s.logger.Warn("token retry budget exhausted, returning 403 without retry",
			zap.String("host", u.Host),
			zap.Strings("tokens", implicated))
		s.remember(resp)
		return resp, nil
	}

	s.logger.Info("request rejected, refreshing tokens",
		zap.String("method", method),
		zap.String("host", u.Host),
		zap.Strings("tokens", implicated))
	s.remember(resp)
	tokenHdrs, err = s.engine.Refresh(ctx, implicated, resp)
	if err != nil {
		metrics.RecordTokenRefresh(metrics.RefreshFailed)
		return resp, err
	}

	retry, _, err := s.send(ctx, out, tokenHdrs)
	if err != nil {
		metrics.RecordTokenRefresh(metrics.RefreshFailed)
		return nil, err
	}
	s.remember(retry)
	if retry.StatusCode == http.StatusForbidden {
		metrics.RecordTokenRefresh(metrics.RefreshRejected)
		return retry, errs.Newf(errs.KindTokenRejected, "replay request", s.saveName,
			"%s %s rejected after token refresh", method, redact(u))
	}
	metrics.RecordTokenRefresh(metrics.RefreshAccepted)
	return retry, nil
}

type outbound struct {
	method string
	url    *url.URL
	role   headers.Role
	caller headers.Set
	body   []byte
}

// send performs one HTTP exchange and returns the response with the headers
// that were set on the request.
func (s *Session) send(ctx context.Context, out outbound, tokenHdrs headers.Set) (*http.Response, headers.Set, error) {
	base := s.replayer.Build(out.role, nil).
		Without("Cookie").
		Without("Host").
		Without("Content-Length")
	if out.body == nil {
		base = base.Without("Content-Type")
	}
	if len(tokenHdrs) > 0 && !s.tokenScoped(out.url) {
		s.logger.Debug("not sending tokens to a foreign host", zap.String("host", out.url.Host))
		tokenHdrs = nil
	}
	hdrs := base.Merge(tokenHdrs).Merge(out.caller)

	var body io.Reader
	if out.body != nil {
		body = bytes.NewReader(out.body)
	}
	req, err := http.NewRequestWithContext(ctx, out.method, out.url.String(), body)
	if err != nil {
		return nil, hdrs, fmt.Errorf("%s %s: %w", out.method, redact(out.url), err)
	}
	hdrs.Apply(req.Header)

	start := time.Now()
	resp, err := s.client.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	metrics.RecordReplayRequest(out.method, string(out.role), status, time.Since(start))
	if err != nil {
		return nil, hdrs, fmt.Errorf("%s %s: %w", out.method, redact(out.url), err)
	}
	if err := bufferBody(resp); err != nil {
		return nil, hdrs, fmt.Errorf("%s %s: %w", out.method, redact(out.url), err)
	}

	s.logger.Debug("replayed request",
		zap.String("method", out.method),
		zap.String("url", redact(out.url)),
		zap.String("role", string(out.role)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return resp, hdrs, nil
}

// fetchPage is the default page fetcher for page-sourced tokens. It runs
// inside Request, with s.mu already held.
func (s *Session) fetchPage(ctx context.Context, locator string) (string, error) {
	u, err := s.resolve(locator)
	if err != nil {
		return "", err
	}
	out := outbound{method: http.MethodGet, url: u, role: headers.Navigation}
	resp, _, err := s.send(ctx, out, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("fetch %s: status %d", redact(u), resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}

func (s *Session) autosave(ctx context.Context, tokensBefore map[string]session.CachedToken) error {
	if s.saver == nil {
		return nil
	}
	if !s.cookiesChanged && maps.Equal(tokensBefore, s.state.TokenCache) {
		return nil
	}
	// Save even when the request context has expired.
	if _, err := s.saver.Save(context.WithoutCancel(ctx), s.saveName, s.state); err != nil {
		s.logger.Warn("autosave failed", zap.String("session", s.saveName), zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) remember(resp *http.Response) {
	s.lastHeader = resp.Header.Clone()
}

func (s *Session) lastResponse() *http.Response {
	if s.lastHeader == nil {
		return nil
	}
	return &http.Response{Header: s.lastHeader}
}

func (s *Session) resolve(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errs.New(errs.KindConfig, "replay request", s.saveName, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if s.base == nil {
		return nil, errs.Newf(errs.KindConfig, "replay request", s.saveName, "relative url %q without a base url", target)
	}
	return s.base.ResolveReference(u), nil
}

// resolveAgainst resolves ref against the base URL, or against the request
// URL when no base is configured.
func (s *Session) resolveAgainst(ref string, reqURL *url.URL) (*url.URL, error) {
	if s.base != nil {
		return s.resolve(ref)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, errs.New(errs.KindConfig, "replay request", s.saveName, err)
	}
	return reqURL.ResolveReference(u), nil
}

// tokenScoped reports whether u belongs to the session: the base URL's host,
// the session domain or one of its cookie domains, subdomains included.
func (s *Session) tokenScoped(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if s.base != nil && strings.EqualFold(s.base.Hostname(), host) {
		return true
	}
	domains := append([]string{s.state.Metadata.Domain}, s.state.CookieDomains()...)
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(d), ".")
		if d != "" && (host == d || strings.HasSuffix(host, "."+d)) {
			return true
		}
	}
	return false
}

// checkRedirect strips token headers from redirects that leave the session's
// hosts before deferring to next, or to the default ten-redirect limit.
func (s *Session) checkRedirect(next func(*http.Request, []*http.Request) error) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if !s.tokenScoped(req.URL) {
			for _, r := range s.engine.Config().Rules() {
				req.Header.Del(r.HeaderName())
			}
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
}

// redact drops the query string, which often carries tokens, from log output.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}

// stateJar is an http.CookieJar over the session state, so redirects and
// page fetches see the same cookies as replayed requests.
type stateJar struct{ s *Session }

func (j stateJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if j.s.state.ApplyResponseCookies(u, cookies, j.s.now()) {
		j.s.cookiesChanged = true
	}
}

func (j stateJar) Cookies(u *url.URL) []*http.Cookie {
	matched := j.s.state.CookiesFor(u, j.s.now())
	out := make([]*http.Cookie, len(matched))
	for i, c := range matched {
		out[i] = &http.Cookie{Name: c.Name, Value: c.Value}
	}
	return out
}
