package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stavxyz/graftpunk-sub002/internal/observability"
	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
	metrics "github.com/stavxyz/graftpunk-sub002/pkg/observability"
	"github.com/stavxyz/graftpunk-sub002/pkg/session"
)

// Store is the token engine's view of session state. *session.State
// implements it.
type Store interface {
	Token(name string) (session.CachedToken, bool)
	SetToken(name string, tok session.CachedToken)
	DeleteToken(name string) bool
	Cookie(name string) (session.Cookie, bool)
}

// PageFetcher returns the current content of a page.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) (string, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, pageURL string) (string, error)

// FetchPage calls f.
func (f PageFetcherFunc) FetchPage(ctx context.Context, pageURL string) (string, error) {
	return f(ctx, pageURL)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source for extraction timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine resolves token headers for outbound requests.
// An Engine is not safe for concurrent use; the owning replay session
// serializes calls.
type Engine struct {
	store    Store
	cfg      Config
	fetcher  PageFetcher
	patterns map[string]*regexp.Regexp
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	logger   *zap.Logger
}

// NewEngine creates an Engine over store. fetcher may be nil when no rule
// uses a page source.
func NewEngine(store Store, cfg Config, fetcher PageFetcher, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		cfg:      cfg,
		fetcher:  fetcher,
		patterns: make(map[string]*regexp.Regexp),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
		logger:   zap.NewNop(),
	}
	for _, r := range cfg.rules {
		if r.Source == SourcePage {
			// NewConfig validated the pattern.
			e.patterns[r.Name] = regexp.MustCompile(r.Pattern)
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's rules.
func (e *Engine) Config() Config {
	return e.cfg
}

// Prepare returns the token headers to merge into an outbound request.
//
// A cached token is used as is, even past its TTL. Absent tokens are
// extracted in cost order: cookies, then headers of last (the most recent
// response, may be nil), then page fetches. A token that cannot be extracted
// is logged at Warn and left out, so the request still goes out and its
// response or cookies can supply the value. Only a done ctx aborts, with
// ctx's error; tokens extracted before it stay cached.
func (e *Engine) Prepare(ctx context.Context, last *http.Response) (headers.Set, error) {
	values := make(map[string]string, len(e.cfg.rules))
	for _, r := range costOrdered(e.cfg.rules) {
		if tok, ok := e.store.Token(r.Name); ok && tok.Value != "" {
			if tok.Stale(e.now()) {
				e.logger.Debug("using token past its ttl", zap.String("token", r.Name))
			}
			values[r.Name] = tok.Value
			continue
		}

		v, err := e.extract(ctx, r, last)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %w", err, ctxErr)
			}
			e.logger.Warn("token extraction failed, sending without it",
				zap.String("token", r.Name),
				zap.Error(err))
			continue
		}
		e.store.SetToken(r.Name, session.CachedToken{
			Value:       v,
			ExtractedAt: e.now(),
			TTLSeconds:  int64(r.TTL / time.Second),
		})
		values[r.Name] = v
	}

	var out headers.Set
	for _, r := range e.cfg.rules {
		if v, ok := values[r.Name]; ok {
			out = out.With(r.HeaderName(), v)
		}
	}
	return out, nil
}

// Implicated returns the names of tokens whose cached value was actually
// sent in sent. Tokens the caller overrode are not implicated by a rejection.
func (e *Engine) Implicated(sent headers.Set) []string {
	var names []string
	for _, r := range e.cfg.rules {
		tok, ok := e.store.Token(r.Name)
		if !ok {
			continue
		}
		if v, ok := sent.Lookup(r.HeaderName()); ok && v == tok.Value {
			names = append(names, r.Name)
		}
	}
	return names
}

// Invalidate clears the named tokens from the cache and returns the names
// that were present. Other tokens are untouched.
func (e *Engine) Invalidate(names ...string) []string {
	var cleared []string
	for _, name := range names {
		if e.store.DeleteToken(name) {
			cleared = append(cleared, name)
		}
	}
	if len(cleared) > 0 {
		e.logger.Debug("invalidated tokens", zap.Strings("tokens", cleared))
	}
	return cleared
}

// Refresh invalidates names and re-resolves every token header.
func (e *Engine) Refresh(ctx context.Context, names []string, last *http.Response) (headers.Set, error) {
	e.Invalidate(names...)
	return e.Prepare(ctx, last)
}

// Seed caches token values captured during login. Empty values are logged
// as extraction failures and skipped; seeding never fails.
func (e *Engine) Seed(raw map[string]string) {
	now := e.now()
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := raw[name]
		if value == "" {
			err := errs.Newf(errs.KindTokenExtraction, "token seed", name, "empty value captured at login")
			e.logger.Warn("token not captured", zap.Error(err))
			continue
		}
		tok := session.CachedToken{Value: value, ExtractedAt: now}
		if r, ok := e.cfg.Rule(name); ok {
			tok.TTLSeconds = int64(r.TTL / time.Second)
		}
		e.store.SetToken(name, tok)
	}
}

// Warm extracts every absent token, logging failures instead of returning
// them, and returns the names that could not be extracted.
func (e *Engine) Warm(ctx context.Context, last *http.Response) []string {
	var failed []string
	for _, r := range costOrdered(e.cfg.rules) {
		if tok, ok := e.store.Token(r.Name); ok && tok.Value != "" {
			continue
		}
		v, err := e.extract(ctx, r, last)
		if err != nil {
			e.logger.Warn("token extraction failed", zap.String("token", r.Name), zap.Error(err))
			failed = append(failed, r.Name)
			continue
		}
		e.store.SetToken(r.Name, session.CachedToken{
			Value:       v,
			ExtractedAt: e.now(),
			TTLSeconds:  int64(r.TTL / time.Second),
		})
	}
	return failed
}

func (e *Engine) extract(ctx context.Context, r Rule, last *http.Response) (string, error) {
	const op = "token extract"
	var (
		value string
		err   error
	)
	switch r.Source {
	case SourceCookie:
		c, ok := e.store.Cookie(r.Locator)
		if !ok || c.Value == "" {
			err = fmt.Errorf("cookie %q not present", r.Locator)
		}
		value = c.Value
	case SourceResponseHeader:
		if last != nil {
			value = last.Header.Get(r.Locator)
		}
		if value == "" {
			err = fmt.Errorf("response header %q not present", r.Locator)
		}
	case SourcePage:
		value, err = e.poll(ctx, r)
	default:
		err = fmt.Errorf("unknown source %q", r.Source)
	}

	metrics.RecordTokenExtraction(string(r.Source), err == nil)
	if err != nil {
		return "", errs.New(errs.KindTokenExtraction, op, r.Name, err)
	}
	e.logger.Debug("token extracted", zap.String("token", r.Name), zap.String("source", string(r.Source)))
	return value, nil
}

// poll fetches the page up to Attempts times, checking content before each
// sleep. The first fetch happens immediately.
func (e *Engine) poll(ctx context.Context, r Rule) (value string, err error) {
	ctx, span := observability.StartSpan(ctx, "token.poll",
		attribute.String("token", r.Name),
		attribute.String("url", r.Locator))
	defer func() { span.End(err) }()

	if e.fetcher == nil {
		return "", errors.New("no page fetcher configured")
	}
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	re := e.patterns[r.Name]

	var lastErr error
	for i := 0; i < attempts; i++ {
		body, ferr := e.fetcher.FetchPage(ctx, r.Locator)
		switch {
		case ferr != nil:
			if ctx.Err() != nil {
				return "", ferr
			}
			lastErr = ferr
		default:
			if v, ok := match(re, body); ok {
				span.SetAttributes(attribute.Int("attempts", i+1))
				return v, nil
			}
			lastErr = fmt.Errorf("pattern %q not found in %s", re.String(), r.Locator)
		}

		if i == attempts-1 {
			break
		}
		if err := e.sleep(ctx, interval); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func match(re *regexp.Regexp, body string) (string, bool) {
	m := re.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		return m[1], m[1] != ""
	}
	return m[0], m[0] != ""
}

func costOrdered(rules []Rule) []Rule {
	out := append([]Rule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Source.cost() < out[j].Source.cost()
	})
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
