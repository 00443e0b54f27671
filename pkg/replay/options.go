package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
	"github.com/stavxyz/graftpunk-sub002/pkg/session"
	"github.com/stavxyz/graftpunk-sub002/pkg/tokens"
)

// Saver persists session state. *session.Cache implements it.
type Saver interface {
	Save(ctx context.Context, name string, st *session.State) (string, error)
}

type config struct {
	client   *http.Client
	baseURL  string
	tokens   tokens.Config
	fetcher  tokens.PageFetcher
	logger   *zap.Logger
	saver    Saver
	saveName string
	budget   *RetryBudget
	timeout  time.Duration
	registry *headers.Registry
	now      func() time.Time
}

// Option configures a Session.
type Option func(*config)

// WithHTTPClient sets the client used for requests. The client is copied and
// its cookie jar replaced by one backed by the session state.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.client = c }
}

// WithBaseURL resolves relative request and referer paths against base.
func WithBaseURL(base string) Option {
	return func(cfg *config) { cfg.baseURL = base }
}

// WithTokenRules enables token injection with the given rules.
func WithTokenRules(tc tokens.Config) Option {
	return func(cfg *config) { cfg.tokens = tc }
}

// WithPageFetcher overrides how page-sourced tokens fetch pages. By default
// the session fetches them itself as navigation requests.
func WithPageFetcher(f tokens.PageFetcher) Option {
	return func(cfg *config) { cfg.fetcher = f }
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithAutosave saves the state under name through saver after any request
// that changed cookies or tokens.
func WithAutosave(saver Saver, name string) Option {
	return func(cfg *config) {
		cfg.saver = saver
		cfg.saveName = name
	}
}

// WithRetryBudget replaces the default token-refresh retry budget.
func WithRetryBudget(b *RetryBudget) Option {
	return func(cfg *config) { cfg.budget = b }
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.timeout = d }
}

// WithRegistry supplies custom roles and their fallback headers.
func WithRegistry(r *headers.Registry) Option {
	return func(cfg *config) { cfg.registry = r }
}

// WithClock overrides the time source used for cookie expiry.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

type requestOptions struct {
	role        headers.Role
	headers     headers.Set
	body        io.Reader
	contentType string
	referer     string
	timeout     time.Duration
	err         error
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

// WithRole selects the header profile instead of inferring it.
func WithRole(role headers.Role) RequestOption {
	return func(o *requestOptions) { o.role = role }
}

// WithHeaders adds caller headers. Caller headers override everything else,
// identity and token headers included.
func WithHeaders(h headers.Set) RequestOption {
	return func(o *requestOptions) { o.headers = o.headers.Merge(h) }
}

// WithHeader adds a single caller header.
func WithHeader(name, value string) RequestOption {
	return func(o *requestOptions) { o.headers = o.headers.With(name, value) }
}

// WithBody sends body with the given content type. The body is buffered so
// a token retry can resend it.
func WithBody(contentType string, body io.Reader) RequestOption {
	return func(o *requestOptions) {
		o.contentType = contentType
		o.body = body
	}
}

// WithForm sends values as an urlencoded form.
func WithForm(values url.Values) RequestOption {
	return WithBody("application/x-www-form-urlencoded", strings.NewReader(values.Encode()))
}

// WithJSON sends v encoded as JSON.
func WithJSON(v any) RequestOption {
	return func(o *requestOptions) {
		b, err := json.Marshal(v)
		if err != nil {
			o.err = fmt.Errorf("encode json body: %w", err)
			return
		}
		o.contentType = "application/json"
		o.body = strings.NewReader(string(b))
	}
}

// WithReferer sets the Referer header, resolving a relative path against
// the session base URL.
func WithReferer(ref string) RequestOption {
	return func(o *requestOptions) { o.referer = ref }
}

// WithRequestTimeout overrides the session timeout for one request.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}
