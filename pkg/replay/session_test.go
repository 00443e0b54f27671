package replay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
	"github.com/stavxyz/graftpunk-sub002/pkg/session"
	"github.com/stavxyz/graftpunk-sub002/pkg/storage"
	"github.com/stavxyz/graftpunk-sub002/pkg/tokens"
	"github.com/stavxyz/graftpunk-sub002/pkg/vault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testUA = "Mozilla/5.0 (X11; Linux x86_64) GraftpunkTest/1.0"

func testClient() *http.Client {
	return &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
}

// acmeState returns a session with three host-only cookies for host and an
// xhr profile.
func acmeState(host string) *session.State {
	st := session.New(time.Now().UTC(), 24)
	for _, c := range []session.Cookie{
		{Name: "sessionid", Value: "s1", Domain: host, Path: "/"},
		{Name: "csrftoken", Value: "c1", Domain: host, Path: "/"},
		{Name: "theme", Value: "dark", Domain: host, Path: "/"},
	} {
		st.SetCookie(c)
	}
	st.SetProfile(headers.XHR, headers.Set{
		{Name: "User-Agent", Value: testUA},
		{Name: "Accept", Value: "application/json"},
		{Name: "X-Requested-With", Value: "XMLHttpRequest"},
	})
	return st
}

func serverHost(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Hostname()
}

// recorder keeps copies of the requests a test server received.
type recorder struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (rec *recorder) add(r *http.Request) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.reqs = append(rec.reqs, r.Clone(context.Background()))
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec.add(r)
}

func (rec *recorder) all() []*http.Request {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]*http.Request(nil), rec.reqs...)
}

func cookieMap(r *http.Request) map[string]string {
	out := make(map[string]string)
	for _, c := range r.Cookies() {
		out[c.Name] = c.Value
	}
	return out
}

func TestSession_EndToEndThroughFreshCache(t *testing.T) {
	var rec recorder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"items":[]}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	key := make([]byte, vault.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := vault.New(key)
	require.NoError(t, err)

	ctx := context.Background()
	backend, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	_, err = session.NewCache(v, backend).Save(ctx, "acme", acmeState(serverHost(t, srv)))
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	freshBackend, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	defer freshBackend.Close()
	st, err := session.NewCache(v, freshBackend).Load(ctx, "acme")
	require.NoError(t, err)

	s, err := New(st, WithHTTPClient(testClient()), WithBaseURL(srv.URL))
	require.NoError(t, err)
	resp, err := s.Get(ctx, "/api/items", WithRole(headers.XHR))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, string(body))

	reqs := rec.all()
	require.Len(t, reqs, 1)
	seen := reqs[0]
	assert.Equal(t, "XMLHttpRequest", seen.Header.Get("X-Requested-With"))
	assert.Equal(t, testUA, seen.Header.Get("User-Agent"))
	assert.Equal(t, map[string]string{"sessionid": "s1", "csrftoken": "c1", "theme": "dark"}, cookieMap(seen))
}

func TestSession_HeaderPrecedenceAndRoleInference(t *testing.T) {
	var rec recorder
	srv := httptest.NewServer(&rec)
	defer srv.Close()

	core, logs := observer.New(zap.WarnLevel)
	st := acmeState(serverHost(t, srv))
	s, err := New(st, WithHTTPClient(testClient()), WithBaseURL(srv.URL), WithLogger(zap.New(core)))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "/a", WithRole(headers.XHR), WithHeader("User-Agent", "caller/1.0"))
	require.NoError(t, err)
	_, err = s.Delete(ctx, "/b")
	require.NoError(t, err)
	_, err = s.Post(ctx, "/c", WithForm(url.Values{"q": {"1"}}), WithReferer("/search?x=1"))
	require.NoError(t, err)
	_, err = s.Get(ctx, "/d", WithHeader("Sec-Fetch-Mode", "navigate"), WithHeader("Sec-Fetch-Dest", "document"))
	require.NoError(t, err)

	seen := rec.all()
	require.Len(t, seen, 4)
	assert.Equal(t, "caller/1.0", seen[0].Header.Get("User-Agent"), "caller headers win over identity")

	assert.Equal(t, "XMLHttpRequest", seen[1].Header.Get("X-Requested-With"), "DELETE replays as xhr")
	assert.Equal(t, testUA, seen[1].Header.Get("User-Agent"))

	assert.Equal(t, srv.URL+"/search?x=1", seen[2].Header.Get("Referer"))
	assert.Equal(t, "application/x-www-form-urlencoded", seen[2].Header.Get("Content-Type"))
	assert.Equal(t, "max-age=0", seen[2].Header.Get("Cache-Control"), "form fallback headers")
	assert.Equal(t, testUA, seen[2].Header.Get("User-Agent"), "identity survives fallback")

	assert.Equal(t, "1", seen[3].Header.Get("Upgrade-Insecure-Requests"), "navigation fallback headers")
	assert.Equal(t, 1, logs.FilterMessage("header profile missing, using canonical fallback").
		FilterField(zap.String("role", "form")).Len())
	assert.Equal(t, 1, logs.FilterMessage("header profile missing, using canonical fallback").
		FilterField(zap.String("role", "navigation")).Len())
}

// tokenServer serves a CSRF token page and an API that accepts only the
// current token.
type tokenServer struct {
	*httptest.Server
	mu       sync.Mutex
	current  string
	apiSeen  []string
	pageHits int
	// rejectAll makes the API refuse every token; block makes it hang
	// until the client gives up.
	rejectAll bool
	block     bool
}

func newTokenServer(current string) *tokenServer {
	ts := &tokenServer{current: current}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.pageHits++
		cur := ts.current
		ts.mu.Unlock()
		_, _ = io.WriteString(w, `<meta name="csrf-token" content="`+cur+`">`)
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.apiSeen = append(ts.apiSeen, r.Header.Get("X-CSRF-Token"))
		ok := !ts.rejectAll && r.Header.Get("X-CSRF-Token") == ts.current
		block := ts.block
		ts.mu.Unlock()
		if block {
			<-r.Context().Done()
			return
		}
		if !ok {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	ts.Server = httptest.NewServer(mux)
	return ts
}

func (ts *tokenServer) configure(fn func(ts *tokenServer)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	fn(ts)
}

func (ts *tokenServer) seen() (api []string, pageHits int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.apiSeen...), ts.pageHits
}

func staleTokenState(host, value string) *session.State {
	st := acmeState(host)
	st.SetToken("X-CSRF-Token", session.CachedToken{
		Value:       value,
		ExtractedAt: time.Now().Add(-48 * time.Hour),
		TTLSeconds:  60,
	})
	return st
}

func csrfRules(t *testing.T) tokens.Config {
	t.Helper()
	r, err := tokens.NewPageRule("X-CSRF-Token", "/token", `name="csrf-token" content="(\w+)"`, time.Hour)
	require.NoError(t, err)
	r.Interval = time.Millisecond
	cfg, err := tokens.NewConfig(r)
	require.NoError(t, err)
	return cfg
}

func TestSession_TokenEAFP(t *testing.T) {
	ts := newTokenServer("T2")
	defer ts.Close()

	st := staleTokenState(serverHost(t, ts.Server), "T1")
	s, err := New(st, WithHTTPClient(testClient()), WithBaseURL(ts.URL), WithTokenRules(csrfRules(t)))
	require.NoError(t, err)

	resp, err := s.Post(context.Background(), "/api", WithJSON(map[string]string{"a": "b"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	api, pageHits := ts.seen()
	assert.Equal(t, []string{"T1", "T2"}, api, "stale T1 is sent first, then refreshed T2")
	assert.Equal(t, 1, pageHits)

	tok, ok := s.State().Token("X-CSRF-Token")
	require.True(t, ok)
	assert.Equal(t, "T2", tok.Value)

	// Cached T2 is reused without another extraction.
	_, err = s.Post(context.Background(), "/api")
	require.NoError(t, err)
	_, pageHits = ts.seen()
	assert.Equal(t, 1, pageHits)
}

func TestSession_SecondRejectionIsSurfaced(t *testing.T) {
	ts := newTokenServer("T2")
	defer ts.Close()
	ts.configure(func(ts *tokenServer) { ts.rejectAll = true })

	st := staleTokenState(serverHost(t, ts.Server), "T1")
	s, err := New(st, WithHTTPClient(testClient()), WithBaseURL(ts.URL), WithTokenRules(csrfRules(t)))
	require.NoError(t, err)

	resp, err := s.Post(context.Background(), "/api")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.ErrorIs(t, err, errs.ErrTokenRejected)

	api, pageHits := ts.seen()
	assert.Equal(t, []string{"T1", "T2"}, api, "exactly one retry")
	assert.Equal(t, 1, pageHits)
}

func TestSession_RetryBudgetExhausted(t *testing.T) {
	ts := newTokenServer("T2")
	defer ts.Close()

	core, logs := observer.New(zap.WarnLevel)
	st := staleTokenState(serverHost(t, ts.Server), "T1")
	s, err := New(st,
		WithHTTPClient(testClient()),
		WithBaseURL(ts.URL),
		WithTokenRules(csrfRules(t)),
		WithRetryBudget(NewRetryBudget(0, 0)),
		WithLogger(zap.New(core)))
	require.NoError(t, err)

	resp, err := s.Post(context.Background(), "/api")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	api, pageHits := ts.seen()
	assert.Equal(t, []string{"T1"}, api)
	assert.Equal(t, 0, pageHits)
	assert.Equal(t, 1, logs.FilterMessage("token retry budget exhausted, returning 403 without retry").Len())

	tok, _ := s.State().Token("X-CSRF-Token")
	assert.Equal(t, "T1", tok.Value, "no refresh without budget")
}

func TestSession_TimeoutDoesNotInvalidateTokens(t *testing.T) {
	ts := newTokenServer("T1")
	defer ts.Close()
	ts.configure(func(ts *tokenServer) { ts.block = true })

	st := staleTokenState(serverHost(t, ts.Server), "T1")
	s, err := New(st, WithHTTPClient(testClient()), WithBaseURL(ts.URL), WithTokenRules(csrfRules(t)))
	require.NoError(t, err)

	_, err = s.Post(context.Background(), "/api", WithRequestTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	tok, ok := s.State().Token("X-CSRF-Token")
	require.True(t, ok)
	assert.Equal(t, "T1", tok.Value)
	_, pageHits := ts.seen()
	assert.Equal(t, 0, pageHits)
}

func TestSession_SetCookieAutosave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "fresh", Value: "f1", Path: "/"})
			http.SetCookie(w, &http.Cookie{Name: "theme", MaxAge: -1, Path: "/"})
			http.Redirect(w, r, "/home", http.StatusFound)
		case "/home":
			_, _ = io.WriteString(w, r.Header.Get("Cookie"))
		}
	}))
	defer srv.Close()

	key := make([]byte, vault.KeySize)
	v, err := vault.New(key)
	require.NoError(t, err)
	cache := session.NewCache(v, storage.NewMemoryBackend())
	ctx := context.Background()

	s, err := New(acmeState(serverHost(t, srv)),
		WithHTTPClient(testClient()),
		WithBaseURL(srv.URL),
		WithAutosave(cache, "acme"))
	require.NoError(t, err)

	resp, err := s.Get(ctx, "/login")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "fresh=f1", "redirect carries the new cookie")
	assert.NotContains(t, string(body), "theme=")

	saved, err := cache.Load(ctx, "acme")
	require.NoError(t, err)
	c, ok := saved.Cookie("fresh")
	require.True(t, ok)
	assert.Equal(t, "f1", c.Value)
	_, ok = saved.Cookie("theme")
	assert.False(t, ok)
}

func TestSession_AutosaveOnlyOnChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	saver := &countingSaver{}
	s, err := New(acmeState(serverHost(t, srv)), WithHTTPClient(testClient()), WithAutosave(saver, "acme"))
	require.NoError(t, err)
	_, err = s.Get(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, int32(0), saver.n.Load())
}

type countingSaver struct{ n atomic.Int32 }

func (c *countingSaver) Save(ctx context.Context, name string, st *session.State) (string, error) {
	c.n.Add(1)
	return "id", nil
}

func TestSession_RelativeURLWithoutBase(t *testing.T) {
	s, err := New(session.New(time.Now(), 1))
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "/relative")
	assert.ErrorIs(t, err, errs.ErrConfig)

	_, err = New(session.New(time.Now(), 1), WithBaseURL("not-absolute"))
	assert.ErrorIs(t, err, errs.ErrConfig)

	_, err = New(nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestSession_RequestsAreSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	s, err := New(acmeState(serverHost(t, srv)), WithHTTPClient(testClient()), WithBaseURL(srv.URL))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Get(context.Background(), "/x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestSession_HeadersOnlyAuth(t *testing.T) {
	var rec recorder
	srv := httptest.NewServer(&rec)
	defer srv.Close()

	st := session.New(time.Now(), 1)
	st.SetToken("Authorization", session.CachedToken{Value: "Bearer abc"})
	rule, err := tokens.NewHeaderRule("Authorization", "X-New-Auth", 0)
	require.NoError(t, err)
	cfg, err := tokens.NewConfig(rule)
	require.NoError(t, err)

	s, err := New(st, WithHTTPClient(testClient()), WithBaseURL(srv.URL), WithTokenRules(cfg))
	require.NoError(t, err)
	_, err = s.Get(context.Background(), srv.URL+"/me")
	require.NoError(t, err)

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer abc", reqs[0].Header.Get("Authorization"))
	assert.Empty(t, reqs[0].Header.Get("Cookie"))
}

func TestSession_UncapturedHeaderTokenDoesNotBlockRequests(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sent = append(sent, r.Header.Get("X-CSRF-Token"))
		mu.Unlock()
		w.Header().Set("X-CSRF-Token", "H1")
	}))
	defer srv.Close()

	rule, err := tokens.NewHeaderRule("X-CSRF-Token", "X-CSRF-Token", 0)
	require.NoError(t, err)
	cfg, err := tokens.NewConfig(rule)
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	s, err := New(acmeState(serverHost(t, srv)),
		WithHTTPClient(testClient()),
		WithBaseURL(srv.URL),
		WithTokenRules(cfg),
		WithLogger(zap.New(core)))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := s.Get(context.Background(), "/api")
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "H1", "H1"}, sent)
	assert.Equal(t, 1, logs.FilterMessage("token extraction failed, sending without it").Len())
}

func TestSession_RejectionWithoutReplacementTokenRecovers(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sent = append(sent, r.Header.Get("X-CSRF-Token"))
		first := len(sent) == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("X-CSRF-Token", "fresh")
	}))
	defer srv.Close()

	rule, err := tokens.NewHeaderRule("X-CSRF-Token", "X-CSRF-Token", 0)
	require.NoError(t, err)
	cfg, err := tokens.NewConfig(rule)
	require.NoError(t, err)

	st := acmeState(serverHost(t, srv))
	st.SetToken("X-CSRF-Token", session.CachedToken{Value: "stale", ExtractedAt: time.Now()})
	saver := &countingSaver{}
	s, err := New(st,
		WithHTTPClient(testClient()),
		WithBaseURL(srv.URL),
		WithTokenRules(cfg),
		WithAutosave(saver, "acme"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := s.Get(context.Background(), "/api")
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stale", "", "fresh", "fresh"}, sent)
	tok, ok := s.State().Token("X-CSRF-Token")
	require.True(t, ok)
	assert.Equal(t, "fresh", tok.Value)
}

// routedClient dials every host in routes at the mapped listener address,
// so tests can use distinct host names against local servers.
func routedClient(routes map[string]string) *http.Client {
	var dialer net.Dialer
	return &http.Client{Transport: &http.Transport{
		DisableKeepAlives: true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			if to, ok := routes[host]; ok {
				addr = to
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}}
}

func TestSession_TokensStayOnSessionHosts(t *testing.T) {
	var home, foreign recorder
	homeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		home.add(r)
		if r.URL.Path == "/out" {
			http.Redirect(w, r, "http://evil.test/landing", http.StatusFound)
		}
	}))
	defer homeSrv.Close()
	foreignSrv := httptest.NewServer(&foreign)
	defer foreignSrv.Close()

	client := routedClient(map[string]string{
		"acme.test": homeSrv.Listener.Addr().String(),
		"evil.test": foreignSrv.Listener.Addr().String(),
	})

	rule, err := tokens.NewHeaderRule("X-CSRF-Token", "X-Next-Token", 0)
	require.NoError(t, err)
	cfg, err := tokens.NewConfig(rule)
	require.NoError(t, err)

	st := acmeState("acme.test")
	st.SetToken("X-CSRF-Token", session.CachedToken{Value: "T1", ExtractedAt: time.Now()})
	s, err := New(st, WithHTTPClient(client), WithBaseURL("http://acme.test"), WithTokenRules(cfg))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Get(ctx, "/api")
	require.NoError(t, err)
	_, err = s.Get(ctx, "http://evil.test/direct")
	require.NoError(t, err)
	_, err = s.Get(ctx, "/out")
	require.NoError(t, err)

	homeReqs := home.all()
	require.Len(t, homeReqs, 2)
	for _, r := range homeReqs {
		assert.Equal(t, "T1", r.Header.Get("X-CSRF-Token"), r.URL.Path)
	}

	foreignReqs := foreign.all()
	require.Len(t, foreignReqs, 2)
	for _, r := range foreignReqs {
		assert.Empty(t, r.Header.Get("X-CSRF-Token"), r.URL.Path)
		assert.Empty(t, r.Header.Get("Cookie"), r.URL.Path)
		assert.Equal(t, testUA, r.Header.Get("User-Agent"), r.URL.Path)
	}
}
