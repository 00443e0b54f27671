package session

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
)

func TestExportHTTPie(t *testing.T) {
	st := sampleState()
	st.SetCookie(Cookie{Name: "ga", Value: "1", Domain: ".tracker.org", Path: "/"})
	st.HeaderProfiles[headers.XHR] = st.HeaderProfiles[headers.XHR].
		With("Referer", "https://app.acme.com/").
		With("Cookie", "stale=1")

	out := ExportHTTPie(st)
	require.Len(t, out, 2)

	acme := out["acme.com"]
	require.Len(t, acme.Cookies, 3)
	assert.Equal(t, "sid", acme.Cookies[0].Name)
	assert.True(t, acme.Cookies[0].Secure)
	require.NotNil(t, acme.Cookies[0].Expires)
	assert.Equal(t, t0.Add(30*24*time.Hour).Unix(), *acme.Cookies[0].Expires)
	assert.Nil(t, acme.Cookies[1].Expires)

	assert.Equal(t, "XMLHttpRequest", acme.Headers["X-Requested-With"])
	assert.Equal(t, "Mozilla/5.0 Test", acme.Headers["User-Agent"])
	assert.NotContains(t, acme.Headers, "Referer")
	assert.NotContains(t, acme.Headers, "Cookie")

	assert.Len(t, out["tracker.org"].Cookies, 1)

	// Export is derived data.
	assert.Len(t, st.Cookies, 4)
	assert.Equal(t, "stale=1", st.HeaderProfiles[headers.XHR].Get("Cookie"))
}

func TestExportHTTPie_NoCookies(t *testing.T) {
	st := New(t0, 24)
	st.Metadata.Domain = "acme.com"

	out := ExportHTTPie(st)
	require.Contains(t, out, "acme.com")
	assert.Empty(t, out["acme.com"].Cookies)
	assert.NotEmpty(t, out["acme.com"].Headers["User-Agent"])
}

func TestExportNetscape(t *testing.T) {
	st := sampleState()
	var buf bytes.Buffer
	require.NoError(t, ExportNetscape(st, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "# Netscape HTTP Cookie File", lines[0])

	exp := t0.Add(30 * 24 * time.Hour).Unix()
	assert.Equal(t, []string{
		".acme.com\tTRUE\t/settings\tFALSE\t0\tpref\tdark",
		fmt.Sprintf("#HttpOnly_.acme.com\tTRUE\t/\tTRUE\t%d\tsid\ts3cr3t", exp),
		"app.acme.com\tFALSE\t/\tFALSE\t0\tcsrftoken\ttok",
	}, lines[3:])
}

func TestFromCapture(t *testing.T) {
	c := Capture{
		Cookies: []Cookie{
			{Name: "sid", Value: "old", Domain: ".acme.com", Path: "/"},
			{Name: "sid", Value: "new", Domain: ".acme.com", Path: "/"},
			{Name: "host", Value: "h", Domain: "app.acme.com", Path: "/"},
		},
		HeaderSamples: map[headers.Role]headers.Set{
			headers.XHR:        {{Name: "X-Requested-With", Value: "XMLHttpRequest"}},
			headers.Navigation: nil,
		},
		RawTokens: map[string]string{"X-CSRF-Token": "abc", "empty": ""},
	}

	st := FromCapture(c, t0, 12)
	require.Len(t, st.Cookies, 2)
	assert.Equal(t, "new", st.Cookies[0].Value)
	assert.Equal(t, []headers.Role{headers.XHR}, st.Roles())
	assert.Equal(t, "acme.com", st.Metadata.Domain)
	assert.Equal(t, []string{".acme.com", "app.acme.com"}, st.Metadata.CookieDomains)
	assert.Equal(t, 12*time.Hour, st.TTL())

	tok, ok := st.Token("X-CSRF-Token")
	require.True(t, ok)
	assert.Equal(t, CachedToken{Value: "abc", ExtractedAt: t0}, tok)
	_, ok = st.Token("empty")
	assert.False(t, ok)
}
