package rodcapture

import (
	"net/http"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
	"github.com/stavxyz/graftpunk-sub002/pkg/session"
	"github.com/stavxyz/graftpunk-sub002/pkg/tokens"
)

func devtoolsHeaders(m map[string]string) proto.NetworkHeaders {
	h := make(proto.NetworkHeaders, len(m))
	for k, v := range m {
		h[k] = gson.New(v)
	}
	return h
}

func TestObservedHeaders_ChromeOrder(t *testing.T) {
	set := observedHeaders(devtoolsHeaders(map[string]string{
		"accept-language":  "en-US,en;q=0.9",
		"user-agent":       "Mozilla/5.0 Test",
		"accept":           "application/json",
		"x-custom":         "1",
		"cookie":           "sid=secret",
		":authority":       "app.acme.com",
		"sec-fetch-mode":   "cors",
		"x-requested-with": "XMLHttpRequest",
		"a-custom":         "2",
	}))

	assert.Equal(t, []string{
		"User-Agent",
		"Accept",
		"X-Requested-With",
		"Sec-Fetch-Mode",
		"Accept-Language",
		"A-Custom",
		"X-Custom",
	}, set.Names())
	assert.False(t, set.Has("Cookie"))
	assert.Equal(t, "Mozilla/5.0 Test", set.Get("User-Agent"))
}

func TestObservation_Classifies(t *testing.T) {
	xhr := &proto.NetworkRequestWillBeSent{
		Type: proto.NetworkResourceTypeXHR,
		Request: &proto.NetworkRequest{
			Method:  http.MethodGet,
			URL:     "https://app.acme.com/api/me",
			Headers: devtoolsHeaders(map[string]string{"Accept": "application/json"}),
		},
	}
	assert.Equal(t, headers.XHR, headers.ClassifyObservation(observation(xhr)))

	doc := &proto.NetworkRequestWillBeSent{
		Type: proto.NetworkResourceTypeDocument,
		Request: &proto.NetworkRequest{
			Method: http.MethodGet,
			URL:    "https://app.acme.com/",
			Headers: devtoolsHeaders(map[string]string{
				"Accept":         "text/html,application/xhtml+xml",
				"Sec-Fetch-Mode": "navigate",
				"Sec-Fetch-Dest": "document",
			}),
		},
	}
	assert.Equal(t, headers.Navigation, headers.ClassifyObservation(observation(doc)))

	assert.Equal(t, headers.Observation{}, observation(nil))
}

func TestRecorder_SamplesSameSiteOnly(t *testing.T) {
	rec := newRecorder("acme.com")
	rec.request(&proto.NetworkRequestWillBeSent{
		Type: proto.NetworkResourceTypeXHR,
		Request: &proto.NetworkRequest{
			Method:  http.MethodGet,
			URL:     "https://tracker.example/collect",
			Headers: devtoolsHeaders(map[string]string{"Accept": "*/*"}),
		},
	})
	rec.request(&proto.NetworkRequestWillBeSent{
		Type: proto.NetworkResourceTypeFetch,
		Request: &proto.NetworkRequest{
			Method:  http.MethodPost,
			URL:     "https://api.acme.com/v1/items",
			Headers: devtoolsHeaders(map[string]string{"Accept": "application/json"}),
		},
	})
	rec.response(&proto.NetworkResponseReceived{
		Response: &proto.NetworkResponse{
			URL:     "https://api.acme.com/v1/items",
			Headers: devtoolsHeaders(map[string]string{"X-Csrf-Token": "abc"}),
		},
	})
	rec.response(&proto.NetworkResponseReceived{
		Response: &proto.NetworkResponse{
			URL:     "https://tracker.example/collect",
			Headers: devtoolsHeaders(map[string]string{"X-Csrf-Token": "evil"}),
		},
	})

	samples, urls, responses := rec.snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, "application/json", samples[headers.XHR].Get("Accept"))
	assert.Len(t, urls, 2)
	assert.Equal(t, "abc", responses.Get("X-Csrf-Token"))
}

func TestCookieFromProto(t *testing.T) {
	exp := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	c := cookieFromProto(&proto.NetworkCookie{
		Name:     "sid",
		Value:    "s3cr3t",
		Domain:   ".acme.com",
		Path:     "/",
		Expires:  proto.TimeSinceEpoch(float64(exp.Unix())),
		HTTPOnly: true,
		Secure:   true,
		SameSite: proto.NetworkCookieSameSiteLax,
	})
	require.NotNil(t, c.Expires)
	assert.True(t, exp.Equal(*c.Expires))
	assert.Equal(t, ".acme.com", c.Domain)
	assert.Equal(t, "Lax", c.SameSite)
	assert.True(t, c.HTTPOnly)

	sessionCookie := cookieFromProto(&proto.NetworkCookie{
		Name: "tmp", Value: "1", Domain: "app.acme.com", Path: "/", Expires: -1, Session: true,
	})
	assert.Nil(t, sessionCookie.Expires)

	back := cookieParam(c)
	assert.Equal(t, "sid", back.Name)
	assert.Equal(t, ".acme.com", back.Domain)
	assert.Equal(t, proto.NetworkCookieSameSiteLax, back.SameSite)
	assert.Equal(t, float64(exp.Unix()), float64(back.Expires))

	assert.Equal(t, "/", cookieParam(session.Cookie{Name: "x"}).Path)
}

func TestCookieURLs(t *testing.T) {
	got := cookieURLs([]string{
		"https://app.acme.com/login",
		"https://app.acme.com/api?x=1",
		"https://sso.acme.com/authorize",
		"data:text/plain,hi",
		"about:blank",
	})
	assert.Equal(t, []string{"https://app.acme.com/", "https://sso.acme.com/"}, got)
}

func TestRawTokens(t *testing.T) {
	cookieRule, err := tokens.NewCookieRule("xsrf", "XSRF-TOKEN", 0)
	require.NoError(t, err)
	headerRule, err := tokens.NewHeaderRule("csrf", "X-Csrf-Token", 0)
	require.NoError(t, err)
	missing, err := tokens.NewCookieRule("other", "absent", 0)
	require.NoError(t, err)
	page, err := tokens.NewPageRule("page", "https://acme.com/", `token="(\w+)"`, 0)
	require.NoError(t, err)
	cfg, err := tokens.NewConfig(cookieRule, headerRule, missing, page)
	require.NoError(t, err)

	resp := http.Header{}
	resp.Set("X-Csrf-Token", "hdr")
	raw := rawTokens(cfg, []session.Cookie{{Name: "XSRF-TOKEN", Value: "ck"}}, resp)

	assert.Equal(t, map[string]string{"xsrf": "ck", "csrf": "hdr", "other": ""}, raw)
	assert.Nil(t, rawTokens(tokens.Config{}, nil, nil))
}
