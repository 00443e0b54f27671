package rodcapture

import (
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/publicsuffix"

	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
	"github.com/stavxyz/graftpunk-sub002/pkg/session"
)

// chromeOrder is the order Chrome writes request headers in. DevTools
// reports headers as a JSON object, which loses order once decoded into a
// map, so observed headers are re-sorted with it.
var chromeOrder = []string{
	"Host",
	"Connection",
	"Content-Length",
	"Cache-Control",
	"sec-ch-ua",
	"sec-ch-ua-mobile",
	"sec-ch-ua-platform",
	"Upgrade-Insecure-Requests",
	"Origin",
	"Content-Type",
	"User-Agent",
	"Accept",
	"X-Requested-With",
	"Sec-Fetch-Site",
	"Sec-Fetch-Mode",
	"Sec-Fetch-User",
	"Sec-Fetch-Dest",
	"Referer",
	"Accept-Encoding",
	"Accept-Language",
	"Cookie",
	"Priority",
}

var chromeRank = func() map[string]int {
	m := make(map[string]int, len(chromeOrder))
	for i, name := range chromeOrder {
		m[strings.ToLower(name)] = i
	}
	return m
}()

// dropped are never stored in a profile. Cookies live in the cookie list and
// the rest are computed per request.
var dropped = map[string]bool{
	"cookie":         true,
	"host":           true,
	"content-length": true,
	"connection":     true,
}

// observedHeaders converts DevTools request headers into an ordered set.
// Known headers follow Chrome's order; unknown ones follow, sorted by name.
func observedHeaders(h proto.NetworkHeaders) headers.Set {
	names := make([]string, 0, len(h))
	for name := range h {
		if strings.HasPrefix(name, ":") || dropped[strings.ToLower(name)] {
			continue
		}
		names = append(names, name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		ri, iok := chromeRank[strings.ToLower(names[i])]
		rj, jok := chromeRank[strings.ToLower(names[j])]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return strings.ToLower(names[i]) < strings.ToLower(names[j])
		}
	})

	set := make(headers.Set, 0, len(names))
	for _, name := range names {
		set = set.With(http.CanonicalHeaderKey(name), h[name].Str())
	}
	return set
}

// observation builds the classifier input for a DevTools request event.
func observation(ev *proto.NetworkRequestWillBeSent) headers.Observation {
	if ev == nil || ev.Request == nil {
		return headers.Observation{}
	}
	return headers.Observation{
		Method:       ev.Request.Method,
		URL:          ev.Request.URL,
		Headers:      observedHeaders(ev.Request.Headers),
		ResourceType: string(ev.Type),
	}
}

// sameSite reports whether rawURL belongs to the registrable domain site.
func sameSite(rawURL, site string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return registrable(u.Hostname()) == site
}

func registrable(host string) string {
	host = strings.ToLower(strings.TrimPrefix(host, "."))
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}

// cookieFromProto maps a DevTools cookie onto a session cookie. DevTools
// already marks domain cookies with a leading dot.
func cookieFromProto(c *proto.NetworkCookie) session.Cookie {
	ck := session.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: string(c.SameSite),
	}
	if exp := float64(c.Expires); !c.Session && exp > 0 {
		sec, frac := math.Modf(exp)
		t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		ck.Expires = &t
	}
	return ck
}

// cookieParam is the inverse of cookieFromProto, used to seed a browser
// context from a stored session.
func cookieParam(c session.Cookie) *proto.NetworkCookieParam {
	p := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: proto.NetworkCookieSameSite(c.SameSite),
	}
	if p.Path == "" {
		p.Path = "/"
	}
	if c.Expires != nil {
		p.Expires = proto.TimeSinceEpoch(float64(c.Expires.UnixNano()) / 1e9)
	}
	return p
}

// cookieURLs lists the origins cookies are requested for: every distinct
// scheme and host observed during capture.
func cookieURLs(observed []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range observed {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		origin := u.Scheme + "://" + u.Host + "/"
		if !seen[origin] {
			seen[origin] = true
			out = append(out, origin)
		}
	}
	sort.Strings(out)
	return out
}
