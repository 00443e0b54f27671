package rodcapture

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/stavxyz/graftpunk-sub002/pkg/session"
	"github.com/stavxyz/graftpunk-sub002/pkg/tokens"
)

// rawTokens reads the tokens that are visible at the end of a capture:
// cookie-sourced tokens from the captured cookies and header-sourced tokens
// from the latest same-site responses. Page-sourced tokens are left to the
// token engine. Missing values are reported as "".
func rawTokens(cfg tokens.Config, cookies []session.Cookie, responses http.Header) map[string]string {
	if cfg.Len() == 0 {
		return nil
	}
	raw := make(map[string]string)
	for _, r := range cfg.Rules() {
		switch r.Source {
		case tokens.SourceCookie:
			raw[r.Name] = ""
			for _, c := range cookies {
				if c.Name == r.Locator {
					raw[r.Name] = c.Value
					break
				}
			}
		case tokens.SourceResponseHeader:
			raw[r.Name] = responses.Get(r.Locator)
		}
	}
	return raw
}

// PageFetcher returns a tokens.PageFetcher that renders pages in a fresh
// incognito context seeded with st's cookies. Use it for token pages that
// only carry the token after scripts run.
func (b *Browser) PageFetcher(st *session.State) tokens.PageFetcher {
	return tokens.PageFetcherFunc(func(ctx context.Context, pageURL string) (string, error) {
		u, err := url.Parse(pageURL)
		if err != nil {
			return "", fmt.Errorf("page url: %w", err)
		}
		page, release, err := b.page(ctx)
		if err != nil {
			return "", err
		}
		defer release()

		cookies := st.CookiesFor(u, time.Now())
		if len(cookies) > 0 {
			params := make([]*proto.NetworkCookieParam, 0, len(cookies))
			for _, c := range cookies {
				params = append(params, cookieParam(c))
			}
			if err := page.SetCookies(params); err != nil {
				return "", fmt.Errorf("seed cookies: %w", err)
			}
		}

		if err := page.Timeout(b.opts.navTimeout).Navigate(pageURL); err != nil {
			return "", fmt.Errorf("navigate to %s: %w", pageURL, err)
		}
		if err := page.Timeout(b.opts.navTimeout).WaitLoad(); err != nil {
			return "", fmt.Errorf("wait for %s: %w", pageURL, err)
		}
		return page.HTML()
	})
}
