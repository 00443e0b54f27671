// Package rodcapture drives a Chrome browser through go-rod to log in and
// capture a session: cookies, one header sample per request role, and token
// values seen during login. All browser waiting happens here; callers
// receive a plain session.Capture.
package rodcapture

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/stavxyz/graftpunk-sub002/pkg/config"
	"github.com/stavxyz/graftpunk-sub002/pkg/session"
	"github.com/stavxyz/graftpunk-sub002/pkg/tokens"
)

// DefaultNavigationTimeout bounds each page load.
const DefaultNavigationTimeout = 30 * time.Second

// Option configures a Browser.
type Option func(*options)

type options struct {
	headless   bool
	bin        string
	controlURL string
	navTimeout time.Duration
	logger     *zap.Logger
}

// WithHeadless toggles headless mode. Interactive logins need a window.
func WithHeadless(headless bool) Option {
	return func(o *options) { o.headless = headless }
}

// WithBin launches a specific Chrome binary.
func WithBin(path string) Option {
	return func(o *options) { o.bin = path }
}

// WithControlURL attaches to a running browser instead of launching one.
func WithControlURL(u string) Option {
	return func(o *options) { o.controlURL = u }
}

// WithNavigationTimeout bounds each page load.
func WithNavigationTimeout(d time.Duration) Option {
	return func(o *options) { o.navTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Browser is a connected Chrome instance. Each capture runs in its own
// incognito context so captures never share cookies.
type Browser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	opts     options
}

// Launch starts Chrome, or attaches to WithControlURL, and connects to it.
func Launch(ctx context.Context, opts ...Option) (*Browser, error) {
	o := options{headless: true, navTimeout: DefaultNavigationTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Browser{opts: o}
	controlURL := o.controlURL
	if controlURL == "" {
		l := launcher.New().Headless(o.headless)
		if o.bin != "" {
			l = l.Bin(o.bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		b.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = browser
	o.logger.Debug("browser connected", zap.Bool("headless", o.headless), zap.Bool("attached", o.controlURL != ""))
	return b, nil
}

// Close disconnects and, if this Browser launched Chrome, stops it.
func (b *Browser) Close() error {
	var err error
	if b.browser != nil && b.launcher != nil {
		err = b.browser.Close()
	}
	b.cleanup()
	return err
}

func (b *Browser) cleanup() {
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
	}
}

// page opens a blank page in a fresh incognito context. The returned release
// closes the page and disposes the context.
func (b *Browser) page(ctx context.Context) (*rod.Page, func(), error) {
	incognito, err := b.browser.Incognito()
	if err != nil {
		return nil, nil, fmt.Errorf("open incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, nil, fmt.Errorf("open page: %w", err)
	}
	release := func() {
		_ = page.Close()
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: incognito.BrowserContextID}.Call(b.browser)
	}
	return page.Context(ctx), release, nil
}

// CaptureOption configures a single capture.
type CaptureOption func(*captureOptions)

type captureOptions struct {
	rules tokens.Config
}

// WithTokenRules reads cookie- and header-sourced tokens at the end of the
// capture. Tokens that were not seen are reported with an empty value.
func WithTokenRules(cfg tokens.Config) CaptureOption {
	return func(o *captureOptions) { o.rules = cfg }
}

// Login performs a declarative form login and captures the result.
func (b *Browser) Login(ctx context.Context, lc config.LoginConfig, opts ...CaptureOption) (session.Capture, error) {
	if lc.IsZero() {
		return session.Capture{}, fmt.Errorf("login config is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, lc.Timeout())
	defer cancel()

	return b.capture(ctx, lc.URL(), opts, func(page *rod.Page) error {
		sels, values := lc.Fields()
		for _, sel := range sels {
			el, err := page.Element(sel)
			if err != nil {
				return fmt.Errorf("login field %q: %w", sel, err)
			}
			if err := el.Input(values[sel]); err != nil {
				return fmt.Errorf("fill login field %q: %w", sel, err)
			}
		}

		submit, err := page.Element(lc.Submit())
		if err != nil {
			return fmt.Errorf("login submit %q: %w", lc.Submit(), err)
		}
		click := func() error { return submit.Click(proto.InputMouseButtonLeft, 1) }
		return submitLogin(page, click, lc.Success())
	})
}

// loginPage is the part of *rod.Page that submitting a login uses.
type loginPage interface {
	WaitNavigation(name proto.PageLifecycleEventName) func()
	Element(selector string) (*rod.Element, error)
}

// submitLogin runs click and waits for success to appear or, without a
// success selector, for the resulting navigation to settle.
func submitLogin(page loginPage, click func() error, success string) error {
	if success != "" {
		if err := click(); err != nil {
			return fmt.Errorf("click login submit: %w", err)
		}
		if _, err := page.Element(success); err != nil {
			return fmt.Errorf("login did not reach %q: %w", success, err)
		}
		return nil
	}

	// The wait is armed before the click so a fast navigation is not missed.
	wait := page.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := click(); err != nil {
		return fmt.Errorf("click login submit: %w", err)
	}
	wait()
	return nil
}

// Interactive opens startURL in a visible window and captures once ready
// returns, typically after the user confirms the login finished.
func (b *Browser) Interactive(ctx context.Context, startURL string, ready func(context.Context) error, opts ...CaptureOption) (session.Capture, error) {
	return b.capture(ctx, startURL, opts, func(page *rod.Page) error {
		return ready(ctx)
	})
}

func (b *Browser) capture(ctx context.Context, startURL string, opts []CaptureOption, drive func(*rod.Page) error) (session.Capture, error) {
	var co captureOptions
	for _, opt := range opts {
		opt(&co)
	}

	u, err := url.Parse(startURL)
	if err != nil || !u.IsAbs() {
		return session.Capture{}, fmt.Errorf("capture url %q must be absolute", startURL)
	}

	page, release, err := b.page(ctx)
	if err != nil {
		return session.Capture{}, err
	}
	defer release()

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return session.Capture{}, fmt.Errorf("enable network events: %w", err)
	}

	rec := newRecorder(registrable(u.Hostname()))
	events, stop := context.WithCancel(ctx)
	wait := page.Context(events).EachEvent(rec.request, rec.response)
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()
	defer func() {
		stop()
		<-done
	}()

	if err := page.Timeout(b.opts.navTimeout).Navigate(startURL); err != nil {
		return session.Capture{}, fmt.Errorf("navigate to %s: %w", startURL, err)
	}
	if err := page.Timeout(b.opts.navTimeout).WaitLoad(); err != nil {
		return session.Capture{}, fmt.Errorf("wait for %s: %w", startURL, err)
	}
	if err := drive(page); err != nil {
		return session.Capture{}, err
	}

	samples, urls, responses := rec.snapshot()
	if info, err := page.Info(); err == nil {
		urls = append(urls, info.URL)
	}
	res, err := proto.NetworkGetCookies{Urls: cookieURLs(append(urls, startURL))}.Call(page)
	if err != nil {
		return session.Capture{}, fmt.Errorf("read cookies: %w", err)
	}

	c := session.Capture{
		Cookies:       make([]session.Cookie, 0, len(res.Cookies)),
		HeaderSamples: samples,
	}
	for _, ck := range res.Cookies {
		c.Cookies = append(c.Cookies, cookieFromProto(ck))
	}
	c.RawTokens = rawTokens(co.rules, c.Cookies, responses)

	b.opts.logger.Info("session captured",
		zap.String("url", startURL),
		zap.Int("cookies", len(c.Cookies)),
		zap.Int("profiles", len(c.HeaderSamples)),
		zap.Int("tokens", len(c.RawTokens)))
	return c, nil
}
