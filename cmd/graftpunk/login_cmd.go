package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	graftpunk "github.com/stavxyz/graftpunk-sub002"
	"github.com/stavxyz/graftpunk-sub002/pkg/capture/rodcapture"
	"github.com/stavxyz/graftpunk-sub002/pkg/session"
)

var (
	loginInteractive bool
	loginURL         string
	loginChromeBin   string
	loginControlURL  string
	loginRenderPages bool
)

var loginCmd = &cobra.Command{
	Use:   "login [session]",
	Short: "Log in through a browser and store the session",
	Long: `Opens Chrome, logs in and stores the captured session under the given name.

With a login section in the site config the form is filled and submitted
headlessly. With --interactive a browser window opens at --url (or the
site's base_url) and the session is captured after you press Enter.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

func init() {
	f := loginCmd.Flags()
	f.BoolVar(&loginInteractive, "interactive", false, "Log in by hand in a visible browser window")
	f.StringVar(&loginURL, "url", "", "Start URL for --interactive")
	f.StringVar(&loginChromeBin, "chrome-bin", "", "Chrome binary to launch")
	f.StringVar(&loginControlURL, "control-url", "", "Attach to a running Chrome DevTools endpoint")
	f.BoolVar(&loginRenderPages, "render-token-pages", false, "Extract page tokens in the browser instead of over HTTP")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]
	site := cfg.Site(name)

	rules, err := site.TokenConfig()
	if err != nil {
		return err
	}

	if !loginInteractive && site.Login == nil {
		return fmt.Errorf("no login configured for %q; add sites.%s.login to the config or use --interactive", name, name)
	}

	opts := []rodcapture.Option{
		rodcapture.WithLogger(logger),
		rodcapture.WithHeadless(!loginInteractive),
	}
	if loginChromeBin != "" {
		opts = append(opts, rodcapture.WithBin(loginChromeBin))
	}
	if loginControlURL != "" {
		opts = append(opts, rodcapture.WithControlURL(loginControlURL))
	}
	browser, err := rodcapture.Launch(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := browser.Close(); err != nil {
			logger.Warn("close browser", zap.Error(err))
		}
	}()

	var capture session.Capture
	if loginInteractive {
		start := loginURL
		if start == "" {
			start = site.BaseURL
		}
		if start == "" {
			return fmt.Errorf("--interactive needs --url or a base_url for %q", name)
		}
		capture, err = browser.Interactive(ctx, start, waitForEnter(cmd.InOrStdin(), cmd.OutOrStdout()), rodcapture.WithTokenRules(rules))
	} else {
		lc, lerr := site.LoginConfig()
		if lerr != nil {
			return lerr
		}
		capture, err = browser.Login(ctx, lc, rodcapture.WithTokenRules(rules))
	}
	if err != nil {
		return err
	}

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var storeOpts []graftpunk.StoreOption
	if loginRenderPages {
		seed := session.FromCapture(capture, time.Now(), 0)
		storeOpts = append(storeOpts, graftpunk.WithPageFetcher(browser.PageFetcher(seed)))
	}
	st, err := c.Store(ctx, name, capture, storeOpts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s: %d cookies, %d header profiles, %d tokens\n",
		name, len(st.Cookies), len(st.HeaderProfiles), len(st.TokenCache))
	return nil
}

// waitForEnter blocks until a line is read from in or ctx ends.
func waitForEnter(in io.Reader, out io.Writer) func(context.Context) error {
	return func(ctx context.Context) error {
		fmt.Fprintln(out, "Log in in the browser window, then press Enter here to capture the session.")
		done := make(chan error, 1)
		go func() {
			_, err := bufio.NewReader(in).ReadString('\n')
			if err == io.EOF {
				err = nil
			}
			done <- err
		}()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
