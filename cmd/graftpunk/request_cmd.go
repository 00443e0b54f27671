package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
	"github.com/stavxyz/graftpunk-sub002/pkg/replay"
)

// requestFlags holds the flags shared by request and the shell.
type requestFlags struct {
	headers []string
	data    string
	form    []string
	json    bool
	role    string
	referer string
	timeout time.Duration
	include bool
}

var reqFlags requestFlags

var requestCmd = &cobra.Command{
	Use:   "request [session] [method] [url]",
	Short: "Send one request with a stored session",
	Long: `Replays an HTTP request with the cookies, headers and tokens of a stored
session. Relative URLs resolve against the session's configured base_url.

Example:
  graftpunk request acme GET /api/v1/me
  graftpunk request acme POST /api/v1/items --json -d '{"name":"x"}'
  graftpunk request acme POST /settings --form theme=dark --role form`,
	Args: cobra.ExactArgs(3),
	RunE: runRequest,
}

func init() {
	f := requestCmd.Flags()
	f.StringArrayVarP(&reqFlags.headers, "header", "H", nil, `Extra header "Name: value" (repeatable)`)
	f.StringVarP(&reqFlags.data, "data", "d", "", "Request body")
	f.StringArrayVar(&reqFlags.form, "form", nil, "Form field key=value (repeatable)")
	f.BoolVar(&reqFlags.json, "json", false, "Send --data as application/json")
	f.StringVar(&reqFlags.role, "role", "", "Header role: navigation, xhr or form (inferred when empty)")
	f.StringVar(&reqFlags.referer, "referer", "", "Referer, resolved against the request URL")
	f.DurationVar(&reqFlags.timeout, "timeout", 0, "Override the configured request timeout")
	f.BoolVarP(&reqFlags.include, "include", "i", false, "Print the status line and response headers")
}

func runRequest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name, method, target := args[0], strings.ToUpper(args[1]), args[2]

	opts, err := reqFlags.options()
	if err != nil {
		return err
	}

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	rs, err := c.Replay(ctx, name)
	if err != nil {
		return err
	}
	resp, err := rs.Request(ctx, method, target, opts...)
	if resp != nil {
		if werr := writeResponse(cmd.OutOrStdout(), resp, reqFlags.include); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// options converts the flags into request options.
func (f requestFlags) options() ([]replay.RequestOption, error) {
	var opts []replay.RequestOption

	hdrs, err := parseHeaders(f.headers)
	if err != nil {
		return nil, err
	}
	if len(hdrs) > 0 {
		opts = append(opts, replay.WithHeaders(hdrs))
	}

	switch {
	case len(f.form) > 0 && f.data != "":
		return nil, fmt.Errorf("--form and --data are mutually exclusive")
	case len(f.form) > 0:
		values, err := parseForm(f.form)
		if err != nil {
			return nil, err
		}
		opts = append(opts, replay.WithForm(values))
	case f.data != "":
		ct := "text/plain; charset=utf-8"
		if f.json {
			ct = "application/json"
		}
		if v := hdrs.Get("Content-Type"); v != "" {
			ct = v
		}
		opts = append(opts, replay.WithBody(ct, strings.NewReader(f.data)))
	}

	if f.role != "" {
		role := headers.Role(strings.ToLower(f.role))
		if !role.Builtin() {
			return nil, fmt.Errorf("unknown role %q (want navigation, xhr or form)", f.role)
		}
		opts = append(opts, replay.WithRole(role))
	}
	if f.referer != "" {
		opts = append(opts, replay.WithReferer(f.referer))
	}
	if f.timeout > 0 {
		opts = append(opts, replay.WithRequestTimeout(f.timeout))
	}
	return opts, nil
}

// parseHeaders parses curl-style "Name: value" flags in order.
func parseHeaders(raw []string) (headers.Set, error) {
	var set headers.Set
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q (want \"Name: value\")", h)
		}
		set = set.With(name, strings.TrimSpace(value))
	}
	return set, nil
}

func parseForm(raw []string) (url.Values, error) {
	values := url.Values{}
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid form field %q (want key=value)", kv)
		}
		values.Add(k, v)
	}
	return values, nil
}

func writeResponse(w io.Writer, resp *http.Response, include bool) error {
	defer resp.Body.Close()
	if include {
		fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status)
		names := make([]string, 0, len(resp.Header))
		for k := range resp.Header {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			for _, v := range resp.Header[k] {
				fmt.Fprintf(w, "%s: %s\n", k, v)
			}
		}
		fmt.Fprintln(w)
	}
	_, err := io.Copy(w, resp.Body)
	return err
}
