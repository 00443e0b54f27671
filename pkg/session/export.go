package session

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
)

// HTTPieSession is one domain's entry in an HTTPie-compatible session export.
type HTTPieSession struct {
	Cookies []HTTPieCookie    `json:"cookies"`
	Headers map[string]string `json:"headers"`
}

// HTTPieCookie is a cookie in HTTPie's session file layout.
type HTTPieCookie struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Domain  string `json:"domain"`
	Path    string `json:"path"`
	Secure  bool   `json:"secure"`
	Expires *int64 `json:"expires"`
}

// exportSkipped are request-specific headers that make no sense in a
// reusable session file.
var exportSkipped = []string{"Cookie", "Host", "Content-Length", "Content-Type", "Referer", "Origin"}

// ExportHTTPie projects st into {domain: {cookies, headers}}, grouping cookies
// by registrable domain. Headers are the identity plus the xhr role headers.
// The result is derived data; st is not modified.
func ExportHTTPie(st *State) map[string]HTTPieSession {
	base := headers.NewReplayer(st.HeaderProfiles).Build(headers.XHR, nil)
	hdrs := make(map[string]string, len(base))
	for _, h := range base {
		if !skippedForExport(h.Name) {
			hdrs[h.Name] = h.Value
		}
	}

	out := make(map[string]HTTPieSession)
	for _, c := range st.Cookies {
		domain := registrableDomain(c.Domain)
		entry, ok := out[domain]
		if !ok {
			entry = HTTPieSession{Cookies: []HTTPieCookie{}, Headers: hdrs}
		}
		hc := HTTPieCookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.path(),
			Secure: c.Secure,
		}
		if c.Expires != nil {
			unix := c.Expires.Unix()
			hc.Expires = &unix
		}
		entry.Cookies = append(entry.Cookies, hc)
		out[domain] = entry
	}

	if len(out) == 0 && st.Metadata.Domain != "" {
		out[st.Metadata.Domain] = HTTPieSession{Cookies: []HTTPieCookie{}, Headers: hdrs}
	}
	return out
}

func skippedForExport(name string) bool {
	for _, s := range exportSkipped {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// ExportNetscape writes st's cookies as a Netscape cookies.txt jar, readable
// by curl, wget and most HTTP libraries. HttpOnly cookies use the
// "#HttpOnly_" domain prefix.
func ExportNetscape(st *State, w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Netscape HTTP Cookie File")
	fmt.Fprintln(bw, "# Exported by graftpunk. Do not edit.")
	fmt.Fprintln(bw)

	cookies := append([]Cookie(nil), st.Cookies...)
	sort.SliceStable(cookies, func(i, j int) bool {
		if cookies[i].Domain != cookies[j].Domain {
			return cookies[i].Domain < cookies[j].Domain
		}
		return cookies[i].Name < cookies[j].Name
	})

	for _, c := range cookies {
		domain := c.Domain
		if c.HTTPOnly {
			domain = "#HttpOnly_" + domain
		}
		var expires int64
		if c.Expires != nil {
			expires = c.Expires.Unix()
		}
		fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			domain,
			netscapeBool(strings.HasPrefix(c.Domain, ".")),
			c.path(),
			netscapeBool(c.Secure),
			expires,
			c.Name,
			c.Value,
		)
	}
	return bw.Flush()
}

func netscapeBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}
