package headers

// Role classifies an HTTP interaction for header profile selection.
type Role string

const (
	Navigation Role = "navigation"
	XHR        Role = "xhr"
	Form       Role = "form"
)

// Builtin reports whether r is one of the three built-in roles.
func (r Role) Builtin() bool {
	return r == Navigation || r == XHR || r == Form
}

const chromeUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// DefaultIdentity is the browser identity used when a session captured none.
func DefaultIdentity() Set {
	return Set{
		{Name: "User-Agent", Value: chromeUserAgent},
		{Name: "Sec-Ch-Ua", Value: `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`},
		{Name: "Sec-Ch-Ua-Mobile", Value: "?0"},
		{Name: "Sec-Ch-Ua-Platform", Value: `"macOS"`},
		{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
		{Name: "Accept-Encoding", Value: "gzip, deflate, br, zstd"},
	}
}

// canonical role headers, shaped after Chrome's own requests.
var canonicalRoles = map[Role]Set{
	Navigation: {
		{Name: "Upgrade-Insecure-Requests", Value: "1"},
		{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		{Name: "Sec-Fetch-Site", Value: "none"},
		{Name: "Sec-Fetch-Mode", Value: "navigate"},
		{Name: "Sec-Fetch-User", Value: "?1"},
		{Name: "Sec-Fetch-Dest", Value: "document"},
	},
	XHR: {
		{Name: "Accept", Value: "application/json, text/plain, */*"},
		{Name: "Sec-Fetch-Site", Value: "same-origin"},
		{Name: "Sec-Fetch-Mode", Value: "cors"},
		{Name: "Sec-Fetch-Dest", Value: "empty"},
	},
	Form: {
		{Name: "Cache-Control", Value: "max-age=0"},
		{Name: "Upgrade-Insecure-Requests", Value: "1"},
		{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
		{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		{Name: "Sec-Fetch-Site", Value: "same-origin"},
		{Name: "Sec-Fetch-Mode", Value: "navigate"},
		{Name: "Sec-Fetch-User", Value: "?1"},
		{Name: "Sec-Fetch-Dest", Value: "document"},
	},
}
