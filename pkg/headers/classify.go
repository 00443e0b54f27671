package headers

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// Observation is a captured request as seen by an automation backend.
type Observation struct {
	Method  string
	URL     string
	Headers Set
	// ResourceType is the browser's resource classification when known,
	// e.g. "Document", "XHR" or "Fetch" from the DevTools protocol.
	ResourceType string
}

// Classify returns the role of a request from its method and headers.
// Ambiguous requests are classified as XHR.
func Classify(method string, observed Set) Role {
	return ClassifyObservation(Observation{Method: method, Headers: observed})
}

// ClassifyObservation classifies a captured request.
//
// Only GET and POST can be navigations or form submissions; every other
// method is XHR. A form is a same-origin POST with a urlencoded or multipart
// body. A navigation is a top-level document load.
func ClassifyObservation(o Observation) Role {
	method := strings.ToUpper(strings.TrimSpace(o.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return XHR
	}

	h := o.Headers
	if scriptInitiated(h, o.ResourceType) {
		return XHR
	}

	if method == http.MethodPost && IsFormContentType(h.Get("Content-Type")) && sameOrigin(h, o.URL) {
		return Form
	}

	if documentLoad(h, o.ResourceType) {
		return Navigation
	}
	return XHR
}

// IsFormContentType reports whether contentType is one an HTML form submits.
func IsFormContentType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/x-www-form-urlencoded" || mt == "multipart/form-data"
}

func scriptInitiated(h Set, resourceType string) bool {
	switch strings.ToLower(resourceType) {
	case "xhr", "fetch":
		return true
	}
	if strings.EqualFold(h.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	switch strings.ToLower(h.Get("Sec-Fetch-Mode")) {
	case "cors", "same-origin", "no-cors":
		return true
	}
	return strings.EqualFold(h.Get("Sec-Fetch-Dest"), "empty")
}

func documentLoad(h Set, resourceType string) bool {
	if strings.EqualFold(resourceType, "document") {
		return true
	}
	if strings.EqualFold(h.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	switch strings.ToLower(h.Get("Sec-Fetch-Dest")) {
	case "document", "iframe", "frame":
		return true
	}
	// Browsers without fetch metadata: an HTML-first Accept is a page load.
	if !h.Has("Sec-Fetch-Mode") && strings.HasPrefix(strings.ToLower(h.Get("Accept")), "text/html") {
		return true
	}
	return false
}

// sameOrigin uses Sec-Fetch-Site when present, then compares Origin or
// Referer against the request URL. Unknown origin counts as same-origin.
func sameOrigin(h Set, requestURL string) bool {
	switch strings.ToLower(h.Get("Sec-Fetch-Site")) {
	case "same-origin", "none":
		return true
	case "same-site", "cross-site":
		return false
	}

	target, err := url.Parse(requestURL)
	if requestURL == "" || err != nil || target.Host == "" {
		return true
	}
	source := h.Get("Origin")
	if source == "" || source == "null" {
		source = h.Get("Referer")
	}
	if source == "" {
		return true
	}
	src, err := url.Parse(source)
	if err != nil {
		return true
	}
	return strings.EqualFold(src.Scheme, target.Scheme) && strings.EqualFold(src.Host, target.Host)
}
