package rodcapture

import (
	"net/http"
	"sync"

	"github.com/go-rod/rod/lib/proto"

	"github.com/stavxyz/graftpunk-sub002/pkg/headers"
)

// recorder accumulates what the browser sends and receives while a login is
// in progress. Event callbacks run on rod's event goroutine.
type recorder struct {
	site string

	mu        sync.Mutex
	samples   map[headers.Role]headers.Set
	urls      []string
	responses http.Header
}

func newRecorder(site string) *recorder {
	return &recorder{
		site:      site,
		samples:   make(map[headers.Role]headers.Set),
		responses: make(http.Header),
	}
}

// request samples one header set per role from same-site requests. Later
// requests replace earlier samples.
func (r *recorder) request(ev *proto.NetworkRequestWillBeSent) {
	if ev == nil || ev.Request == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, ev.Request.URL)
	if r.site != "" && !sameSite(ev.Request.URL, r.site) {
		return
	}
	obs := observation(ev)
	if len(obs.Headers) == 0 {
		return
	}
	r.samples[headers.ClassifyObservation(obs)] = obs.Headers
}

// response keeps the latest value of each same-site response header for
// header-sourced tokens.
func (r *recorder) response(ev *proto.NetworkResponseReceived) {
	if ev == nil || ev.Response == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.site != "" && !sameSite(ev.Response.URL, r.site) {
		return
	}
	for name, v := range ev.Response.Headers {
		r.responses.Set(name, v.Str())
	}
}

func (r *recorder) snapshot() (map[headers.Role]headers.Set, []string, http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	samples := make(map[headers.Role]headers.Set, len(r.samples))
	for role, set := range r.samples {
		samples[role] = set.Clone()
	}
	return samples, append([]string(nil), r.urls...), r.responses.Clone()
}
