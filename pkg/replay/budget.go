package replay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default retry budget: 10 token-refresh retries per minute, burst 5.
const (
	DefaultRetriesPerMinute = 10
	DefaultRetryBurst       = 5
)

// RetryBudget caps 403-triggered token refresh retries so an endpoint that
// always rejects cannot drive a refresh loop. It holds one limiter for the
// whole session and one per host, and a retry must pass both.
type RetryBudget struct {
	global *rate.Limiter
	hosts  map[string]*rate.Limiter
	mu     sync.RWMutex

	perMinute float64
	burst     int
}

// NewRetryBudget allows perMinute retries per minute with the given burst.
// A non-positive perMinute disables retries.
func NewRetryBudget(perMinute float64, burst int) *RetryBudget {
	limit := rate.Limit(perMinute / time.Minute.Seconds())
	return &RetryBudget{
		global:    rate.NewLimiter(limit, burst),
		hosts:     make(map[string]*rate.Limiter),
		perMinute: perMinute,
		burst:     burst,
	}
}

// DefaultRetryBudget returns a budget with the default limits.
func DefaultRetryBudget() *RetryBudget {
	return NewRetryBudget(DefaultRetriesPerMinute, DefaultRetryBurst)
}

// Allow consumes one retry for host and reports whether it was available.
func (b *RetryBudget) Allow(host string) bool {
	if b.perMinute <= 0 {
		return false
	}
	return b.allowAt(host, time.Now())
}

func (b *RetryBudget) allowAt(host string, now time.Time) bool {
	hl := b.hostLimiter(host)
	// Check the host first so one noisy host cannot exhaust the session.
	if !hl.AllowN(now, 1) {
		return false
	}
	return b.global.AllowN(now, 1)
}

func (b *RetryBudget) hostLimiter(host string) *rate.Limiter {
	b.mu.RLock()
	l, ok := b.hosts[host]
	b.mu.RUnlock()
	if ok {
		return l
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.hosts[host]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(b.perMinute/time.Minute.Seconds()), b.burst)
	b.hosts[host] = l
	return l
}
