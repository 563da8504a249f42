// Package ratelimit enforces per-provider request ceilings: a continuously
// replenishing per-minute limit and a hard per-UTC-day ceiling that only
// resets at day rollover.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/enrich-cli/internal/registry"
)

// Decision is the outcome of an admission attempt.
type Decision struct {
	Granted bool
	// RetryAfter is set on a per-minute denial: the caller may wait this
	// long and try the same provider once more.
	RetryAfter time.Duration
	// DailyExhausted marks a per-day denial. There is no point waiting;
	// the caller should move to the next provider until UTC day rollover.
	DailyExhausted bool
}

type providerWindow struct {
	mu       sync.Mutex
	minute   *rate.Limiter
	day      string // "2006-01-02" of the counted window
	dayCount int
	dayLimit int
}

// Limiter admits provider calls against their configured ceilings. Safe for
// concurrent use by all request workers.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*providerWindow
	nowFunc func() time.Time
}

// New creates a limiter with windows for each provider in the registry.
// Providers added to the catalog later get windows lazily on first Acquire.
func New(reg *registry.Registry) *Limiter {
	l := &Limiter{
		windows: make(map[string]*providerWindow),
		nowFunc: time.Now,
	}
	if reg != nil {
		for _, pc := range reg.All() {
			l.windows[pc.ID] = newWindow(pc.RateLimit)
		}
	}
	return l
}

// WithNow injects a clock for tests.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.nowFunc = now
	return l
}

func newWindow(rl registry.RateLimit) *providerWindow {
	w := &providerWindow{dayLimit: rl.RequestsPerDay}
	if rl.RequestsPerMinute > 0 {
		w.minute = rate.NewLimiter(rate.Limit(float64(rl.RequestsPerMinute)/60.0), rl.RequestsPerMinute)
	}
	return w
}

// Configure installs or replaces a provider's window. Used when the catalog
// is reloaded at runtime.
func (l *Limiter) Configure(providerID string, rl registry.RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows[providerID] = newWindow(rl)
}

// Acquire attempts admission for one call to the provider. A granted
// decision consumes one token from both windows; denials consume nothing.
func (l *Limiter) Acquire(providerID string) Decision {
	w := l.window(providerID)
	now := l.nowFunc().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	// Day rollover resets the hard ceiling.
	day := now.Format("2006-01-02")
	if w.day != day {
		w.day = day
		w.dayCount = 0
	}

	if w.dayLimit > 0 && w.dayCount >= w.dayLimit {
		return Decision{DailyExhausted: true}
	}

	if w.minute != nil {
		if !w.minute.AllowN(now, 1) {
			res := w.minute.ReserveN(now, 1)
			delay := res.DelayFrom(now)
			res.CancelAt(now)
			return Decision{RetryAfter: delay}
		}
	}

	w.dayCount++
	return Decision{Granted: true}
}

// Remaining reports how many calls are left in the provider's day window.
// Returns -1 when no daily ceiling is configured.
func (l *Limiter) Remaining(providerID string) int {
	w := l.window(providerID)
	now := l.nowFunc().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dayLimit <= 0 {
		return -1
	}
	if w.day != now.Format("2006-01-02") {
		return w.dayLimit
	}
	remaining := w.dayLimit - w.dayCount
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Refund returns one unit to the provider's day window, for calls that were
// admitted but never dispatched (e.g. budget denied after admission, or the
// request deadline elapsed first). The per-minute bucket is left alone; it
// replenishes on its own.
func (l *Limiter) Refund(providerID string) {
	w := l.window(providerID)
	now := l.nowFunc().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.day == now.Format("2006-01-02") && w.dayCount > 0 {
		w.dayCount--
	}
}

func (l *Limiter) window(providerID string) *providerWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[providerID]
	if !ok {
		w = newWindow(registry.RateLimit{})
		l.windows[providerID] = w
	}
	return w
}
