// Package ledger is the running record of enrichment spend. Every provider
// call reserves its cost here before dispatch; calls that end unbilled are
// released back. Window aggregates enforce monthly provider quotas and the
// global budget, and the append-only entry log reconstructs spend per
// request and per billing window.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/registry"
)

// Entry is one append-only spend record.
type Entry struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	ProviderID  string    `json:"provider_id"`
	CostUSD     float64   `json:"cost_usd"`
	Billed      bool      `json:"billed"`
	At          time.Time `json:"at"`
}

// Budget caps spend beyond the per-request maximum.
type Budget struct {
	// GlobalDailyUSD caps total billed spend per UTC day across all
	// requests. Zero disables the cap.
	GlobalDailyUSD float64
	// GlobalMonthlyUSD caps total billed spend per UTC month. Zero
	// disables the cap.
	GlobalMonthlyUSD float64
}

// Denial reasons surfaced by Reserve.
var (
	ErrRequestBudget = eris.New("ledger: request budget exceeded")
	ErrGlobalBudget  = eris.New("ledger: global budget exceeded")
	ErrMonthlyQuota  = eris.New("ledger: provider monthly quota exhausted")
)

// Sink receives entries for durable persistence. The in-memory ledger is the
// source of truth for enforcement; the sink is write-through for reporting.
type Sink interface {
	AppendLedgerEntry(entry Entry) error
}

type windowKey struct {
	providerID string // empty for the global window
	window     string // "2006-01-02" or "2006-01"
}

// Ledger tracks reservations and spend. All methods are safe for concurrent
// use; reserve-then-release is the only mutation pattern.
type Ledger struct {
	budget Budget
	reg    *registry.Registry
	sink   Sink

	mu        sync.Mutex
	entries   []Entry
	byRequest map[string]float64
	spend     map[windowKey]float64
	calls     map[windowKey]int

	nowFunc func() time.Time
}

// New creates a ledger enforcing the given global budget and, when reg is
// non-nil, per-provider monthly quotas.
func New(budget Budget, reg *registry.Registry) *Ledger {
	return &Ledger{
		budget:    budget,
		reg:       reg,
		byRequest: make(map[string]float64),
		spend:     make(map[windowKey]float64),
		calls:     make(map[windowKey]int),
		nowFunc:   time.Now,
	}
}

// WithSink attaches a persistence sink.
func (l *Ledger) WithSink(s Sink) *Ledger {
	l.sink = s
	return l
}

// WithNow injects a clock for tests.
func (l *Ledger) WithNow(now func() time.Time) *Ledger {
	l.nowFunc = now
	return l
}

// BeginRun zeroes the request-scoped spend for a fingerprint before a fresh
// waterfall run. Global windows and the entry log are untouched; only one run
// per fingerprint is ever in flight, so earlier runs of the same request must
// not count against the new run's maxCost or its reported total.
func (l *Ledger) BeginRun(fingerprint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byRequest, fingerprint)
}

// Reserve records the cost of an imminent provider call, or returns a denial
// without recording anything. maxCostUSD is the caller-supplied request
// ceiling. Reservation is pessimistic: it happens before the call, and
// Release compensates if the call ends unbilled.
func (l *Ledger) Reserve(fingerprint, providerID string, costUSD, maxCostUSD float64) error {
	now := l.nowFunc().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	l.mu.Lock()
	defer l.mu.Unlock()

	if maxCostUSD > 0 && l.byRequest[fingerprint]+costUSD > maxCostUSD {
		return eris.Wrapf(ErrRequestBudget, "request %s", fingerprint)
	}
	if l.budget.GlobalDailyUSD > 0 && l.spend[windowKey{"", day}]+costUSD > l.budget.GlobalDailyUSD {
		return eris.Wrap(ErrGlobalBudget, "daily")
	}
	if l.budget.GlobalMonthlyUSD > 0 && l.spend[windowKey{"", month}]+costUSD > l.budget.GlobalMonthlyUSD {
		return eris.Wrap(ErrGlobalBudget, "monthly")
	}
	if l.reg != nil {
		if pc, err := l.reg.Get(providerID); err == nil && pc.MonthlyQuota > 0 {
			if l.calls[windowKey{providerID, month}] >= pc.MonthlyQuota {
				return eris.Wrapf(ErrMonthlyQuota, "provider %s", providerID)
			}
		}
	}

	entry := Entry{
		ID:          uuid.New().String(),
		Fingerprint: fingerprint,
		ProviderID:  providerID,
		CostUSD:     costUSD,
		Billed:      true,
		At:          now,
	}
	l.entries = append(l.entries, entry)
	l.byRequest[fingerprint] += costUSD
	l.spend[windowKey{"", day}] += costUSD
	l.spend[windowKey{"", month}] += costUSD
	l.spend[windowKey{providerID, day}] += costUSD
	l.spend[windowKey{providerID, month}] += costUSD
	l.calls[windowKey{providerID, month}]++

	l.persist(entry)
	return nil
}

// Adjust reconciles a reservation with the provider-reported cost once the
// call returns. A provider may bill less (or slightly more) than the
// configured per-call estimate.
func (l *Ledger) Adjust(fingerprint, providerID string, reservedUSD, actualUSD float64) {
	if reservedUSD == actualUSD {
		return
	}
	delta := actualUSD - reservedUSD
	now := l.nowFunc().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	l.mu.Lock()
	defer l.mu.Unlock()

	l.byRequest[fingerprint] += delta
	l.spend[windowKey{"", day}] += delta
	l.spend[windowKey{"", month}] += delta
	l.spend[windowKey{providerID, day}] += delta
	l.spend[windowKey{providerID, month}] += delta

	for i := len(l.entries) - 1; i >= 0; i-- {
		e := &l.entries[i]
		if e.Fingerprint == fingerprint && e.ProviderID == providerID && e.Billed {
			e.CostUSD = actualUSD
			l.persist(*e)
			break
		}
	}
}

// Release refunds a reservation for a call that ended unbilled (rate
// limited upstream, transient failure, or never dispatched). The monthly
// call count is also returned since the provider did not serve the call.
func (l *Ledger) Release(fingerprint, providerID string, costUSD float64) {
	now := l.nowFunc().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	l.mu.Lock()
	defer l.mu.Unlock()

	l.byRequest[fingerprint] -= costUSD
	if l.byRequest[fingerprint] < 0 {
		l.byRequest[fingerprint] = 0
	}
	for _, k := range []windowKey{{"", day}, {"", month}, {providerID, day}, {providerID, month}} {
		l.spend[k] -= costUSD
		if l.spend[k] < 0 {
			l.spend[k] = 0
		}
	}
	if c := l.calls[windowKey{providerID, month}]; c > 0 {
		l.calls[windowKey{providerID, month}] = c - 1
	}

	// Flip the matching entry to unbilled rather than deleting it; the log
	// stays append-only and the refund is auditable.
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := &l.entries[i]
		if e.Fingerprint == fingerprint && e.ProviderID == providerID && e.Billed && e.CostUSD == costUSD {
			e.Billed = false
			l.persist(*e)
			break
		}
	}
}

// TotalSpent returns the billed spend recorded for a request fingerprint.
func (l *Ledger) TotalSpent(fingerprint string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byRequest[fingerprint]
}

// WindowSpend returns billed spend for a provider (or all providers when
// providerID is empty) in the given day ("2006-01-02") or month ("2006-01")
// window.
func (l *Ledger) WindowSpend(providerID, window string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spend[windowKey{providerID, window}]
}

// MonthlyCalls returns the billed call count for a provider in the given
// month window ("2006-01").
func (l *Ledger) MonthlyCalls(providerID, month string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[windowKey{providerID, month}]
}

// Entries returns a copy of the entry log.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Ledger) persist(entry Entry) {
	if l.sink == nil {
		return
	}
	if err := l.sink.AppendLedgerEntry(entry); err != nil {
		zap.L().Error("ledger: persist entry",
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
	}
}
