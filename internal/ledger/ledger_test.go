package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/registry"
)

const fp = "fingerprint-1"

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestReserve_RequestBudget(t *testing.T) {
	l := New(Budget{}, nil)

	require.NoError(t, l.Reserve(fp, "hunter-gw", 0.40, 1.00))
	require.NoError(t, l.Reserve(fp, "prospeo-gw", 0.40, 1.00))

	// 0.80 + 0.40 would exceed the 1.00 ceiling.
	err := l.Reserve(fp, "pdl-gw", 0.40, 1.00)
	assert.ErrorIs(t, err, ErrRequestBudget)

	// The denied reservation must not count.
	assert.InDelta(t, 0.80, l.TotalSpent(fp), 1e-9)
}

func TestBeginRun_ResetsRequestSpend(t *testing.T) {
	l := New(Budget{}, nil)

	require.NoError(t, l.Reserve(fp, "hunter-gw", 0.06, 0.10))
	assert.InDelta(t, 0.06, l.TotalSpent(fp), 1e-9)

	// A fresh run of the same fingerprint starts from zero; the earlier
	// run's spend must not count against the new run's ceiling.
	l.BeginRun(fp)
	assert.Zero(t, l.TotalSpent(fp))
	require.NoError(t, l.Reserve(fp, "prospeo-gw", 0.08, 0.10))
	assert.InDelta(t, 0.08, l.TotalSpent(fp), 1e-9)

	// Global windows keep both runs.
	day := time.Now().UTC().Format("2006-01-02")
	assert.InDelta(t, 0.14, l.WindowSpend("", day), 1e-9)
}

func TestReserve_GlobalDailyBudget(t *testing.T) {
	l := New(Budget{GlobalDailyUSD: 0.50}, nil)

	require.NoError(t, l.Reserve("req-a", "hunter-gw", 0.30, 0))
	err := l.Reserve("req-b", "hunter-gw", 0.30, 0)
	assert.ErrorIs(t, err, ErrGlobalBudget)
}

func TestReserve_GlobalMonthlyBudget(t *testing.T) {
	l := New(Budget{GlobalMonthlyUSD: 0.50}, nil)

	require.NoError(t, l.Reserve("req-a", "hunter-gw", 0.30, 0))
	err := l.Reserve("req-b", "hunter-gw", 0.30, 0)
	assert.ErrorIs(t, err, ErrGlobalBudget)
}

func TestReserve_MonthlyQuota(t *testing.T) {
	reg, err := registry.New([]registry.ProviderConfig{
		{ID: "pdl-gw", Enabled: true, MonthlyQuota: 2},
	})
	require.NoError(t, err)

	l := New(Budget{}, reg)
	require.NoError(t, l.Reserve("a", "pdl-gw", 0.10, 0))
	require.NoError(t, l.Reserve("b", "pdl-gw", 0.10, 0))

	err = l.Reserve("c", "pdl-gw", 0.10, 0)
	assert.ErrorIs(t, err, ErrMonthlyQuota)
}

func TestRelease_RefundsSpendAndQuota(t *testing.T) {
	reg, err := registry.New([]registry.ProviderConfig{
		{ID: "pdl-gw", Enabled: true, MonthlyQuota: 1},
	})
	require.NoError(t, err)

	l := New(Budget{}, reg)
	require.NoError(t, l.Reserve(fp, "pdl-gw", 0.10, 0))
	assert.ErrorIs(t, l.Reserve(fp, "pdl-gw", 0.10, 0), ErrMonthlyQuota)

	l.Release(fp, "pdl-gw", 0.10)
	assert.Zero(t, l.TotalSpent(fp))

	// The quota slot is free again.
	assert.NoError(t, l.Reserve(fp, "pdl-gw", 0.10, 0))
}

func TestRelease_FlipsEntryUnbilled(t *testing.T) {
	l := New(Budget{}, nil)
	require.NoError(t, l.Reserve(fp, "hunter-gw", 0.10, 0))

	l.Release(fp, "hunter-gw", 0.10)

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Billed)
	assert.Equal(t, "hunter-gw", entries[0].ProviderID)
}

func TestAdjust_ReconcilesActualCost(t *testing.T) {
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	l := New(Budget{}, nil).WithNow(fixedClock(now)).WithSink(sink)

	require.NoError(t, l.Reserve(fp, "claude-research", 0.03, 0))
	l.Adjust(fp, "claude-research", 0.03, 0.0125)

	assert.InDelta(t, 0.0125, l.TotalSpent(fp), 1e-9)
	assert.InDelta(t, 0.0125, l.WindowSpend("claude-research", "2026-08-03"), 1e-9)
	assert.InDelta(t, 0.0125, l.WindowSpend("", "2026-08"), 1e-9)

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.InDelta(t, 0.0125, entries[0].CostUSD, 1e-9)

	// The reconciliation writes through, so persisted reporting carries the
	// actual cost, not the estimate.
	require.Len(t, sink.entries, 2)
	assert.Equal(t, entries[0].ID, sink.entries[1].ID)
	assert.InDelta(t, 0.0125, sink.entries[1].CostUSD, 1e-9)
	assert.True(t, sink.entries[1].Billed)
}

func TestWindowSpendAndMonthlyCalls(t *testing.T) {
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	l := New(Budget{}, nil).WithNow(fixedClock(now))

	require.NoError(t, l.Reserve("a", "hunter-gw", 0.01, 0))
	require.NoError(t, l.Reserve("b", "hunter-gw", 0.01, 0))
	require.NoError(t, l.Reserve("c", "pdl-gw", 0.10, 0))

	assert.InDelta(t, 0.02, l.WindowSpend("hunter-gw", "2026-08-03"), 1e-9)
	assert.InDelta(t, 0.12, l.WindowSpend("", "2026-08-03"), 1e-9)
	assert.Equal(t, 2, l.MonthlyCalls("hunter-gw", "2026-08"))
	assert.Equal(t, 1, l.MonthlyCalls("pdl-gw", "2026-08"))
}

// recordingSink captures persisted entries.
type recordingSink struct {
	entries []Entry
}

func (s *recordingSink) AppendLedgerEntry(e Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func TestSink_WriteThrough(t *testing.T) {
	sink := &recordingSink{}
	l := New(Budget{}, nil).WithSink(sink)

	require.NoError(t, l.Reserve(fp, "hunter-gw", 0.01, 0))
	require.Len(t, sink.entries, 1)
	assert.True(t, sink.entries[0].Billed)

	l.Release(fp, "hunter-gw", 0.01)
	require.Len(t, sink.entries, 2)
	assert.False(t, sink.entries[1].Billed)
	// Same entry, updated in place downstream.
	assert.Equal(t, sink.entries[0].ID, sink.entries[1].ID)
}
