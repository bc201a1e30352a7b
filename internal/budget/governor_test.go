package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// fakeLedger is an in-memory LedgerRepository.
type fakeLedger struct {
	mu      sync.Mutex
	rows    []domain.UsageRow
	budgets map[string]domain.BudgetConfig
	// spendCalls counts SpendSince hits to observe cache behavior.
	spendCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{budgets: make(map[string]domain.BudgetConfig)}
}

func (f *fakeLedger) AppendUsage(_ domain.Context, u domain.UsageRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	f.rows = append(f.rows, u)
	return nil
}

func (f *fakeLedger) SpendSince(_ domain.Context, groupID string, since time.Time) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spendCalls++
	var sum float64
	for _, r := range f.rows {
		if r.GroupID == groupID && !r.Timestamp.Before(since) {
			sum += r.EstimatedCostUSD
		}
	}
	return sum, nil
}

func (f *fakeLedger) GetBudget(_ domain.Context, groupID string) (domain.BudgetConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.budgets[groupID]
	if !ok {
		return domain.BudgetConfig{}, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeLedger) SetBudget(_ domain.Context, b domain.BudgetConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budgets[b.GroupID] = b
	return nil
}

func newTestGovernor(t *testing.T, ledger *fakeLedger) *Governor {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewGovernor(ledger, rdb, DefaultPrices(), domain.BudgetConfig{MonthlyBudget: 10}, time.UTC)
}

func spend(t *testing.T, g *Governor, group string, usd float64) {
	t.Helper()
	require.NoError(t, g.TrackUsage(context.Background(), domain.UsageRow{
		GroupID:          group,
		Model:            "sonnet",
		EstimatedCostUSD: usd,
	}))
}

func TestGovernor_ActionTable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		spent  float64
		action domain.BudgetAction
		model  string
	}{
		{"normal", 1.0, domain.BudgetNormal, "sonnet"},
		{"alert at 80%", 8.0, domain.BudgetAlert, "sonnet"},
		{"downgrade at 95%", 9.5, domain.BudgetDowngrade, "haiku"},
		{"haiku-only at 100%", 10.0, domain.BudgetHaikuOnly, "haiku"},
		{"offline past hard limit", 12.0, domain.BudgetOffline, "none"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ledger := newFakeLedger()
			g := newTestGovernor(t, ledger)
			spend(t, g, "grp", tc.spent)
			d, err := g.Check(context.Background(), "grp", "sonnet")
			require.NoError(t, err)
			assert.Equal(t, tc.action, d.Action)
			assert.Equal(t, tc.model, d.EffectiveModel)
		})
	}
}

func TestGovernor_HardLimitBoundary(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	g := newTestGovernor(t, ledger)

	// Just below 1.20 × budget: haiku-only; past it: offline.
	spend(t, g, "grp", 11.5)
	d, err := g.Check(context.Background(), "grp", "sonnet")
	require.NoError(t, err)
	assert.Equal(t, domain.BudgetHaikuOnly, d.Action)

	spend(t, g, "grp", 1.0)
	d, err = g.Check(context.Background(), "grp", "sonnet")
	require.NoError(t, err)
	assert.Equal(t, domain.BudgetOffline, d.Action)
}

func TestGovernor_DailyBudgetWinsFirst(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	g := newTestGovernor(t, ledger)
	require.NoError(t, g.SetBudget(context.Background(), domain.BudgetConfig{
		GroupID:       "grp",
		MonthlyBudget: 100,
		DailyBudget:   0.5,
	}))
	spend(t, g, "grp", 0.6)
	d, err := g.Check(context.Background(), "grp", "sonnet")
	require.NoError(t, err)
	assert.Equal(t, domain.BudgetHaikuOnly, d.Action)
}

func TestGovernor_SetThenGetBudgetRoundTrips(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	g := newTestGovernor(t, ledger)
	want := domain.BudgetConfig{
		GroupID:         "grp",
		MonthlyBudget:   42,
		DailyBudget:     2,
		AlertThresh:     0.7,
		DowngradeThresh: 0.9,
		HardLimitThresh: 1.1,
		PreferredModel:  "sonnet",
		DowngradeModel:  "haiku",
	}
	require.NoError(t, g.SetBudget(context.Background(), want))
	got, err := g.GetBudget(context.Background(), "grp")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGovernor_SpendCacheInvalidatedOnTrack(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	g := newTestGovernor(t, ledger)

	spend(t, g, "grp", 1)
	_, err := g.Check(context.Background(), "grp", "sonnet")
	require.NoError(t, err)
	callsAfterFirst := ledger.spendCalls

	// Cached: another check must not re-aggregate.
	_, err = g.Check(context.Background(), "grp", "sonnet")
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, ledger.spendCalls)

	// A write invalidates, so the next check hits the ledger again.
	spend(t, g, "grp", 1)
	_, err = g.Check(context.Background(), "grp", "sonnet")
	require.NoError(t, err)
	assert.Greater(t, ledger.spendCalls, callsAfterFirst)
}

func TestGovernor_AlertDedup(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger()
	g := newTestGovernor(t, ledger)
	assert.True(t, g.ShouldAlert(context.Background(), "grp", domain.BudgetAlert))
	assert.False(t, g.ShouldAlert(context.Background(), "grp", domain.BudgetAlert), "second alert inside the hour is deduplicated")
	assert.True(t, g.ShouldAlert(context.Background(), "grp", domain.BudgetDowngrade), "different alert type has its own key")
	assert.True(t, g.ShouldAlert(context.Background(), "other", domain.BudgetAlert), "different group has its own key")
}

func TestGovernor_CacheTTLMultiplier(t *testing.T) {
	t.Parallel()
	g := NewGovernor(newFakeLedger(), nil, nil, domain.BudgetConfig{}, nil)
	assert.Equal(t, 1, g.CacheTTLMultiplier(0.4))
	assert.Equal(t, 3, g.CacheTTLMultiplier(0.80))
	assert.Equal(t, 3, g.CacheTTLMultiplier(0.94))
	assert.Equal(t, 6, g.CacheTTLMultiplier(0.95))
	assert.Equal(t, 6, g.CacheTTLMultiplier(1.5))
}
