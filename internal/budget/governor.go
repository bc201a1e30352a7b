package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/b9b4ymiN/jellycore/internal/adapter/observability"
	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// spendCacheTTL bounds how stale the cached spend aggregates may get; every
// TrackUsage write invalidates them anyway.
const spendCacheTTL = 5 * time.Minute

// alertDedupTTL is the per-(group, alert_type) notice budget.
const alertDedupTTL = time.Hour

// Decision is the governor's verdict for one requested run.
type Decision struct {
	Action         domain.BudgetAction
	EffectiveModel string
	UsagePct       float64
	SpendMonth     float64
	SpendToday     float64
}

// Governor maps (requested model, current spend) to an action and the
// effective model. Spend aggregates are cached in redis; alert dedup rides
// the same client.
type Governor struct {
	ledger   domain.LedgerRepository
	rdb      *redis.Client
	prices   PriceTable
	defaults domain.BudgetConfig
	loc      *time.Location

	mu      sync.Mutex
	lastPct float64
}

// NewGovernor wires the governor. defaults apply to groups without a budget
// row; loc fixes the month/day boundaries.
func NewGovernor(ledger domain.LedgerRepository, rdb *redis.Client, prices PriceTable, defaults domain.BudgetConfig, loc *time.Location) *Governor {
	if prices == nil {
		prices = DefaultPrices()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Governor{ledger: ledger, rdb: rdb, prices: prices, defaults: defaults, loc: loc}
}

// Check returns the action for a requested model given current spend.
func (g *Governor) Check(ctx context.Context, groupID, requestedModel string) (Decision, error) {
	cfg, err := g.ledger.GetBudget(ctx, groupID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return Decision{}, fmt.Errorf("op=governor.Check: %w", err)
		}
		cfg = g.defaults
		cfg.GroupID = groupID
	}
	applyThresholdDefaults(&cfg)

	now := time.Now().In(g.loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, g.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.loc)

	spendMonth, err := g.cachedSpend(ctx, groupID, "month", monthStart)
	if err != nil {
		return Decision{}, fmt.Errorf("op=governor.Check: %w", err)
	}
	spendToday, err := g.cachedSpend(ctx, groupID, "day", dayStart)
	if err != nil {
		return Decision{}, fmt.Errorf("op=governor.Check: %w", err)
	}

	d := Decision{SpendMonth: spendMonth, SpendToday: spendToday, EffectiveModel: requestedModel}
	if cfg.MonthlyBudget > 0 {
		d.UsagePct = spendMonth / cfg.MonthlyBudget
	}

	switch {
	case cfg.DailyBudget > 0 && spendToday >= cfg.DailyBudget:
		d.Action = domain.BudgetHaikuOnly
		d.EffectiveModel = cfg.DowngradeModel
	case cfg.MonthlyBudget > 0 && d.UsagePct >= cfg.HardLimitThresh:
		d.Action = domain.BudgetOffline
		d.EffectiveModel = "none"
	case cfg.MonthlyBudget > 0 && d.UsagePct >= 1.0:
		d.Action = domain.BudgetHaikuOnly
		d.EffectiveModel = cfg.DowngradeModel
	case cfg.MonthlyBudget > 0 && d.UsagePct >= cfg.DowngradeThresh:
		d.Action = domain.BudgetDowngrade
		d.EffectiveModel = cfg.DowngradeModel
	case cfg.MonthlyBudget > 0 && d.UsagePct >= cfg.AlertThresh:
		d.Action = domain.BudgetAlert
	default:
		d.Action = domain.BudgetNormal
	}
	observability.BudgetActionsTotal.WithLabelValues(string(d.Action)).Inc()
	g.mu.Lock()
	g.lastPct = d.UsagePct
	g.mu.Unlock()
	return d, nil
}

// LastUsagePct returns the most recent usage fraction any Check computed;
// feeds the Oracle cache's adaptive TTL.
func (g *Governor) LastUsagePct() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastPct
}

// TrackUsage prices and appends one usage row, then invalidates the group's
// spend cache so the next Check sees it.
func (g *Governor) TrackUsage(ctx context.Context, u domain.UsageRow) error {
	if u.EstimatedCostUSD == 0 {
		u.EstimatedCostUSD = g.prices.EstimateCost(u.Model, u.InputTokens, u.OutputTokens)
	}
	if err := g.ledger.AppendUsage(ctx, u); err != nil {
		return fmt.Errorf("op=governor.TrackUsage: %w", err)
	}
	if g.rdb != nil {
		if err := g.rdb.Del(ctx, g.spendKey(u.GroupID, "month"), g.spendKey(u.GroupID, "day")).Err(); err != nil {
			slog.Warn("spend cache invalidation failed", slog.String("group", u.GroupID), slog.Any("error", err))
		}
	}
	return nil
}

// SetBudget writes through to the ledger and drops the cached aggregates.
func (g *Governor) SetBudget(ctx context.Context, b domain.BudgetConfig) error {
	applyThresholdDefaults(&b)
	if err := g.ledger.SetBudget(ctx, b); err != nil {
		return fmt.Errorf("op=governor.SetBudget: %w", err)
	}
	if g.rdb != nil {
		_ = g.rdb.Del(ctx, g.spendKey(b.GroupID, "month"), g.spendKey(b.GroupID, "day")).Err()
	}
	return nil
}

// GetBudget reads the effective budget config for a group.
func (g *Governor) GetBudget(ctx context.Context, groupID string) (domain.BudgetConfig, error) {
	cfg, err := g.ledger.GetBudget(ctx, groupID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			cfg = g.defaults
			cfg.GroupID = groupID
			applyThresholdDefaults(&cfg)
			return cfg, nil
		}
		return domain.BudgetConfig{}, fmt.Errorf("op=governor.GetBudget: %w", err)
	}
	applyThresholdDefaults(&cfg)
	return cfg, nil
}

// ShouldAlert reports whether a (group, alertType) notice may fire; at most
// one per hour via a SETNX key.
func (g *Governor) ShouldAlert(ctx context.Context, groupID string, alertType domain.BudgetAction) bool {
	if g.rdb == nil {
		return true
	}
	key := fmt.Sprintf("budget:alert:%s:%s", groupID, alertType)
	ok, err := g.rdb.SetNX(ctx, key, "1", alertDedupTTL).Result()
	if err != nil {
		slog.Warn("alert dedup check failed", slog.Any("error", err))
		return true
	}
	return ok
}

// CacheTTLMultiplier suggests how much to stretch the Oracle cache TTL as
// the budget tightens: ×6 at ≥95%, ×3 at ≥80%, ×1 otherwise.
func (g *Governor) CacheTTLMultiplier(usagePct float64) int {
	switch {
	case usagePct >= 0.95:
		return 6
	case usagePct >= 0.80:
		return 3
	default:
		return 1
	}
}

// Prices exposes the table for callers that estimate before tracking.
func (g *Governor) Prices() PriceTable { return g.prices }

func (g *Governor) cachedSpend(ctx context.Context, groupID, window string, since time.Time) (float64, error) {
	if g.rdb != nil {
		if val, err := g.rdb.Get(ctx, g.spendKey(groupID, window)).Result(); err == nil {
			if f, perr := strconv.ParseFloat(val, 64); perr == nil {
				return f, nil
			}
		}
	}
	spend, err := g.ledger.SpendSince(ctx, groupID, since)
	if err != nil {
		return 0, err
	}
	if g.rdb != nil {
		if err := g.rdb.Set(ctx, g.spendKey(groupID, window), strconv.FormatFloat(spend, 'f', -1, 64), spendCacheTTL).Err(); err != nil {
			slog.Debug("spend cache write failed", slog.Any("error", err))
		}
	}
	return spend, nil
}

func (g *Governor) spendKey(groupID, window string) string {
	return fmt.Sprintf("budget:spend:%s:%s", window, groupID)
}

func applyThresholdDefaults(b *domain.BudgetConfig) {
	if b.AlertThresh <= 0 {
		b.AlertThresh = 0.80
	}
	if b.DowngradeThresh <= 0 {
		b.DowngradeThresh = 0.95
	}
	if b.HardLimitThresh <= 0 {
		b.HardLimitThresh = 1.20
	}
	if b.DowngradeModel == "" {
		b.DowngradeModel = "haiku"
	}
}
