package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// LedgerRepo persists usage rows and per-group budget configuration.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// AppendUsage records one append-only usage row.
func (r *LedgerRepo) AppendUsage(ctx domain.Context, u domain.UsageRow) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.AppendUsage")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "usage_rows"))

	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q := `INSERT INTO usage_rows (user_id, tier, model, input_tokens, output_tokens, estimated_cost,
		response_time_ms, group_id, trace_id, cache_hit, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, u.UserID, u.Tier, u.Model, u.InputTokens, u.OutputTokens,
		u.EstimatedCostUSD, u.ResponseTime.Milliseconds(), u.GroupID, u.TraceID, u.CacheHit, ts)
	if err != nil {
		return fmt.Errorf("op=ledger.append_usage: %w", err)
	}
	return nil
}

// SpendSince sums estimated cost for a group from a point in time.
func (r *LedgerRepo) SpendSince(ctx domain.Context, groupID string, since time.Time) (float64, error) {
	var spend float64
	err := r.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(estimated_cost), 0) FROM usage_rows WHERE group_id=$1 AND ts >= $2`,
		groupID, since.UTC()).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.spend_since: %w", err)
	}
	return spend, nil
}

// GetBudget returns the group's budget config or ErrNotFound.
func (r *LedgerRepo) GetBudget(ctx domain.Context, groupID string) (domain.BudgetConfig, error) {
	var b domain.BudgetConfig
	err := r.Pool.QueryRow(ctx,
		`SELECT group_id, monthly_budget, daily_budget, alert_thresh, downgrade_thresh, hard_limit_thresh,
			preferred_model, downgrade_model FROM budgets WHERE group_id=$1`, groupID).
		Scan(&b.GroupID, &b.MonthlyBudget, &b.DailyBudget, &b.AlertThresh, &b.DowngradeThresh,
			&b.HardLimitThresh, &b.PreferredModel, &b.DowngradeModel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BudgetConfig{}, fmt.Errorf("op=ledger.get_budget: %w", domain.ErrNotFound)
		}
		return domain.BudgetConfig{}, fmt.Errorf("op=ledger.get_budget: %w", err)
	}
	return b, nil
}

// SetBudget upserts the group's budget config.
func (r *LedgerRepo) SetBudget(ctx domain.Context, b domain.BudgetConfig) error {
	q := `INSERT INTO budgets (group_id, monthly_budget, daily_budget, alert_thresh, downgrade_thresh,
		hard_limit_thresh, preferred_model, downgrade_model)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (group_id) DO UPDATE SET
			monthly_budget=EXCLUDED.monthly_budget, daily_budget=EXCLUDED.daily_budget,
			alert_thresh=EXCLUDED.alert_thresh, downgrade_thresh=EXCLUDED.downgrade_thresh,
			hard_limit_thresh=EXCLUDED.hard_limit_thresh, preferred_model=EXCLUDED.preferred_model,
			downgrade_model=EXCLUDED.downgrade_model`
	if _, err := r.Pool.Exec(ctx, q, b.GroupID, b.MonthlyBudget, b.DailyBudget, b.AlertThresh,
		b.DowngradeThresh, b.HardLimitThresh, b.PreferredModel, b.DowngradeModel); err != nil {
		return fmt.Errorf("op=ledger.set_budget: %w", err)
	}
	return nil
}
