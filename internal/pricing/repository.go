package pricing

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRepo resolves rates from the minute_pricing table.
//
// Assumed table:
//   minute_pricing(id, workspace_id, destination, currency,
//                  rate_per_minute_minor, billing_increment_seconds,
//                  minimum_billable_seconds, effective_from, effective_to,
//                  status, created_at, updated_at)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) FindMinutePricing(ctx context.Context, workspaceID, destination string, at time.Time) (MinutePricing, bool, error) {
	const q = `
SELECT id, workspace_id, destination, currency, rate_per_minute_minor,
       billing_increment_seconds, minimum_billable_seconds,
       effective_from, effective_to, status, created_at, updated_at
FROM minute_pricing
WHERE workspace_id = $1
  AND destination = $2
  AND status = 'active'
  AND effective_from <= $3
  AND (effective_to IS NULL OR effective_to > $3)
ORDER BY effective_from DESC
LIMIT 1
`
	var p MinutePricing
	var effectiveTo sql.NullTime
	err := r.db.QueryRowContext(ctx, q, workspaceID, destination, at).Scan(
		&p.ID,
		&p.WorkspaceID,
		&p.Destination,
		&p.Currency,
		&p.RatePerMinuteMinor,
		&p.BillingIncrementSeconds,
		&p.MinimumBillableSeconds,
		&p.EffectiveFrom,
		&effectiveTo,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MinutePricing{}, false, nil
		}
		return MinutePricing{}, false, err
	}
	if effectiveTo.Valid {
		t := effectiveTo.Time
		p.EffectiveTo = &t
	}
	return p, true, nil
}
