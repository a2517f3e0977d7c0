package didpool

import (
	"context"
	"database/sql"
	"time"
)

// Repository persists the DID pool in Postgres.
//
// The table is populated by the inventory-sync feed; this process reads it
// at boot and writes back usage state after each terminal attempt. The
// in-memory Inventory stays authoritative while the process runs; writes
// here are durability, not coordination.
//
// Assumed table:
//   dids(number PK, provider_account_id, active, blocked_until,
//        current_target, last_used_at, last_failed_target, last_failed_at,
//        usage_count, created_at, updated_at)
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository { return &Repository{db: db} }

// LoadAll returns every DID row. In-flight markers from a previous process
// life are cleared on read: a crashed process cannot strand inventory.
func (r *Repository) LoadAll(ctx context.Context) ([]DID, error) {
	const q = `
SELECT number, provider_account_id, active, blocked_until, last_used_at,
       last_failed_target, last_failed_at, usage_count, created_at, updated_at
FROM dids
ORDER BY number
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DID
	for rows.Next() {
		var d DID
		var blockedUntil, lastUsedAt, lastFailedAt sql.NullTime
		var lastFailedTarget sql.NullString
		if err := rows.Scan(
			&d.Number,
			&d.ProviderAccountID,
			&d.Active,
			&blockedUntil,
			&lastUsedAt,
			&lastFailedTarget,
			&lastFailedAt,
			&d.UsageCount,
			&d.CreatedAt,
			&d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if blockedUntil.Valid {
			t := blockedUntil.Time
			d.BlockedUntil = &t
		}
		if lastUsedAt.Valid {
			t := lastUsedAt.Time
			d.LastUsedAt = &t
		}
		if lastFailedTarget.Valid {
			d.LastFailedTarget = lastFailedTarget.String
		}
		if lastFailedAt.Valid {
			t := lastFailedAt.Time
			d.LastFailedAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveUsage writes back the usage state of one DID after a terminal attempt.
func (r *Repository) SaveUsage(ctx context.Context, d DID) error {
	const q = `
UPDATE dids
SET active = $2,
    blocked_until = $3,
    last_used_at = $4,
    last_failed_target = $5,
    last_failed_at = $6,
    usage_count = $7,
    updated_at = $8
WHERE number = $1
`
	res, err := r.db.ExecContext(ctx, q,
		d.Number,
		d.Active,
		nullTime(d.BlockedUntil),
		nullTime(d.LastUsedAt),
		nullString(d.LastFailedTarget),
		nullTime(d.LastFailedAt),
		d.UsageCount,
		d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownDID
	}
	return nil
}

// Sync upserts one DID from the inventory feed.
func (r *Repository) Sync(ctx context.Context, d DID, now time.Time) error {
	const q = `
INSERT INTO dids (number, provider_account_id, active, blocked_until, usage_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,0,$5,$5)
ON CONFLICT (number)
DO UPDATE SET provider_account_id = EXCLUDED.provider_account_id,
              active = EXCLUDED.active,
              blocked_until = EXCLUDED.blocked_until,
              updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q,
		d.Number,
		d.ProviderAccountID,
		d.Active,
		nullTime(d.BlockedUntil),
		now,
	)
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
