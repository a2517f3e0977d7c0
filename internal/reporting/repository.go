package reporting

import (
	"context"
	"database/sql"
	"time"

	"callburst/internal/dispatch"
	"callburst/internal/wallet"
)

// PostgresRepo reads the immutable call_attempts and wallet_ledger tables.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) ListAttempts(ctx context.Context, workspaceID string, from, to time.Time, target string) ([]dispatch.CallAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, request_id, workspace_id, user_id, seq,
		       target, did, provider_call_id,
		       status, reason,
		       started_at, answered_at, ended_at,
		       duration_seconds, cost_minor, currency
		FROM call_attempts
		WHERE workspace_id = $1
		  AND started_at >= $2 AND started_at < $3
		  AND ($4 = '' OR target = $4)
		ORDER BY started_at ASC
	`, workspaceID, from.UTC(), to.UTC(), target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.CallAttempt
	for rows.Next() {
		var a dispatch.CallAttempt
		var did, providerCallID, reason, currency sql.NullString
		var answeredAt, endedAt sql.NullTime
		if err := rows.Scan(
			&a.ID, &a.RequestID, &a.WorkspaceID, &a.UserID, &a.Seq,
			&a.Target, &did, &providerCallID,
			&a.Status, &reason,
			&a.StartedAt, &answeredAt, &endedAt,
			&a.DurationSeconds, &a.CostMinor, &currency,
		); err != nil {
			return nil, err
		}
		a.DID = did.String
		a.ProviderCallID = providerCallID.String
		a.Reason = dispatch.ReasonCode(reason.String)
		a.Currency = currency.String
		if answeredAt.Valid {
			t := answeredAt.Time
			a.AnsweredAt = &t
		}
		if endedAt.Valid {
			t := endedAt.Time
			a.EndedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListWalletLedger(ctx context.Context, workspaceID string, from, to time.Time, walletID string) ([]wallet.WalletLedger, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workspace_id, wallet_id, type, amount_minor, currency,
		       external_ref, idempotency_key, metadata, created_at
		FROM wallet_ledger
		WHERE workspace_id = $1
		  AND created_at >= $2 AND created_at < $3
		  AND ($4 = '' OR wallet_id = $4)
		ORDER BY created_at ASC
	`, workspaceID, from.UTC(), to.UTC(), walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wallet.WalletLedger
	for rows.Next() {
		var l wallet.WalletLedger
		var externalRef, metadata sql.NullString
		if err := rows.Scan(
			&l.ID, &l.WorkspaceID, &l.WalletID, &l.Type, &l.AmountMinor, &l.Currency,
			&externalRef, &l.IdempotencyKey, &metadata, &l.CreatedAt,
		); err != nil {
			return nil, err
		}
		l.ExternalRef = externalRef.String
		l.Metadata = metadata.String
		out = append(out, l)
	}
	return out, rows.Err()
}
