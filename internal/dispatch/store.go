package dispatch

import (
	"context"
	"database/sql"
	"time"

	"callburst/internal/wallet"
	"callburst/pkg/utils"
)

// Store persists terminal call attempts and their charges.
//
// SettleAttempt is the only write path and it is transactional: the attempt
// row and the wallet debit commit together or not at all. The attempt ID is
// the debit's idempotency key, so replaying a settlement after a crash
// cannot double-charge.
type Store struct {
	db      *sql.DB
	wallets *wallet.Service
}

func NewStore(db *sql.DB, wallets *wallet.Service) *Store {
	return &Store{db: db, wallets: wallets}
}

func (s *Store) SettleAttempt(ctx context.Context, attempt CallAttempt, walletID string) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := insertAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		if attempt.CostMinor <= 0 {
			return nil
		}
		_, _, err := s.wallets.DebitTx(ctx, tx, attempt.WorkspaceID, walletID, wallet.DebitRequest{
			AmountMinor:    attempt.CostMinor,
			Currency:       attempt.Currency,
			ExternalRef:    "call_attempt:" + attempt.ID,
			IdempotencyKey: attempt.ID,
		})
		return err
	})
}

// ON CONFLICT DO NOTHING keeps replayed settlements idempotent on the
// attempt side; the ledger side is covered by the idempotency key.
func insertAttempt(ctx context.Context, tx *sql.Tx, a CallAttempt) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO call_attempts (
			id, request_id, workspace_id, user_id, seq,
			target, did, provider_call_id,
			status, reason,
			started_at, answered_at, ended_at,
			duration_seconds, cost_minor, currency
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO NOTHING
	`,
		a.ID, a.RequestID, a.WorkspaceID, a.UserID, a.Seq,
		a.Target, nullString(a.DID), nullString(a.ProviderCallID),
		string(a.Status), nullString(string(a.Reason)),
		a.StartedAt.UTC(), nullTime(a.AnsweredAt), nullTime(a.EndedAt),
		a.DurationSeconds, a.CostMinor, nullString(a.Currency),
	)
	return err
}

// ListByRequest returns every attempt of one dispatch request in order.
func (s *Store) ListByRequest(ctx context.Context, workspaceID, requestID string) ([]CallAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, workspace_id, user_id, seq,
		       target, did, provider_call_id,
		       status, reason,
		       started_at, answered_at, ended_at,
		       duration_seconds, cost_minor, currency
		FROM call_attempts
		WHERE workspace_id = $1 AND request_id = $2
		ORDER BY seq ASC
	`, workspaceID, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(rows *sql.Rows) (CallAttempt, error) {
	var a CallAttempt
	var did, providerCallID, reason, currency sql.NullString
	var answeredAt, endedAt sql.NullTime
	err := rows.Scan(
		&a.ID, &a.RequestID, &a.WorkspaceID, &a.UserID, &a.Seq,
		&a.Target, &did, &providerCallID,
		&a.Status, &reason,
		&a.StartedAt, &answeredAt, &endedAt,
		&a.DurationSeconds, &a.CostMinor, &currency,
	)
	if err != nil {
		return CallAttempt{}, err
	}
	a.DID = did.String
	a.ProviderCallID = providerCallID.String
	a.Reason = ReasonCode(reason.String)
	a.Currency = currency.String
	if answeredAt.Valid {
		t := answeredAt.Time
		a.AnsweredAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		a.EndedAt = &t
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
