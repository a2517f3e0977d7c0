package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends audit events to the audit_events table. Insert-only;
// immutability is enforced at the database layer.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, workspace_id, type,
			actor_user_id, actor_role, ip_address,
			wallet_id, request_id, attempt_id, did_number,
			message, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		e.ID, e.WorkspaceID, string(e.Type),
		e.ActorUserID, e.ActorRole, e.IPAddress,
		e.WalletID, e.RequestID, e.AttemptID, e.DIDNumber,
		e.Message, e.Metadata, e.CreatedAt.UTC(),
	)
	return err
}
