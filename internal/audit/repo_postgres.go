package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to call_audit_events. The table is created by the calls schema.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_audit_events (id, type, call_id, actor_user_id, ip_address, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.Type, e.CallID, e.ActorUserID, e.IPAddress, e.Message, e.Metadata, e.CreatedAt)
	return err
}
