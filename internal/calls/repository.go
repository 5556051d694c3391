package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"meetai/pkg/utils"
)

// PostgresStore implements Store on database/sql with the pgx driver.
// Tables are created by Migrate.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const callColumns = `c.id, c.host_id, c.name, c.status, c.provisioned, c.created_at, c.ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c       Call
		name    sql.NullString
		endedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.HostID, &name, &c.Status, &c.Provisioned, &c.CreatedAt, &endedAt); err != nil {
		return Call{}, err
	}
	if name.Valid {
		n := name.String
		c.Name = &n
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	return c, nil
}

func (s *PostgresStore) InsertCall(ctx context.Context, c Call) error {
	const insertCall = `
INSERT INTO calls (id, host_id, name, status, provisioned, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	const insertHost = `
INSERT INTO call_participants (call_id, user_id, joined_at)
VALUES ($1, $2, $3)
ON CONFLICT (call_id, user_id) DO NOTHING
`
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var name sql.NullString
		if c.Name != nil {
			name = sql.NullString{String: *c.Name, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, insertCall, c.ID, c.HostID, name, c.Status, c.Provisioned, c.CreatedAt); err != nil {
			return fmt.Errorf("insert call: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertHost, c.ID, c.HostID, c.CreatedAt); err != nil {
			return fmt.Errorf("insert host participant: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls c WHERE c.id = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func (s *PostgresStore) ListCallsForUser(ctx context.Context, userID string) ([]Call, error) {
	q := `
SELECT ` + callColumns + `
FROM calls c
JOIN call_participants p ON p.call_id = c.id
WHERE p.user_id = $1
ORDER BY c.created_at DESC, c.id DESC
`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Call{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetStatus is a single conditional UPDATE; concurrent callers serialize on the row
// and every caller after the first sees zero affected rows.
func (s *PostgresStore) SetStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	if !validTransition(from, to) {
		return ErrInvalidTransition
	}

	const q = `
UPDATE calls
SET status = $3, ended_at = $4
WHERE id = $1 AND status = $2
`
	res, err := s.db.ExecContext(ctx, q, id, from, to, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	exists, err := s.callExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (s *PostgresStore) MarkProvisioned(ctx context.Context, id string) error {
	const q = `UPDATE calls SET provisioned = true WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertParticipant(ctx context.Context, p Participant) (bool, error) {
	// FOR SHARE makes a concurrent completion wait for this insert, and makes
	// this insert re-check the status if the completion got there first.
	const q = `
INSERT INTO call_participants (call_id, user_id, joined_at)
SELECT $1::text, $2::text, $3::timestamptz
WHERE EXISTS (
    SELECT 1 FROM calls WHERE id = $1::text AND status = 'active' FOR SHARE
)
ON CONFLICT (call_id, user_id) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q, p.CallID, p.UserID, p.JoinedAt)
	if err != nil {
		if utils.PgErrorCode(err) == utils.PgForeignKeyViolation {
			return false, ErrNotFound
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// Nothing inserted: already a member of an active call, or the call is gone or ended.
	var status Status
	err = s.db.QueryRowContext(ctx, `SELECT status FROM calls WHERE id = $1`, p.CallID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, ErrNotFound
	case err != nil:
		return false, err
	case status != StatusActive:
		return false, ErrCallEnded
	}
	return false, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, callID string) ([]ParticipantView, error) {
	const q = `
SELECT p.user_id, COALESCE(u.name, ''), COALESCE(u.image, '')
FROM call_participants p
LEFT JOIN users u ON u.id = p.user_id
WHERE p.call_id = $1
ORDER BY p.joined_at ASC, p.user_id ASC
`
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ParticipantView{}
	for rows.Next() {
		var v ParticipantView
		if err := rows.Scan(&v.UserID, &v.Name, &v.Image); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteCall locks the call row so a concurrent status change cannot slip between
// the check and the delete.
func (s *PostgresStore) DeleteCall(ctx context.Context, id string) error {
	const lock = `SELECT status FROM calls WHERE id = $1 FOR UPDATE`
	const delParticipants = `DELETE FROM call_participants WHERE call_id = $1`
	const delCall = `DELETE FROM calls WHERE id = $1`

	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var status Status
		if err := tx.QueryRowContext(ctx, lock, id).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if status != StatusCompleted {
			return ErrStatusConflict
		}
		if _, err := tx.ExecContext(ctx, delParticipants, id); err != nil {
			return fmt.Errorf("delete participants: %w", err)
		}
		if _, err := tx.ExecContext(ctx, delCall, id); err != nil {
			return fmt.Errorf("delete call: %w", err)
		}
		return nil
	})
}

// UpsertUser never overwrites a known name or image with an empty value.
func (s *PostgresStore) UpsertUser(ctx context.Context, u User) error {
	const q = `
INSERT INTO users (id, name, image, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE
SET name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
    image = COALESCE(NULLIF(EXCLUDED.image, ''), users.image),
    updated_at = now()
`
	_, err := s.db.ExecContext(ctx, q, u.ID, u.Name, u.Image)
	return err
}

func (s *PostgresStore) callExists(ctx context.Context, id string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM calls WHERE id = $1)`
	var ok bool
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
