package impersonation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casafleet/casafleet/internal/platform/db"
	"github.com/casafleet/casafleet/internal/shared"
)

const uniqueViolation = "23505"

const sessionColumns = `id, admin_id, target_user_id, reason, ip_address, user_agent, started_at, ended_at, status`

// PGRepository implements Repository using PostgreSQL. The
// single-active-session invariant is backed by a partial unique index on
// (admin_id) WHERE status = 'active'.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("impersonation: %s: %w: %w", op, shared.ErrUnavailable, err)
}

// StartSession ends any active session for the admin and inserts the new one
// in a single transaction.
func (r *PGRepository) StartSession(ctx context.Context, sess Session) (Session, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE impersonation_sessions SET status = $3, ended_at = $2
			WHERE admin_id = $1 AND status = $4`,
			sess.AdminID, sess.StartedAt, SessionEnded, SessionActive); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO impersonation_sessions (admin_id, target_user_id, reason, ip_address, user_agent, started_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			sess.AdminID, sess.TargetUserID, sess.Reason, sess.IPAddress, sess.UserAgent, sess.StartedAt, SessionActive).
			Scan(&sess.ID)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return Session{}, fmt.Errorf("impersonation: admin %d already has an active session: %w", sess.AdminID, shared.ErrConflict)
		}
		return Session{}, storeErr("start session", err)
	}
	sess.Status = SessionActive
	return sess, nil
}

// EndActiveSession closes the admin's active session.
func (r *PGRepository) EndActiveSession(ctx context.Context, adminID int64, endedAt time.Time) (Session, error) {
	var sess Session
	err := r.pool.QueryRow(ctx, `
		UPDATE impersonation_sessions SET status = $3, ended_at = $2
		WHERE admin_id = $1 AND status = $4
		RETURNING `+sessionColumns,
		adminID, endedAt, SessionEnded, SessionActive).
		Scan(sessionFields(&sess)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, fmt.Errorf("impersonation: no active session for admin %d: %w", adminID, shared.ErrNotFound)
		}
		return Session{}, storeErr("end session", err)
	}
	return sess, nil
}

// ActiveSession returns the admin's active session, or nil when none exists.
func (r *PGRepository) ActiveSession(ctx context.Context, adminID int64) (*Session, error) {
	var sess Session
	err := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM impersonation_sessions
		WHERE admin_id = $1 AND status = $2
		ORDER BY started_at DESC
		LIMIT 1`, adminID, SessionActive).
		Scan(sessionFields(&sess)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("active session", err)
	}
	return &sess, nil
}

// ListActive returns every active session, most recently started first.
func (r *PGRepository) ListActive(ctx context.Context) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM impersonation_sessions
		WHERE status = $1
		ORDER BY started_at DESC`, SessionActive)
	if err != nil {
		return nil, storeErr("list active", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListHistory returns a page of sessions ordered by started_at descending.
func (r *PGRepository) ListHistory(ctx context.Context, filter HistoryFilter) ([]Session, int, error) {
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM impersonation_sessions
		WHERE ($1 = 0 OR admin_id = $1) AND ($2 = 0 OR target_user_id = $2)`,
		filter.AdminID, filter.TargetUserID).Scan(&total); err != nil {
		return nil, 0, storeErr("count history", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM impersonation_sessions
		WHERE ($1 = 0 OR admin_id = $1) AND ($2 = 0 OR target_user_id = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4`,
		filter.AdminID, filter.TargetUserID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, storeErr("list history", err)
	}
	defer rows.Close()
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

func sessionFields(sess *Session) []any {
	return []any{
		&sess.ID, &sess.AdminID, &sess.TargetUserID, &sess.Reason,
		&sess.IPAddress, &sess.UserAgent, &sess.StartedAt, &sess.EndedAt, &sess.Status,
	}
}

func scanSessions(rows pgx.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(sessionFields(&sess)...); err != nil {
			return nil, storeErr("scan session", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("session rows", err)
	}
	return sessions, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
