package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casafleet/casafleet/internal/platform/db"
)

// MaintenanceSweepJob moves long-expired rows out of the hot tables. The
// engine itself never deletes grants or impersonation sessions; archival
// happens only here, and only for rows that are already inactive.
type MaintenanceSweepJob struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	retention time.Duration
}

// NewMaintenanceSweepJob constructs the sweep handler.
func NewMaintenanceSweepJob(pool *pgxpool.Pool, logger *slog.Logger, retention time.Duration) *MaintenanceSweepJob {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &MaintenanceSweepJob{pool: pool, logger: logger, retention: retention}
}

// Handle processes TaskMaintenanceSweep tasks.
func (j *MaintenanceSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload MaintenanceSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := j.retention
	if payload.Retention > 0 {
		retention = payload.Retention
	}
	cutoff := time.Now().UTC().Add(-retention)

	var grants, sessions, logins int64
	err := db.WithTx(ctx, j.pool, func(tx pgx.Tx) error {
		var err error
		grants, sessions, logins, err = sweepTx(ctx, tx, cutoff)
		return err
	})
	if err != nil {
		if j.logger != nil {
			j.logger.Error("maintenance sweep failed", slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("maintenance sweep complete",
			slog.Int64("grants_archived", grants),
			slog.Int64("impersonation_sessions_archived", sessions),
			slog.Int64("login_sessions_deleted", logins),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

type sqlExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// sweepTx runs the archival statements inside an open transaction. Revoked
// grants without an expiry age out on assigned_at so they do not accumulate
// in the hot table forever.
func sweepTx(ctx context.Context, tx sqlExecer, cutoff time.Time) (grants, sessions, logins int64, err error) {
	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM role_grants
			WHERE status = 'revoked' AND COALESCE(expires_at, assigned_at) < $1
			RETURNING *
		)
		INSERT INTO role_grants_archive SELECT * FROM moved`, cutoff)
	if err != nil {
		return 0, 0, 0, err
	}
	grants = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM impersonation_sessions
			WHERE status = 'ended' AND ended_at IS NOT NULL AND ended_at < $1
			RETURNING *
		)
		INSERT INTO impersonation_sessions_archive SELECT * FROM moved`, cutoff)
	if err != nil {
		return 0, 0, 0, err
	}
	sessions = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, 0, 0, err
	}
	logins = tag.RowsAffected()
	return grants, sessions, logins, nil
}
