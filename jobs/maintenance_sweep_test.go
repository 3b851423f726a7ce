package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	_ "github.com/casafleet/casafleet/testing"
)

type recordingExecer struct {
	statements []string
	args       [][]any
	tags       []pgconn.CommandTag
}

func (r *recordingExecer) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	r.statements = append(r.statements, sql)
	r.args = append(r.args, arguments)
	return r.tags[len(r.statements)-1], nil
}

func TestSweepTxArchivesAndCounts(t *testing.T) {
	exec := &recordingExecer{tags: []pgconn.CommandTag{
		pgconn.NewCommandTag("INSERT 0 2"),
		pgconn.NewCommandTag("INSERT 0 1"),
		pgconn.NewCommandTag("DELETE 3"),
	}}
	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	grants, sessions, logins, err := sweepTx(context.Background(), exec, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(2), grants)
	require.Equal(t, int64(1), sessions)
	require.Equal(t, int64(3), logins)

	require.Len(t, exec.statements, 3)
	for _, args := range exec.args {
		require.Equal(t, []any{cutoff}, args)
	}
	// Revoked grants with a NULL expiry must age out on assignment time
	// rather than staying in the hot table forever.
	require.Contains(t, exec.statements[0], "COALESCE(expires_at, assigned_at)")
	require.NotContains(t, exec.statements[0], "expires_at IS NOT NULL")
}

func TestSweepHandleSkipsMalformedPayload(t *testing.T) {
	job := NewMaintenanceSweepJob(nil, nil, 0)

	err := job.Handle(context.Background(), asynq.NewTask(TaskMaintenanceSweep, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}
