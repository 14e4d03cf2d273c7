package shared

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	sql  string
	args []any
}

func (r *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestAuditLoggerRecord(t *testing.T) {
	db := &recordingExecer{}
	logger := NewAuditLogger(db)
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	logger.now = func() time.Time { return fixed }

	err := logger.Record(context.Background(), AuditLog{
		ActorID:  "u-1",
		Action:   "inventory:rebuild",
		Entity:   "stock_snapshot",
		EntityID: "S1:P1",
	})
	require.NoError(t, err)
	require.Contains(t, db.sql, "INSERT INTO audit_logs")
	require.Equal(t, "u-1", db.args[0])
	require.JSONEq(t, `{}`, string(db.args[4].([]byte)))
	require.Equal(t, fixed, db.args[5])
}

func TestAuditLoggerRejectsIncompleteRecord(t *testing.T) {
	logger := NewAuditLogger(&recordingExecer{})
	err := logger.Record(context.Background(), AuditLog{Action: "inventory:rebuild"})
	require.ErrorIs(t, err, ErrIncompleteAudit)

	var nilLogger *AuditLogger
	require.Error(t, nilLogger.Record(context.Background(), AuditLog{}))
}
