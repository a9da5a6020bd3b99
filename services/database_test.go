package services

import (
	"context"
	"os"
	"testing"
	"time"

	"filevora/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These run against a disposable Postgres named by FILEVORA_TEST_DATABASE_URL.
func databaseForTest(t *testing.T) *DatabaseService {
	t.Helper()
	dsn := os.Getenv("FILEVORA_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FILEVORA_TEST_DATABASE_URL not set")
	}
	db, err := NewDatabaseService(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.EnsureSchema(ctx))
	_, err = db.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, is_active BOOLEAN DEFAULT TRUE)`)
	require.NoError(t, err)
	_, err = db.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sessions (id TEXT PRIMARY KEY, user_id TEXT NOT NULL, token TEXT UNIQUE NOT NULL, expires_at TIMESTAMPTZ NOT NULL)`)
	require.NoError(t, err)
	return db
}

func TestDatabaseService_RecordConversion(t *testing.T) {
	db := databaseForTest(t)
	ctx := context.Background()
	jobID := uuid.NewString()

	err := db.RecordConversion(ctx, models.ConversionRecord{
		JobID:     jobID,
		Tool:      "docx-to-pdf",
		FileSize:  2048,
		FileCount: 1,
		Success:   true,
		Duration:  1500 * time.Millisecond,
	})
	require.NoError(t, err)

	var (
		userID     *string
		durationMS int64
	)
	err = db.db.QueryRowContext(ctx, `SELECT user_id, duration_ms FROM conversion_history WHERE job_id = $1`, jobID).Scan(&userID, &durationMS)
	require.NoError(t, err)
	assert.Nil(t, userID)
	assert.Equal(t, int64(1500), durationMS)
}

func TestDatabaseService_LookupSession(t *testing.T) {
	db := databaseForTest(t)
	ctx := context.Background()

	active, inactive := uuid.NewString(), uuid.NewString()
	_, err := db.db.ExecContext(ctx, `INSERT INTO users (id, is_active) VALUES ($1, TRUE), ($2, FALSE)`, active, inactive)
	require.NoError(t, err)

	valid, expired, disabled := uuid.NewString(), uuid.NewString(), uuid.NewString()
	_, err = db.db.ExecContext(ctx, `INSERT INTO sessions (id, user_id, token, expires_at) VALUES
		($1, $2, $1, NOW() + INTERVAL '1 hour'),
		($3, $2, $3, NOW() - INTERVAL '1 hour'),
		($4, $5, $4, NOW() + INTERVAL '1 hour')`, valid, active, expired, disabled, inactive)
	require.NoError(t, err)

	userID, ok, err := db.LookupSession(ctx, valid)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, active, userID)

	for _, token := range []string{expired, disabled, "unknown"} {
		_, ok, err := db.LookupSession(ctx, token)
		require.NoError(t, err)
		assert.False(t, ok, token)
	}
}
