package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"filevora/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &DatabaseService{db: db}, nil
}

// EnsureSchema creates the history table when it does not exist yet. Users
// and sessions belong to the account service and are only read here.
func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	const query = `CREATE TABLE IF NOT EXISTS conversion_history (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NULL,
		job_id      TEXT NOT NULL,
		tool_used   TEXT NOT NULL,
		file_size   BIGINT NOT NULL,
		file_count  INTEGER NOT NULL DEFAULT 1,
		success     BOOLEAN NOT NULL DEFAULT TRUE,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create conversion_history: %w", err)
	}
	return nil
}

// RecordConversion stores one finished conversion. Anonymous requests are
// stored with a NULL user.
func (d *DatabaseService) RecordConversion(ctx context.Context, record models.ConversionRecord) error {
	query := `INSERT INTO conversion_history
		(id, user_id, job_id, tool_used, file_size, file_count, success, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var userID sql.NullString
	if record.UserID != "" {
		userID = sql.NullString{String: record.UserID, Valid: true}
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := d.db.ExecContext(ctx, query,
		uuid.NewString(),
		userID,
		record.JobID,
		record.Tool,
		record.FileSize,
		record.FileCount,
		record.Success,
		record.Duration.Milliseconds(),
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record conversion: %w", err)
	}
	return nil
}

// LookupSession returns the user owning an unexpired session token. ok is
// false for unknown, expired or deactivated sessions.
func (d *DatabaseService) LookupSession(ctx context.Context, token string) (userID string, ok bool, err error) {
	query := `SELECT s.user_id FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token = $1 AND s.expires_at > $2 AND u.is_active`

	err = d.db.QueryRowContext(ctx, query, token, time.Now().UTC()).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up session: %w", err)
	}
	return userID, true, nil
}

func (d *DatabaseService) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}
