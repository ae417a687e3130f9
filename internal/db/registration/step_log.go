package regdb

import (
	"context"
	"database/sql"
	"time"

	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/saga"
)

// StepLog appends one row per entity creation attempt.
type StepLog struct {
	db *sql.DB
}

// NewStepLog constructs a StepLog backed by Postgres.
func NewStepLog(db *sql.DB) *StepLog {
	return &StepLog{db: db}
}

// NewStepLogWithSchema initializes the schema then returns the log.
func NewStepLogWithSchema(ctx context.Context, db *sql.DB) (*StepLog, error) {
	log := NewStepLog(db)
	if err := log.InitSchema(ctx); err != nil {
		return nil, err
	}
	return log, nil
}

// InitSchema creates the registration_saga_steps table if it does not exist.
func (l *StepLog) InitSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS registration_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			entity_id TEXT,
			error TEXT,
			retryable BOOLEAN NOT NULL DEFAULT FALSE,
			duration_ms BIGINT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// RecordStep appends a step row.
func (l *StepLog) RecordStep(ctx context.Context, rec saga.StepRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO registration_saga_steps
			(session_id, entity_type, attempt, status, entity_id, error, retryable, duration_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.SessionID, string(rec.EntityType), rec.Attempt, string(rec.Status),
		nullString(rec.EntityID), nullString(rec.Error), rec.Retryable,
		rec.Duration.Milliseconds(), rec.At.UTC(),
	)
	return err
}

// Steps returns the recorded attempts for a session, oldest first.
func (l *StepLog) Steps(ctx context.Context, sessionID string) ([]saga.StepRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT entity_type, attempt, status, entity_id, error, retryable, duration_ms, recorded_at
		FROM registration_saga_steps
		WHERE session_id = $1
		ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.StepRecord
	for rows.Next() {
		var (
			entityType, status string
			entityID, errText  sql.NullString
			durationMS         int64
			rec                = saga.StepRecord{SessionID: sessionID}
		)
		if err := rows.Scan(&entityType, &rec.Attempt, &status, &entityID, &errText,
			&rec.Retryable, &durationMS, &rec.At); err != nil {
			return nil, err
		}
		rec.EntityType = progress.EntityType(entityType)
		rec.Status = progress.EntityStatus(status)
		rec.EntityID = entityID.String
		rec.Error = errText.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
