package regdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"memberhub/internal/apperrors"
	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/saga"
	"memberhub/internal/registration/session"
)

// EntityStore creates one membership entity type in the membership_records
// table. Each owner holds at most one record per type and year.
type EntityStore struct {
	db     *sql.DB
	entity progress.EntityType
	newID  func() string
}

// NewEntityStore constructs an EntityStore for t.
func NewEntityStore(db *sql.DB, t progress.EntityType) *EntityStore {
	return &EntityStore{db: db, entity: t, newID: uuid.NewString}
}

// NewEntityCreators returns an EntityStore for every entity type.
func NewEntityCreators(db *sql.DB) saga.Creators {
	creators := make(saga.Creators, len(progress.Order))
	for _, t := range progress.Order {
		creators[t] = NewEntityStore(db, t)
	}
	return creators
}

// InitEntitySchema creates the membership_records table if it does not exist.
func InitEntitySchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS membership_records (
			entity_id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			session_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			membership_year INTEGER NOT NULL,
			category_entity_id TEXT,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (entity_type, owner_id, membership_year)
		)
	`)
	return err
}

// Create inserts the record. A record already written by the same session is
// returned as is; one written by another session is a permanent conflict.
func (e *EntityStore) Create(ctx context.Context, link saga.Link, payload session.Payload) (string, error) {
	if link.OwnerID == "" || link.SessionID == "" {
		return "", saga.Permanent(apperrors.New(apperrors.CodeValidation, "owner and session ids are required"))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", saga.Permanent(fmt.Errorf("encode %s payload: %w", e.entity, err))
	}

	id := e.newID()
	res, err := e.db.ExecContext(ctx, `
		INSERT INTO membership_records
			(entity_id, entity_type, session_id, owner_id, organization_id, membership_year, category_entity_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_type, owner_id, membership_year) DO NOTHING`,
		id, string(e.entity), link.SessionID, link.OwnerID, link.OrganizationID, link.MembershipYear,
		nullString(link.CategoryID), raw,
	)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected > 0 {
		return id, nil
	}

	var existingID, existingSession string
	row := e.db.QueryRowContext(ctx, `
		SELECT entity_id, session_id
		FROM membership_records
		WHERE entity_type = $1 AND owner_id = $2 AND membership_year = $3`,
		string(e.entity), link.OwnerID, link.MembershipYear,
	)
	switch scanErr := row.Scan(&existingID, &existingSession); {
	case scanErr == nil:
		if existingSession == link.SessionID {
			return existingID, nil
		}
		return "", saga.Permanent(apperrors.New(apperrors.CodeConflict,
			fmt.Sprintf("%s already exists for owner %s in %d", e.entity, link.OwnerID, link.MembershipYear)))
	case errors.Is(scanErr, sql.ErrNoRows):
		return "", saga.Retryable(fmt.Errorf("%s record not found after insert", e.entity))
	default:
		return "", scanErr
	}
}

// Exists reports whether the owner already holds this record for the year.
func (e *EntityStore) Exists(ctx context.Context, ownerID string, year int) (bool, error) {
	var exists bool
	row := e.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM membership_records
			WHERE entity_type = $1 AND owner_id = $2 AND membership_year = $3
		)`,
		string(e.entity), ownerID, year,
	)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
