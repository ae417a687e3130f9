package regdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"memberhub/internal/registration/session"
)

// PostgresSessionStore persists registration sessions in Postgres. The
// session document is stored as JSONB next to the columns used for lookup,
// optimistic locking and purging.
type PostgresSessionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresSessionStore constructs a session store backed by Postgres.
func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db, now: time.Now}
}

// NewPostgresSessionStoreWithSchema initializes the schema then returns the store.
func NewPostgresSessionStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresSessionStore, error) {
	store := NewPostgresSessionStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// WithClock overrides the clock used to hide purgeable rows.
func (s *PostgresSessionStore) WithClock(now func() time.Time) *PostgresSessionStore {
	s.now = now
	return s
}

// InitSchema creates the registration_sessions table if it does not exist.
func (s *PostgresSessionStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS registration_sessions (
			session_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			membership_year INTEGER NOT NULL,
			status TEXT NOT NULL,
			version BIGINT NOT NULL,
			document JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			purge_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS registration_sessions_owner_idx
			ON registration_sessions (owner_id, membership_year)`,
		`CREATE INDEX IF NOT EXISTS registration_sessions_purge_idx
			ON registration_sessions (purge_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Get loads a session. Rows past their purge time are treated as missing.
func (s *PostgresSessionStore) Get(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document, version
		FROM registration_sessions
		WHERE session_id = $1 AND purge_at > $2`,
		id, s.now().UTC(),
	)

	var (
		raw     []byte
		version int64
	)
	if err := row.Scan(&raw, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, err
	}
	sess, err := session.Unmarshal(raw)
	if err != nil {
		return session.Session{}, err
	}
	sess.Version = version
	return sess, nil
}

// Save inserts a new session (Version 0) or updates one whose stored version
// still matches.
func (s *PostgresSessionStore) Save(ctx context.Context, sess session.Session, ttl time.Duration) (session.Session, error) {
	expected := sess.Version
	next := sess
	next.Version = expected + 1
	raw, err := session.Marshal(next)
	if err != nil {
		return session.Session{}, err
	}
	purgeAt := s.now().UTC().Add(ttl)

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO registration_sessions
				(session_id, owner_id, organization_id, membership_year, status, version, document, expires_at, purge_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (session_id) DO NOTHING`,
			next.ID, next.OwnerID, next.OrganizationID, next.MembershipYear, string(next.Status),
			next.Version, raw, next.ExpiresAt.UTC(), purgeAt,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE registration_sessions
			SET status = $2, version = $3, document = $4, expires_at = $5, purge_at = $6, updated_at = NOW()
			WHERE session_id = $1 AND version = $7`,
			next.ID, string(next.Status), next.Version, raw, next.ExpiresAt.UTC(), purgeAt, expected,
		)
	}
	if err != nil {
		return session.Session{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return session.Session{}, err
	}
	if affected == 0 {
		return session.Session{}, session.ErrVersionConflict
	}
	return next, nil
}

// Delete removes a session.
func (s *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM registration_sessions WHERE session_id = $1`, id)
	return err
}

// PurgeExpired deletes every session past its purge time and reports how
// many were removed.
func (s *PostgresSessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registration_sessions WHERE purge_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
