package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS oidc_sessions (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	data       JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS oidc_sessions_expires_at ON oidc_sessions (expires_at)`

const (
	kindSession = "session"
	kindPending = "pending"
)

// PostgresStore keeps sessions in a shared database so several frontends can serve one user.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to uri and creates the session table if needed.
func NewPostgresStore(ctx context.Context, uri string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("connect session database: %w", err)
	}
	// Frontends starting together can race on CREATE ... IF NOT EXISTS.
	if _, err := pool.Exec(ctx, postgresSchema); err != nil && !isUniqueViolation(err) {
		pool.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) put(ctx context.Context, id, kind string, v any, expires time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO oidc_sessions (id, kind, data, expires_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at`,
		id, kind, data, expires)
	if err != nil {
		return fmt.Errorf("save %s: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, query, id, kind string, v any) error {
	var data []byte
	err := s.pool.QueryRow(ctx, query, id, kind).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", kind, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

// SaveSession stores or replaces a session.
func (s *PostgresStore) SaveSession(ctx context.Context, sess Session) error {
	return s.put(ctx, sess.ID, kindSession, sess, sess.ExpiresAt)
}

// GetSession retrieves a live session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.get(ctx, `SELECT data FROM oidc_sessions WHERE id = $1 AND kind = $2 AND expires_at > now()`, id, kindSession, &sess)
	return sess, err
}

// DeleteSession removes a session.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM oidc_sessions WHERE id = $1 AND kind = $2`, id, kindSession); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SavePending stores a login awaiting its callback and purges expired rows,
// which otherwise accumulate from logins that never complete.
func (s *PostgresStore) SavePending(ctx context.Context, p PendingLogin) error {
	if err := s.purgeExpired(ctx); err != nil {
		return err
	}
	return s.put(ctx, p.State, kindPending, p, p.ExpiresAt)
}

func (s *PostgresStore) purgeExpired(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM oidc_sessions WHERE expires_at < now()`); err != nil {
		return fmt.Errorf("purge expired sessions: %w", err)
	}
	return nil
}

// ConsumePending retrieves and removes a pending login in one statement.
func (s *PostgresStore) ConsumePending(ctx context.Context, state string) (PendingLogin, error) {
	var p PendingLogin
	err := s.get(ctx, `DELETE FROM oidc_sessions WHERE id = $1 AND kind = $2 AND expires_at > now() RETURNING data`, state, kindPending, &p)
	return p, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// NewSessionStore picks the Postgres store when a database URI is configured.
func NewSessionStore(ctx context.Context, cfg OIDCConfig) (SessionStore, error) {
	if cfg.SessionDatabaseURI == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, cfg.SessionDatabaseURI)
}
