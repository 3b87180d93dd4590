package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jason-czar/sportscast-live/internal/models"
)

// PostgresTokenStore persists join token grants to a Postgres table, letting
// multiple coordination replicas honor the same tokens.
type PostgresTokenStore struct {
	pool *pgxpool.Pool
}

// NewPostgresTokenStore opens a Postgres-backed token store using the
// provided DSN.
func NewPostgresTokenStore(dsn string) (*PostgresTokenStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres token dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres token config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres token pool: %w", err)
	}
	return &PostgresTokenStore{pool: pool}, nil
}

// Close releases the Postgres connection pool resources.
func (s *PostgresTokenStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Save stores or updates the grant.
func (s *PostgresTokenStore) Save(grant Grant) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO join_tokens (token_hash, session_id, source_id, label, role, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (token_hash) DO UPDATE SET
	session_id = EXCLUDED.session_id,
	source_id = EXCLUDED.source_id,
	label = EXCLUDED.label,
	role = EXCLUDED.role,
	expires_at = EXCLUDED.expires_at
`, grant.TokenHash, grant.SessionID, grant.SourceID, grant.Label, string(grant.Role), grant.ExpiresAt.UTC())
	return err
}

// Get fetches the grant for the provided token hash.
func (s *PostgresTokenStore) Get(tokenHash string) (Grant, bool, error) {
	if s.pool == nil {
		return Grant{}, false, fmt.Errorf("postgres token pool not configured")
	}
	row := s.pool.QueryRow(context.Background(), `
SELECT session_id, source_id, label, role, expires_at
FROM join_tokens
WHERE token_hash = $1
`, tokenHash)
	grant := Grant{TokenHash: tokenHash}
	var role string
	if err := row.Scan(&grant.SessionID, &grant.SourceID, &grant.Label, &role, &grant.ExpiresAt); err != nil {
		if isNoRows(err) {
			return Grant{}, false, nil
		}
		return Grant{}, false, err
	}
	grant.Role = models.SourceRole(role)
	return grant, true, nil
}

// Delete removes the grant.
func (s *PostgresTokenStore) Delete(tokenHash string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM join_tokens WHERE token_hash = $1`, tokenHash)
	return err
}

// PurgeExpired deletes expired grants from the table.
func (s *PostgresTokenStore) PurgeExpired(now time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM join_tokens WHERE expires_at <= $1`, now.UTC())
	return err
}

// Ping verifies connectivity to the backing database.
func (s *PostgresTokenStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
