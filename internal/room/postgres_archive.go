package room

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jason-czar/sportscast-live/internal/models"
)

// PostgresArchive persists session history to Postgres so multiple replicas
// and offline tooling can share one durable view.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive opens a Postgres-backed archive using the provided DSN.
func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres archive dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres archive config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres archive pool: %w", err)
	}
	return &PostgresArchive{pool: pool}, nil
}

// Close releases the Postgres connection pool resources.
func (a *PostgresArchive) Close(ctx context.Context) error {
	if a == nil || a.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		a.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping verifies the archive database is reachable.
func (a *PostgresArchive) Ping(ctx context.Context) error {
	if a == nil || a.pool == nil {
		return fmt.Errorf("postgres archive pool not configured")
	}
	return a.pool.Ping(ctx)
}

// RecordSession upserts the current state of a session row.
func (a *PostgresArchive) RecordSession(ctx context.Context, session models.Session) error {
	if a.pool == nil {
		return fmt.Errorf("postgres archive pool not configured")
	}
	_, err := a.pool.Exec(ctx, `
INSERT INTO production_sessions (id, title, status, active_source_id, created_at, updated_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	status = EXCLUDED.status,
	active_source_id = EXCLUDED.active_source_id,
	updated_at = EXCLUDED.updated_at,
	ended_at = EXCLUDED.ended_at
`, session.ID, session.Title, string(session.Status), session.ActiveSourceID,
		session.CreatedAt.UTC(), session.UpdatedAt.UTC(), session.EndedAt)
	return err
}

// RecordSelection appends one row of selection history. A nil sourceID
// records that the selection was cleared.
func (a *PostgresArchive) RecordSelection(ctx context.Context, sessionID string, sourceID *string, at time.Time) error {
	if a.pool == nil {
		return fmt.Errorf("postgres archive pool not configured")
	}
	_, err := a.pool.Exec(ctx, `
INSERT INTO selection_history (session_id, source_id, selected_at)
VALUES ($1, $2, $3)
`, sessionID, sourceID, at.UTC())
	return err
}

// RecordDeparture appends one row of departure history.
func (a *PostgresArchive) RecordDeparture(ctx context.Context, dep Departure) error {
	if a.pool == nil {
		return fmt.Errorf("postgres archive pool not configured")
	}
	_, err := a.pool.Exec(ctx, `
INSERT INTO departure_history (session_id, source_id, label, reason, cleared_active, departed_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, dep.SessionID, dep.Source.ID, dep.Source.Label, string(dep.Reason), dep.ClearedActive, dep.At.UTC())
	return err
}
