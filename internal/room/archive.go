package room

import (
	"context"
	"time"

	"github.com/jason-czar/sportscast-live/internal/models"
)

// Archive is the durable relational view of session history. The in-memory
// store remains authoritative for live coordination; the archive exists for
// audit and for reconciliation after restarts.
type Archive interface {
	RecordSession(ctx context.Context, session models.Session) error
	RecordSelection(ctx context.Context, sessionID string, sourceID *string, at time.Time) error
	RecordDeparture(ctx context.Context, dep Departure) error
}

// NoopArchive discards all history, for deployments without Postgres.
type NoopArchive struct{}

func (NoopArchive) RecordSession(context.Context, models.Session) error { return nil }

func (NoopArchive) RecordSelection(context.Context, string, *string, time.Time) error { return nil }

func (NoopArchive) RecordDeparture(context.Context, Departure) error { return nil }
