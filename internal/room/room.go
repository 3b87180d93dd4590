package room

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jason-czar/sportscast-live/internal/models"
)

const archiveTimeout = 2 * time.Second

// Store is the authoritative in-memory coordinator for production sessions
// and their sources. Each session carries its own mutex so that mutations
// within a session are serialised while unrelated sessions proceed in
// parallel. External calls (archive writes, listener callbacks) never run
// while a session lock is held.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	sources  map[string]string // source ID -> session ID

	clock     func() time.Time
	newID     func() (string, error)
	archive   Archive
	logger    *slog.Logger
	listeners []DepartureListener
}

type sessionState struct {
	mu      sync.Mutex
	session models.Session
	sources map[string]*models.Source
}

// Option mutates store configuration.
type Option func(*Store)

// WithClock overrides the time source, used by liveness tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(generate func() (string, error)) Option {
	return func(s *Store) {
		if generate != nil {
			s.newID = generate
		}
	}
}

// WithArchive installs a durable archive for session history. Archive writes
// are best effort: failures are logged and never surfaced to callers.
func WithArchive(archive Archive) Option {
	return func(s *Store) {
		if archive != nil {
			s.archive = archive
		}
	}
}

// WithLogger attaches a logger for archive and listener diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	store := &Store{
		sessions: make(map[string]*sessionState),
		sources:  make(map[string]string),
		clock:    time.Now,
		newID:    generateID,
		archive:  NoopArchive{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// CreateSession registers a new production session in the scheduled state.
func (s *Store) CreateSession(title string) (models.Session, error) {
	id, err := s.newID()
	if err != nil {
		return models.Session{}, err
	}
	now := s.clock().UTC()
	session := models.Session{
		ID:        id,
		Title:     title,
		Status:    models.SessionScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.sessions[id] = &sessionState{
		session: session,
		sources: make(map[string]*models.Source),
	}
	s.mu.Unlock()
	s.archiveSession(session)
	return session, nil
}

// GoLive transitions a scheduled session to live.
func (s *Store) GoLive(sessionID string) (models.Session, error) {
	ss, ok := s.lookupSession(sessionID)
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	ss.mu.Lock()
	if ss.session.Status == models.SessionEnded {
		ss.mu.Unlock()
		return models.Session{}, ErrSessionEnded
	}
	ss.session.Status = models.SessionLive
	ss.session.UpdatedAt = s.clock().UTC()
	session := ss.session
	ss.mu.Unlock()
	s.archiveSession(session)
	return session, nil
}

// EndSession marks the session ended, clears any active selection and drops
// all source records. The session itself stays readable so late clients can
// learn it ended.
func (s *Store) EndSession(sessionID string) (models.Session, error) {
	ss, ok := s.lookupSession(sessionID)
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	ss.mu.Lock()
	if ss.session.Status == models.SessionEnded {
		session := ss.session
		ss.mu.Unlock()
		return session, nil
	}
	now := s.clock().UTC()
	removed := make([]string, 0, len(ss.sources))
	for id := range ss.sources {
		removed = append(removed, id)
	}
	ss.sources = make(map[string]*models.Source)
	ss.session.Status = models.SessionEnded
	ss.session.ActiveSourceID = nil
	ss.session.EndedAt = &now
	ss.session.UpdatedAt = now
	session := ss.session
	ss.mu.Unlock()

	s.dropSourceIndexes(removed)
	s.archiveSession(session)
	return session, nil
}

// GetSession returns a copy of the session record.
func (s *Store) GetSession(sessionID string) (models.Session, bool) {
	ss, ok := s.lookupSession(sessionID)
	if !ok {
		return models.Session{}, false
	}
	ss.mu.Lock()
	session := ss.session
	ss.mu.Unlock()
	return session, true
}

// SessionIDs lists the identifiers of all known sessions.
func (s *Store) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) lookupSession(sessionID string) (*sessionState, bool) {
	s.mu.RLock()
	ss, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	return ss, ok
}

func (s *Store) lookupSource(sourceID string) (*sessionState, bool) {
	s.mu.RLock()
	sessionID, ok := s.sources[sourceID]
	if !ok {
		s.mu.RUnlock()
		return nil, false
	}
	ss, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	return ss, ok
}

func (s *Store) dropSourceIndexes(sourceIDs []string) {
	if len(sourceIDs) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range sourceIDs {
		delete(s.sources, id)
	}
	s.mu.Unlock()
}

func (s *Store) archiveSession(session models.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.archive.RecordSession(ctx, session); err != nil {
		s.logger.Warn("archive session failed", "session_id", session.ID, "error", err)
	}
}

func (s *Store) archiveSelection(sessionID string, sourceID *string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.archive.RecordSelection(ctx, sessionID, sourceID, at); err != nil {
		s.logger.Warn("archive selection failed", "session_id", sessionID, "error", err)
	}
}

func (s *Store) archiveDeparture(dep Departure) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.archive.RecordDeparture(ctx, dep); err != nil {
		s.logger.Warn("archive departure failed", "session_id", dep.SessionID, "source_id", dep.Source.ID, "error", err)
	}
}
