package room

import (
	"sort"

	"github.com/jason-czar/sportscast-live/internal/models"
)

// Join registers a source in a session. When sourceID is empty a fresh
// identifier is generated; when it names an existing source of this session
// the call is idempotent and simply restores the connection. A source ID that
// is still registered in a different session is rejected: one source ID maps
// to one session. Rejoining after an eviction creates a fresh record: any
// prior selection is not restored.
func (s *Store) Join(sessionID, sourceID, label string, role models.SourceRole) (models.Source, error) {
	ss, ok := s.lookupSession(sessionID)
	if !ok {
		return models.Source{}, ErrSessionNotFound
	}
	if sourceID == "" {
		generated, err := s.newID()
		if err != nil {
			return models.Source{}, err
		}
		sourceID = generated
	}
	now := s.clock().UTC()

	// Claim the ID in the global index up front so two sessions cannot hold
	// the same source at once.
	s.mu.Lock()
	owner, indexed := s.sources[sourceID]
	if indexed && owner != sessionID {
		s.mu.Unlock()
		return models.Source{}, ErrSourceInOtherSession
	}
	s.sources[sourceID] = sessionID
	s.mu.Unlock()

	ss.mu.Lock()
	if ss.session.Status == models.SessionEnded {
		ss.mu.Unlock()
		if !indexed {
			s.dropSourceIndexes([]string{sourceID})
		}
		return models.Source{}, ErrSessionNotJoinable
	}
	if existing, ok := ss.sources[sourceID]; ok {
		existing.ConnectionState = models.ConnectionConnected
		existing.LastHeartbeatAt = now
		if label != "" {
			existing.Label = label
		}
		source := *existing
		ss.mu.Unlock()
		return source, nil
	}
	source := models.Source{
		ID:              sourceID,
		SessionID:       sessionID,
		Label:           label,
		Role:            role,
		ConnectionState: models.ConnectionConnected,
		JoinedAt:        now,
		LastHeartbeatAt: now,
	}
	ss.sources[sourceID] = &source
	ss.mu.Unlock()
	return source, nil
}

// Leave removes a source from its session. Leaving twice, or leaving with an
// unknown source, is a no-op. When the departing source was the active
// selection the selection is cleared in the same critical section.
func (s *Store) Leave(sessionID, sourceID string) (Departure, bool) {
	ss, ok := s.lookupSession(sessionID)
	if !ok {
		return Departure{}, false
	}
	ss.mu.Lock()
	src, ok := ss.sources[sourceID]
	if !ok {
		ss.mu.Unlock()
		return Departure{}, false
	}
	dep := s.removeSourceLocked(ss, src, DepartLeft)
	ss.mu.Unlock()

	s.dropSourceIndexes([]string{sourceID})
	s.finishDeparture(dep)
	return dep, true
}

// Disconnect marks a source's connection as cleanly closed. The record stays
// in the session so a later heartbeat or rejoin can revive it, but it no
// longer satisfies the active-selection invariant, so a matching selection is
// cleared immediately.
func (s *Store) Disconnect(sourceID string) (Departure, error) {
	ss, ok := s.lookupSource(sourceID)
	if !ok {
		return Departure{}, ErrSourceNotFound
	}
	ss.mu.Lock()
	src, ok := ss.sources[sourceID]
	if !ok {
		ss.mu.Unlock()
		return Departure{}, ErrSourceNotFound
	}
	now := s.clock().UTC()
	src.ConnectionState = models.ConnectionDisconnected
	src.HasMediaTrack = false
	dep := Departure{
		SessionID: ss.session.ID,
		Source:    *src,
		Reason:    DepartDisconnected,
		At:        now,
	}
	if ss.session.ActiveSourceID != nil && *ss.session.ActiveSourceID == sourceID {
		ss.session.ActiveSourceID = nil
		ss.session.UpdatedAt = now
		dep.ClearedActive = true
	}
	ss.mu.Unlock()

	s.finishDeparture(dep)
	return dep, nil
}

// ListConnected returns the connected sources of a session ordered by join
// time, oldest first.
func (s *Store) ListConnected(sessionID string) ([]models.Source, error) {
	ss, ok := s.lookupSession(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	ss.mu.Lock()
	connected := make([]models.Source, 0, len(ss.sources))
	for _, src := range ss.sources {
		if src.ConnectionState == models.ConnectionConnected {
			connected = append(connected, *src)
		}
	}
	ss.mu.Unlock()
	sort.Slice(connected, func(i, j int) bool {
		if connected[i].JoinedAt.Equal(connected[j].JoinedAt) {
			return connected[i].ID < connected[j].ID
		}
		return connected[i].JoinedAt.Before(connected[j].JoinedAt)
	})
	return connected, nil
}

// Snapshot returns the session plus all of its sources, for durable reads by
// late-joining clients.
func (s *Store) Snapshot(sessionID string) (models.Session, []models.Source, bool) {
	ss, ok := s.lookupSession(sessionID)
	if !ok {
		return models.Session{}, nil, false
	}
	ss.mu.Lock()
	session := ss.session
	sources := make([]models.Source, 0, len(ss.sources))
	for _, src := range ss.sources {
		sources = append(sources, *src)
	}
	ss.mu.Unlock()
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].JoinedAt.Equal(sources[j].JoinedAt) {
			return sources[i].ID < sources[j].ID
		}
		return sources[i].JoinedAt.Before(sources[j].JoinedAt)
	})
	return session, sources, true
}

// GetSource resolves a source by identifier alone.
func (s *Store) GetSource(sourceID string) (models.Source, bool) {
	ss, ok := s.lookupSource(sourceID)
	if !ok {
		return models.Source{}, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	src, ok := ss.sources[sourceID]
	if !ok {
		return models.Source{}, false
	}
	return *src, true
}

// SetActive commits a new active selection. The named source must exist in
// the session and be connected; otherwise ErrSourceNotAvailable is returned
// and the previous selection is untouched. The check and the write happen in
// one critical section so a concurrent departure cannot interleave.
func (s *Store) SetActive(sessionID, sourceID string) (models.Session, error) {
	ss, ok := s.lookupSession(sessionID)
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	ss.mu.Lock()
	if ss.session.Status == models.SessionEnded {
		ss.mu.Unlock()
		return models.Session{}, ErrSessionEnded
	}
	src, ok := ss.sources[sourceID]
	if !ok || src.ConnectionState != models.ConnectionConnected {
		ss.mu.Unlock()
		return models.Session{}, ErrSourceNotAvailable
	}
	now := s.clock().UTC()
	active := sourceID
	ss.session.ActiveSourceID = &active
	ss.session.UpdatedAt = now
	session := ss.session
	ss.mu.Unlock()

	s.archiveSelection(sessionID, &active, now)
	return session, nil
}

// ClearActive drops the active selection if one is set.
func (s *Store) ClearActive(sessionID string) (models.Session, error) {
	ss, ok := s.lookupSession(sessionID)
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	ss.mu.Lock()
	now := s.clock().UTC()
	cleared := ss.session.ActiveSourceID != nil
	ss.session.ActiveSourceID = nil
	if cleared {
		ss.session.UpdatedAt = now
	}
	session := ss.session
	ss.mu.Unlock()

	if cleared {
		s.archiveSelection(sessionID, nil, now)
	}
	return session, nil
}

// SetMediaTrack records whether a live media track is flowing for the source.
func (s *Store) SetMediaTrack(sourceID string, published bool) error {
	ss, ok := s.lookupSource(sourceID)
	if !ok {
		return ErrSourceNotFound
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	src, ok := ss.sources[sourceID]
	if !ok {
		return ErrSourceNotFound
	}
	src.HasMediaTrack = published
	return nil
}
