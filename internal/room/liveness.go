package room

import (
	"time"

	"github.com/jason-czar/sportscast-live/internal/models"
)

// DepartureReason explains why a source stopped participating.
type DepartureReason string

const (
	DepartLeft         DepartureReason = "left"
	DepartDisconnected DepartureReason = "disconnected"
	DepartEvicted      DepartureReason = "stale_connection_evicted"
)

// Departure describes a source that left, disconnected or was evicted.
// ClearedActive is true when the departure also cleared the session's active
// selection.
type Departure struct {
	SessionID     string
	Source        models.Source
	Reason        DepartureReason
	ClearedActive bool
	At            time.Time
}

// DepartureListener receives departure events after the owning session's
// critical section has been released. Listeners must not block for long; the
// sweep that produced the event runs them inline.
type DepartureListener func(Departure)

// OnDeparture registers a listener for departure events. Registration is
// expected at wiring time, before traffic arrives.
func (s *Store) OnDeparture(listener DepartureListener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

// RecordHeartbeat refreshes the liveness deadline for a source. A heartbeat
// from a stale or disconnected source restores it to connected, but never
// restores a selection that was already cleared.
func (s *Store) RecordHeartbeat(sourceID string) (models.Source, error) {
	ss, ok := s.lookupSource(sourceID)
	if !ok {
		return models.Source{}, ErrSourceNotFound
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	src, ok := ss.sources[sourceID]
	if !ok {
		return models.Source{}, ErrSourceNotFound
	}
	src.LastHeartbeatAt = s.clock().UTC()
	src.ConnectionState = models.ConnectionConnected
	return *src, nil
}

// Sweep applies the liveness thresholds to one session: sources silent past
// staleAfter are marked stale, sources silent past evictAfter are removed.
// Evicting the active source clears the selection inside the same critical
// section so no reader ever observes a selection pointing at a missing
// source. Returned departures have already been delivered to listeners.
func (s *Store) Sweep(sessionID string, staleAfter, evictAfter time.Duration) ([]Departure, error) {
	ss, ok := s.lookupSession(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := s.clock().UTC()

	ss.mu.Lock()
	var departures []Departure
	for _, src := range ss.sources {
		idle := now.Sub(src.LastHeartbeatAt)
		switch {
		case idle >= evictAfter:
			departures = append(departures, s.removeSourceLocked(ss, src, DepartEvicted))
		case idle >= staleAfter && src.ConnectionState == models.ConnectionConnected:
			src.ConnectionState = models.ConnectionStale
		}
	}
	ss.mu.Unlock()

	if len(departures) > 0 {
		removed := make([]string, 0, len(departures))
		for _, dep := range departures {
			removed = append(removed, dep.Source.ID)
		}
		s.dropSourceIndexes(removed)
		for _, dep := range departures {
			s.finishDeparture(dep)
		}
	}
	return departures, nil
}

// SweepAll runs Sweep over every known session.
func (s *Store) SweepAll(staleAfter, evictAfter time.Duration) []Departure {
	var all []Departure
	for _, id := range s.SessionIDs() {
		departures, err := s.Sweep(id, staleAfter, evictAfter)
		if err != nil {
			continue
		}
		all = append(all, departures...)
	}
	return all
}

// removeSourceLocked deletes the source record and clears a matching active
// selection. Callers hold ss.mu.
func (s *Store) removeSourceLocked(ss *sessionState, src *models.Source, reason DepartureReason) Departure {
	now := s.clock().UTC()
	dep := Departure{
		SessionID: ss.session.ID,
		Source:    *src,
		Reason:    reason,
		At:        now,
	}
	delete(ss.sources, src.ID)
	if ss.session.ActiveSourceID != nil && *ss.session.ActiveSourceID == src.ID {
		ss.session.ActiveSourceID = nil
		ss.session.UpdatedAt = now
		dep.ClearedActive = true
	}
	return dep
}

// finishDeparture runs the post-critical-section side effects of a departure:
// the durable archive write and listener notification.
func (s *Store) finishDeparture(dep Departure) {
	s.archiveDeparture(dep)
	if dep.ClearedActive {
		s.archiveSelection(dep.SessionID, nil, dep.At)
	}
	s.mu.RLock()
	listeners := make([]DepartureListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, listener := range listeners {
		listener(dep)
	}
}
