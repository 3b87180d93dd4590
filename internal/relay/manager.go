package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/jason-czar/sportscast-live/internal/models"
	"github.com/jason-czar/sportscast-live/internal/observability/metrics"
)

const pushOpenTimeout = 8 * time.Second

// PublishListener is notified when a source's media goes live or stops, so
// the room store can keep hasMediaTrack in step with the relay.
type PublishListener func(sourceID string, published bool)

// Manager owns every ingest session: the negotiated inbound peer and the
// outbound push stream toward the destination endpoint. It knows nothing
// about camera selection; sources drive it directly.
type Manager struct {
	negotiator Negotiator
	forwarder  Forwarder
	logger     *slog.Logger
	clock      func() time.Time
	newID      func() string
	onPublish  PublishListener

	mu       sync.Mutex
	sessions map[string]*ingestSession
}

type ingestSession struct {
	record models.IngestSession
	peer   PeerHandle
	push   PushStream

	// generation counts negotiations; callbacks carry the generation of the
	// peer that produced them so events from a replaced peer are ignored.
	generation uint64
}

// Option mutates manager configuration.
type Option func(*Manager)

// WithLogger attaches a logger for relay diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithIDGenerator overrides ingest session ID generation, used by tests.
func WithIDGenerator(generator func() string) Option {
	return func(m *Manager) {
		if generator != nil {
			m.newID = generator
		}
	}
}

// WithForwarder installs the outbound push implementation.
func WithForwarder(forwarder Forwarder) Option {
	return func(m *Manager) {
		if forwarder != nil {
			m.forwarder = forwarder
		}
	}
}

// WithPublishListener registers the track publish/unpublish callback.
func WithPublishListener(listener PublishListener) Option {
	return func(m *Manager) {
		m.onPublish = listener
	}
}

// NewManager constructs a relay manager around the provided negotiator.
func NewManager(negotiator Negotiator, opts ...Option) *Manager {
	manager := &Manager{
		negotiator: negotiator,
		forwarder:  DiscardForwarder{},
		logger:     slog.Default(),
		clock:      time.Now,
		newID:      uuid.NewString,
		sessions:   make(map[string]*ingestSession),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager
}

// Create registers a new ingest session for a source.
func (m *Manager) Create(sourceID, destinationEndpoint string) (models.IngestSession, error) {
	if sourceID == "" {
		return models.IngestSession{}, fmt.Errorf("sourceID is required")
	}
	if destinationEndpoint == "" {
		return models.IngestSession{}, fmt.Errorf("destinationEndpoint is required")
	}
	record := models.IngestSession{
		ID:                  m.newID(),
		SourceID:            sourceID,
		DestinationEndpoint: destinationEndpoint,
		State:               models.IngestCreated,
		CreatedAt:           m.clock().UTC(),
	}
	m.mu.Lock()
	m.sessions[record.ID] = &ingestSession{record: record}
	m.mu.Unlock()
	m.logger.Info("ingest session created", "ingest_session_id", record.ID, "source_id", sourceID)
	return record, nil
}

// Get returns a copy of the ingest session record.
func (m *Manager) Get(ingestSessionID string) (models.IngestSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.sessions[ingestSessionID]
	if !ok {
		return models.IngestSession{}, false
	}
	return is.record, true
}

// Negotiate accepts an SDP offer and returns the answer. Offers are only
// accepted while the session is created or negotiating; a session with live
// media rejects renegotiation, and stopped or failed sessions only accept
// Stop. The transport handshake runs without the manager lock held.
func (m *Manager) Negotiate(ctx context.Context, ingestSessionID, offer string) (string, error) {
	if offer == "" {
		return "", fmt.Errorf("offer is required")
	}

	m.mu.Lock()
	is, ok := m.sessions[ingestSessionID]
	if !ok {
		m.mu.Unlock()
		return "", ErrSessionNotFound
	}
	switch is.record.State {
	case models.IngestCreated, models.IngestNegotiating:
	case models.IngestStreaming:
		m.mu.Unlock()
		return "", ErrAlreadyStreaming
	default:
		m.mu.Unlock()
		return "", ErrSessionClosed
	}
	is.record.State = models.IngestNegotiating
	is.generation++
	gen := is.generation
	previous := is.peer
	is.peer = nil
	m.mu.Unlock()

	// Closing the old peer fires its OnClosed, but that callback carries the
	// previous generation and is discarded.
	if previous != nil {
		previous.Close()
	}

	events := PeerEvents{
		OnConnected: func() { m.handleConnected(ingestSessionID, gen) },
		OnFailed:    func(err error) { m.fail(ingestSessionID, gen, err) },
		OnClosed:    func() { m.fail(ingestSessionID, gen, fmt.Errorf("transport closed")) },
	}
	peer, answer, err := m.negotiator.Negotiate(ctx, offer, m.sink(ingestSessionID), events)
	if err != nil {
		m.fail(ingestSessionID, gen, err)
		return "", fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	m.mu.Lock()
	is, ok = m.sessions[ingestSessionID]
	if !ok || is.generation != gen || is.record.State != models.IngestNegotiating {
		m.mu.Unlock()
		peer.Close()
		return "", ErrSessionClosed
	}
	is.peer = peer
	m.mu.Unlock()
	return answer, nil
}

// Stop releases the session's transport and push resources. Stopping an
// already-stopped session is a no-op; the record is kept so late callbacks
// and repeated stops stay harmless.
func (m *Manager) Stop(ingestSessionID string) error {
	m.mu.Lock()
	is, ok := m.sessions[ingestSessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if is.record.State == models.IngestStopped {
		m.mu.Unlock()
		return nil
	}
	wasStreaming := is.record.State == models.IngestStreaming
	now := m.clock().UTC()
	is.record.State = models.IngestStopped
	is.record.StoppedAt = &now
	peer, push := is.peer, is.push
	is.peer, is.push = nil, nil
	sourceID := is.record.SourceID
	m.mu.Unlock()

	m.release(ingestSessionID, sourceID, peer, push, wasStreaming)
	m.logger.Info("ingest session stopped", "ingest_session_id", ingestSessionID)
	return nil
}

// StopBySource stops every ingest session owned by the source, used when the
// source leaves or is evicted.
func (m *Manager) StopBySource(sourceID string) {
	m.mu.Lock()
	ids := make([]string, 0, 1)
	for id, is := range m.sessions {
		if is.record.SourceID == sourceID && is.record.State != models.IngestStopped {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			m.logger.Warn("stop ingest for departed source", "ingest_session_id", id, "error", err)
		}
	}
}

func (m *Manager) handleConnected(ingestSessionID string, gen uint64) {
	m.mu.Lock()
	is, ok := m.sessions[ingestSessionID]
	if !ok || is.generation != gen || is.record.State != models.IngestNegotiating {
		m.mu.Unlock()
		return
	}
	now := m.clock().UTC()
	is.record.State = models.IngestStreaming
	is.record.StreamingAt = &now
	is.record.LastError = ""
	sourceID := is.record.SourceID
	destination := is.record.DestinationEndpoint
	m.mu.Unlock()

	metrics.Default().RelaySessionStarted()
	if m.onPublish != nil {
		m.onPublish(sourceID, true)
	}
	m.logger.Info("ingest session streaming", "ingest_session_id", ingestSessionID, "source_id", sourceID)

	ctx, cancel := context.WithTimeout(context.Background(), pushOpenTimeout)
	push, err := m.forwarder.Open(ctx, ingestSessionID, destination)
	cancel()
	if err != nil {
		m.fail(ingestSessionID, gen, fmt.Errorf("open push stream: %w", err))
		return
	}

	m.mu.Lock()
	is, ok = m.sessions[ingestSessionID]
	if !ok || is.generation != gen || is.record.State != models.IngestStreaming {
		m.mu.Unlock()
		push.Close()
		return
	}
	is.push = push
	m.mu.Unlock()
}

// fail moves the session to failed and releases its resources. Events from a
// peer that a later renegotiation replaced arrive with a stale generation and
// are dropped.
func (m *Manager) fail(ingestSessionID string, gen uint64, cause error) {
	m.mu.Lock()
	is, ok := m.sessions[ingestSessionID]
	if !ok || is.generation != gen || is.record.State == models.IngestStopped || is.record.State == models.IngestFailed {
		m.mu.Unlock()
		return
	}
	wasStreaming := is.record.State == models.IngestStreaming
	is.record.State = models.IngestFailed
	if cause != nil {
		is.record.LastError = cause.Error()
	}
	peer, push := is.peer, is.push
	is.peer, is.push = nil, nil
	sourceID := is.record.SourceID
	m.mu.Unlock()

	m.release(ingestSessionID, sourceID, peer, push, wasStreaming)
	m.logger.Error("ingest session failed", "ingest_session_id", ingestSessionID, "error", cause)
}

func (m *Manager) release(ingestSessionID, sourceID string, peer PeerHandle, push PushStream, wasStreaming bool) {
	if peer != nil {
		peer.Close()
	}
	if push != nil {
		push.Close()
	}
	if wasStreaming {
		metrics.Default().RelaySessionEnded()
		if m.onPublish != nil {
			m.onPublish(sourceID, false)
		}
	}
}

// sink builds the per-session packet sink handed to the negotiator. Packets
// arriving before the push leg opens, or after it closed, are dropped.
func (m *Manager) sink(ingestSessionID string) MediaSink {
	return sinkFunc(func(pkt *rtp.Packet) error {
		m.mu.Lock()
		is, ok := m.sessions[ingestSessionID]
		var push PushStream
		if ok {
			push = is.push
		}
		m.mu.Unlock()
		if push == nil {
			return nil
		}
		return push.WriteRTP(pkt)
	})
}

type sinkFunc func(pkt *rtp.Packet) error

func (f sinkFunc) WriteRTP(pkt *rtp.Packet) error { return f(pkt) }
