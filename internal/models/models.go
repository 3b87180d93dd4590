package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionStatus tracks a production session through its lifecycle.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionLive      SessionStatus = "live"
	SessionEnded     SessionStatus = "ended"
)

// SourceRole identifies what a participant is allowed to do inside a session.
type SourceRole string

const (
	RoleDirector SourceRole = "director"
	RoleCamera   SourceRole = "camera"
	RoleObserver SourceRole = "observer"
)

// ParseSourceRole normalises a role string supplied by a client.
func ParseSourceRole(value string) (SourceRole, error) {
	switch SourceRole(strings.ToLower(strings.TrimSpace(value))) {
	case RoleDirector:
		return RoleDirector, nil
	case RoleCamera, "":
		return RoleCamera, nil
	case RoleObserver:
		return RoleObserver, nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

// ConnectionState captures the liveness of a joined source.
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionStale        ConnectionState = "stale"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// Session is a single live production. ActiveSourceID, when set, always names
// a source whose connection state is connected; the room store enforces that
// invariant on every mutation.
type Session struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Status         SessionStatus `json:"status"`
	ActiveSourceID *string       `json:"activeSourceId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
}

// Source is a participant feed inside a session: a camera operator, the
// director console, or a passive observer.
type Source struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId"`
	Label           string          `json:"label"`
	Role            SourceRole      `json:"role"`
	ConnectionState ConnectionState `json:"connectionState"`
	HasMediaTrack   bool            `json:"hasMediaTrack"`
	JoinedAt        time.Time       `json:"joinedAt"`
	LastHeartbeatAt time.Time       `json:"lastHeartbeatAt"`
}

// IsDirector reports whether the source may drive selection.
func (s Source) IsDirector() bool {
	return s.Role == RoleDirector
}

// Connected reports whether the source currently counts as live for
// selection purposes. Stale sources are still present but not selectable.
func (s Source) Connected() bool {
	return s.ConnectionState == ConnectionConnected
}

// BridgeState tracks the broadcast bridge for one session. A session with no
// bridge record is implicitly absent.
type BridgeState string

const (
	BridgeStarting BridgeState = "starting"
	BridgeActive   BridgeState = "active"
	BridgeUpdating BridgeState = "updating"
	BridgeStopping BridgeState = "stopping"
	BridgeFailed   BridgeState = "failed"
)

// BridgeSession mirrors the externally running broadcast mix for a session.
// ActiveLayoutSourceID is the last layout the mixer acknowledged, which can
// lag behind Session.ActiveSourceID while an update is in flight.
type BridgeSession struct {
	SessionID            string      `json:"sessionId"`
	State                BridgeState `json:"state"`
	Destinations         []string    `json:"destinations"`
	ActiveLayoutSourceID *string     `json:"activeLayoutSourceId,omitempty"`
	StartedAt            time.Time   `json:"startedAt"`
	UpdatedAt            time.Time   `json:"updatedAt"`
	LastError            string      `json:"lastError,omitempty"`
}

// IngestState tracks a media ingest negotiation for one source.
type IngestState string

const (
	IngestCreated     IngestState = "created"
	IngestNegotiating IngestState = "negotiating"
	IngestStreaming   IngestState = "streaming"
	IngestStopped     IngestState = "stopped"
	IngestFailed      IngestState = "failed"
)

// IngestSession records one WebRTC ingest leg from a source into the relay.
type IngestSession struct {
	ID                  string      `json:"id"`
	SourceID            string      `json:"sourceId"`
	DestinationEndpoint string      `json:"destinationEndpoint"`
	State               IngestState `json:"state"`
	CreatedAt           time.Time   `json:"createdAt"`
	StreamingAt         *time.Time  `json:"streamingAt,omitempty"`
	StoppedAt           *time.Time  `json:"stoppedAt,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
}
