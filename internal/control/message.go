package control

import "time"

// MessageType labels a control message on the fan-out channel.
type MessageType string

const (
	MessageTypeLayoutUpdate  MessageType = "layout_update"
	MessageTypeSourceJoined  MessageType = "source_joined"
	MessageTypeSourceLeft    MessageType = "source_left"
	MessageTypeSessionStatus MessageType = "session_status"
)

// Message is the envelope broadcast to session participants. Delivery is best
// effort and unordered; clients reconcile against the room store when they
// need authoritative state. Origin identifies the emitting gateway instance
// so replicas can skip their own messages coming back off the shared channel.
type Message struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"sessionId"`
	Layout    *LayoutPayload   `json:"layout,omitempty"`
	Presence  *PresencePayload `json:"presence,omitempty"`
	Status    *StatusPayload   `json:"status,omitempty"`
	Origin    string           `json:"origin,omitempty"`
	EmittedAt time.Time        `json:"emittedAt"`
}

// LayoutPayload carries the outcome of a director selection. A nil
// ActiveSourceID means the program feed was cleared.
type LayoutPayload struct {
	ActiveSourceID *string `json:"activeSourceId"`
}

// PresencePayload describes a source joining or leaving a session.
type PresencePayload struct {
	SourceID string `json:"sourceId"`
	Label    string `json:"label,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// StatusPayload announces a session lifecycle change.
type StatusPayload struct {
	Status string `json:"status"`
}

// NewLayoutUpdate builds a layout_update message for a session.
func NewLayoutUpdate(sessionID string, activeSourceID *string) Message {
	return Message{
		Type:      MessageTypeLayoutUpdate,
		SessionID: sessionID,
		Layout:    &LayoutPayload{ActiveSourceID: activeSourceID},
	}
}

// NewPresence builds a source_joined or source_left message.
func NewPresence(messageType MessageType, sessionID, sourceID, label, reason string) Message {
	return Message{
		Type:      messageType,
		SessionID: sessionID,
		Presence:  &PresencePayload{SourceID: sourceID, Label: label, Reason: reason},
	}
}

// NewSessionStatus builds a session_status message.
func NewSessionStatus(sessionID, status string) Message {
	return Message{
		Type:      MessageTypeSessionStatus,
		SessionID: sessionID,
		Status:    &StatusPayload{Status: status},
	}
}
