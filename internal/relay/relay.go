package relay

import (
	"context"
	"errors"

	"github.com/pion/rtp"
)

var (
	// ErrSessionNotFound is returned when the ingest session does not exist.
	ErrSessionNotFound = errors.New("ingest session not found")
	// ErrAlreadyStreaming rejects renegotiation of a session with live media.
	ErrAlreadyStreaming = errors.New("ingest session already streaming")
	// ErrSessionClosed rejects offers for sessions that stopped or failed.
	ErrSessionClosed = errors.New("ingest session closed")
	// ErrNegotiationFailed wraps transport errors during offer handling.
	ErrNegotiationFailed = errors.New("ingest negotiation failed")
)

// MediaSink receives RTP packets pulled off an inbound track.
type MediaSink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// PeerEvents carries peer lifecycle notifications back to the manager.
type PeerEvents struct {
	OnConnected func()
	OnFailed    func(err error)
	OnClosed    func()
}

// PeerHandle is the manager's grip on one negotiated transport.
type PeerHandle interface {
	Close() error
}

// Negotiator turns an SDP offer into an answer and a live peer whose inbound
// media is written to the sink.
type Negotiator interface {
	Negotiate(ctx context.Context, offer string, sink MediaSink, events PeerEvents) (PeerHandle, string, error)
}

// Forwarder opens the outbound push leg toward a destination endpoint. The
// push protocol behind the endpoint is opaque to the relay.
type Forwarder interface {
	Open(ctx context.Context, ingestSessionID, destinationEndpoint string) (PushStream, error)
}

// PushStream is one open outbound media stream.
type PushStream interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}
