package relay

import (
	"context"

	"github.com/pion/rtp"
)

// DiscardForwarder accepts every packet and drops it. It stands in when no
// push protocol is configured, keeping the ingest lifecycle fully usable in
// coordination-only deployments and in tests.
type DiscardForwarder struct{}

func (DiscardForwarder) Open(ctx context.Context, ingestSessionID, destinationEndpoint string) (PushStream, error) {
	return discardStream{}, nil
}

type discardStream struct{}

func (discardStream) WriteRTP(*rtp.Packet) error { return nil }

func (discardStream) Close() error { return nil }
