package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// PionNegotiator answers WebRTC offers from source clients. Each negotiation
// produces a receive-only peer connection whose inbound RTP is pumped into
// the session sink.
type PionNegotiator struct {
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
}

// NewPionNegotiator constructs a negotiator with the given STUN/TURN servers.
func NewPionNegotiator(iceServers []webrtc.ICEServer, logger *slog.Logger) *PionNegotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PionNegotiator{iceServers: iceServers, logger: logger}
}

func (n *PionNegotiator) Negotiate(ctx context.Context, offer string, sink MediaSink, events PeerEvents) (PeerHandle, string, error) {
	pc, err := n.newPeerConnection()
	if err != nil {
		return nil, "", err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		n.logger.Info("track received", "mime_type", track.Codec().MimeType, "kind", track.Kind().String())
		go n.pumpTrack(track, sink, events)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if events.OnConnected != nil {
				events.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if events.OnFailed != nil {
				events.OnFailed(fmt.Errorf("peer connection failed"))
			}
		case webrtc.PeerConnectionStateClosed:
			if events.OnClosed != nil {
				events.OnClosed()
			}
		}
	})

	answer, err := n.handleOffer(pc, offer)
	if err != nil {
		pc.Close()
		return nil, "", err
	}
	return pc, answer, nil
}

func (n *PionNegotiator) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	// Keyframes are requested on an interval so the outbound push can start
	// cleanly mid-stream.
	registry := &interceptor.Registry{}
	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	registry.Add(pliFactory)

	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: n.iceServers})
}

func (n *PionNegotiator) handleOffer(pc *webrtc.PeerConnection, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	return pc.LocalDescription().SDP, nil
}

func (n *PionNegotiator) pumpTrack(track *webrtc.TrackRemote, sink MediaSink, events PeerEvents) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && events.OnFailed != nil {
				events.OnFailed(fmt.Errorf("read track: %w", err))
			}
			return
		}
		if err := sink.WriteRTP(pkt); err != nil {
			n.logger.Warn("drop inbound packet", "error", err)
		}
	}
}
