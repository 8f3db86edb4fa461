package voice

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// AudioTrack is a media track that can be silenced in place without
// renegotiating the connection that carries it.
type AudioTrack interface {
	ID() string
	Enabled() bool
	SetEnabled(enabled bool)
}

type MediaStream interface {
	ID() string
	AudioTracks() []AudioTrack
}

// LocalMedia is the captured outgoing stream. Stop releases the capture.
type LocalMedia interface {
	MediaStream
	Stop()
}

// LinkState is the connectivity of a transport as reported by the runtime.
type LinkState uint8

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerHandlers are invoked by the runtime from its own goroutines.
type PeerHandlers struct {
	OnICECandidate func(webrtc.ICECandidateInit)
	OnStream       func(MediaStream)
	OnLinkState    func(LinkState)
	OnSpeaking     func(speaking bool)
}

type PeerConnection interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
}

// MediaEngine establishes bidirectional audio between two endpoints.
type MediaEngine interface {
	CaptureLocal(ctx context.Context) (LocalMedia, error)
	NewPeerConnection(peerID uuid.UUID, local LocalMedia, handlers PeerHandlers) (PeerConnection, error)
}

func setTracksEnabled(stream MediaStream, enabled bool) {
	if stream == nil {
		return
	}

	for _, track := range stream.AudioTracks() {
		track.SetEnabled(enabled)
	}
}
