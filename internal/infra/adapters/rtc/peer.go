package rtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/voice"
)

type peer struct {
	id        uuid.UUID
	pc        *webrtc.PeerConnection
	handlers  voice.PeerHandlers
	recordDir string

	closeOnce sync.Once

	log *slog.Logger
}

var _ voice.PeerConnection = (*peer)(nil)

func (p *peer) bind() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil - сбор кандидатов завершен
		if c == nil || p.handlers.OnICECandidate == nil {
			return
		}

		p.handlers.OnICECandidate(c.ToJSON())
	})

	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state changed", slog.String(constant.State, s.String()))

		if p.handlers.OnLinkState != nil {
			p.handlers.OnLinkState(linkState(s))
		}
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}

		r, err := newRemoteStream(p.id, track, receiver, p.recordDir)
		if err != nil {
			p.log.Error("prepare remote stream", slog.Any(constant.Error, err))
			return
		}

		if p.handlers.OnStream != nil {
			p.handlers.OnStream(r)
		}

		// чтение завершится, когда pc закроется
		go r.consume(p.handlers.OnSpeaking)
	})
}

func (p *peer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}

	if err = p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}

	return offer, nil
}

func (p *peer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}

	if err = p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}

	return answer, nil
}

func (p *peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	return nil
}

func (p *peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}

	return nil
}

func (p *peer) Close() error {
	var err error

	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})

	if err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}

	return nil
}

func linkState(s webrtc.PeerConnectionState) voice.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return voice.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return voice.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return voice.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return voice.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return voice.LinkClosed
	default:
		return voice.LinkNew
	}
}
