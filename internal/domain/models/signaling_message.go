package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pion/webrtc/v4"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal is a negotiation payload. Attempt numbers the negotiation generation
// of the offering side; answers and candidates echo the attempt they belong to.
type Signal struct {
	Kind      SignalKind               `json:"kind"`
	Attempt   int                      `json:"attempt"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func (s Signal) Validate() error {
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%s without sdp", s.Kind)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("candidate without payload")
		}
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}

	return nil
}

// SessionDescription converts an offer/answer into the pion type.
func (s Signal) SessionDescription() webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if s.Kind == SignalAnswer {
		t = webrtc.SDPTypeAnswer
	}

	return webrtc.SessionDescription{Type: t, SDP: s.SDP}
}

// SignalingMessage - строка signaling_messages.
// Topic - топик, в котором сигнал отправлен; сохраненный сигнал отдается
// получателю только при подписке на тот же топик.
type SignalingMessage struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	Topic      string         `json:"topic" db:"topic"`
	SenderID   uuid.UUID      `json:"sender_id" db:"sender_id"`
	ReceiverID uuid.UUID      `json:"receiver_id" db:"receiver_id"`
	Signal     types.JSONText `json:"signal" db:"signal"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at" db:"expires_at"`
}

func NewSignalingMessage(topic string, senderID, receiverID uuid.UUID, signal json.RawMessage, ttl time.Duration) *SignalingMessage {
	now := time.Now().UTC()

	return &SignalingMessage{
		ID:         uuid.New(),
		Topic:      topic,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Signal:     types.JSONText(signal),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

func (m *SignalingMessage) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

func (m *SignalingMessage) DecodeSignal() (Signal, error) {
	var s Signal

	if err := m.Signal.Unmarshal(&s); err != nil {
		return Signal{}, fmt.Errorf("unmarshal signal: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Signal{}, err
	}

	return s, nil
}
