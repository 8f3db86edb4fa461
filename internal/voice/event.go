package voice

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/voicelink/internal/domain/events"
	"github.com/qrave1/voicelink/internal/domain/models"
)

// Event is an item of a session's event stream: presence and signaling
// events from the subscription plus runtime callbacks and timers.
type Event interface {
	isEvent()
}

// PresenceSync is the full member list of the topic, self included.
type PresenceSync struct {
	Presences []events.Presence
}

type PresenceJoin struct {
	Presence events.Presence
}

type PresenceLeave struct {
	ParticipantID uuid.UUID
}

type SignalReceived struct {
	Message models.SignalingMessage
}

func (PresenceSync) isEvent()   {}
func (PresenceJoin) isEvent()   {}
func (PresenceLeave) isEvent()  {}
func (SignalReceived) isEvent() {}

// Callbacks of a peer connection carry the generation of the connection they
// came from; events of a replaced connection are stale and dropped.
type peerEvent struct {
	peerID uuid.UUID
	gen    int
}

type streamAdded struct {
	peerEvent
	stream MediaStream
}

type linkChanged struct {
	peerEvent
	state LinkState
}

type localCandidate struct {
	peerEvent
	candidate webrtc.ICECandidateInit
}

type speakingChanged struct {
	peerEvent
	speaking bool
}

type retryDue struct {
	peerEvent
}

type connectTimeout struct {
	peerEvent
}

func (streamAdded) isEvent()     {}
func (linkChanged) isEvent()     {}
func (localCandidate) isEvent()  {}
func (speakingChanged) isEvent() {}
func (retryDue) isEvent()        {}
func (connectTimeout) isEvent()  {}
