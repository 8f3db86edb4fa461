package voice

import (
	"github.com/google/uuid"
)

// MediaControl applies mute and deafen to the local capture and to the
// streams held in the registry. Remote playback is enabled only when the
// user is not deafened and has not muted that participant.
type MediaControl struct {
	local    LocalMedia
	registry *Registry
	muted    bool
	deafened bool

	// local mute of participants detached between two streams
	heldMutes map[uuid.UUID]bool
}

func NewMediaControl(local LocalMedia, registry *Registry, muted, deafened bool) *MediaControl {
	m := &MediaControl{
		local:     local,
		registry:  registry,
		deafened:  deafened,
		heldMutes: make(map[uuid.UUID]bool),
	}

	m.SetLocalMute(muted)

	return m
}

// SetLocalMute toggles the outgoing track in place. No renegotiation and no
// network message is produced.
func (m *MediaControl) SetLocalMute(muted bool) {
	m.muted = muted
	setTracksEnabled(m.local, !muted)
}

func (m *MediaControl) SetLocalDeafen(deafened bool) {
	m.deafened = deafened
	m.registry.each(m.apply)
}

func (m *MediaControl) Muted() bool {
	return m.muted
}

func (m *MediaControl) Deafened() bool {
	return m.deafened
}

// Attach silences the stream according to the current deafen state and only
// then registers it, so a new stream is never audible while deafened.
func (m *MediaControl) Attach(peerID uuid.UUID, stream MediaStream) Participant {
	muted := m.heldMutes[peerID]
	delete(m.heldMutes, peerID)

	if p, ok := m.registry.Get(peerID); ok {
		muted = p.LocalMuteApplied
	}

	setTracksEnabled(stream, !(m.deafened || muted))

	p := m.registry.Add(peerID, stream)
	p.LocalMuteApplied = muted
	p.LocalDeafenApplied = m.deafened

	return *p
}

// Detach unregisters the participant. With keepMute its local mute is applied
// again when the participant's next stream attaches.
func (m *MediaControl) Detach(peerID uuid.UUID, keepMute bool) {
	delete(m.heldMutes, peerID)

	p, ok := m.registry.Get(peerID)
	if !ok {
		return
	}

	m.registry.Remove(peerID)

	if keepMute {
		m.heldMutes[peerID] = p.LocalMuteApplied
	}
}

// SetParticipantMuted silences a single participant locally.
func (m *MediaControl) SetParticipantMuted(peerID uuid.UUID, muted bool) bool {
	if !m.registry.Merge(peerID, ParticipantPatch{LocalMuteApplied: &muted}) {
		if _, held := m.heldMutes[peerID]; !held {
			return false
		}

		m.heldMutes[peerID] = muted

		return true
	}

	m.registry.each(func(p *Participant) {
		if p.ID == peerID {
			m.apply(p)
		}
	})

	return true
}

func (m *MediaControl) apply(p *Participant) {
	p.LocalDeafenApplied = m.deafened
	setTracksEnabled(p.Stream, !(m.deafened || p.LocalMuteApplied))
}
