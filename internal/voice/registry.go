package voice

import (
	"sort"

	"github.com/google/uuid"
)

// Participant is the local view of one remote participant.
type Participant struct {
	ID                 uuid.UUID
	Stream             MediaStream
	IsSpeaking         bool
	LocalMuteApplied   bool
	LocalDeafenApplied bool

	seq uint64
}

// ParticipantPatch carries the fields to overwrite; nil fields are kept.
type ParticipantPatch struct {
	Stream             MediaStream
	IsSpeaking         *bool
	LocalMuteApplied   *bool
	LocalDeafenApplied *bool
}

// Registry holds the participants with attached media, keyed by id.
// It is not safe for concurrent use; the controller serializes access.
type Registry struct {
	entries map[uuid.UUID]*Participant
	seq     uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[uuid.UUID]*Participant)}
}

// Add inserts the participant or, if it is already present, attaches the
// stream to the existing entry keeping the rest of its state.
func (r *Registry) Add(id uuid.UUID, stream MediaStream) *Participant {
	if p, ok := r.entries[id]; ok {
		if stream != nil {
			p.Stream = stream
		}

		return p
	}

	r.seq++
	p := &Participant{ID: id, Stream: stream, seq: r.seq}
	r.entries[id] = p

	return p
}

// Merge applies patch to an existing entry. Unknown ids are ignored.
func (r *Registry) Merge(id uuid.UUID, patch ParticipantPatch) bool {
	p, ok := r.entries[id]
	if !ok {
		return false
	}

	if patch.Stream != nil {
		p.Stream = patch.Stream
	}
	if patch.IsSpeaking != nil {
		p.IsSpeaking = *patch.IsSpeaking
	}
	if patch.LocalMuteApplied != nil {
		p.LocalMuteApplied = *patch.LocalMuteApplied
	}
	if patch.LocalDeafenApplied != nil {
		p.LocalDeafenApplied = *patch.LocalDeafenApplied
	}

	return true
}

func (r *Registry) Remove(id uuid.UUID) bool {
	if _, ok := r.entries[id]; !ok {
		return false
	}

	delete(r.entries, id)

	return true
}

func (r *Registry) Get(id uuid.UUID) (Participant, bool) {
	p, ok := r.entries[id]
	if !ok {
		return Participant{}, false
	}

	return *p, true
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// Snapshot returns copies of all entries in the order they were first added.
func (r *Registry) Snapshot() []Participant {
	out := make([]Participant, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, *p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })

	return out
}

func (r *Registry) Clear() {
	clear(r.entries)
}

func (r *Registry) each(fn func(p *Participant)) {
	for _, p := range r.entries {
		fn(p)
	}
}
