package voice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/domain/events"
	"github.com/qrave1/voicelink/internal/domain/models"
)

const inboxSize = 64

// session is one joined voice channel. All methods except post run on the
// controller's serialized path.
type session struct {
	channelID uuid.UUID
	self      uuid.UUID

	sub      Subscription
	registry *Registry
	media    *MediaControl
	peers    *PeerManager

	// roster is the last known presence of the channel minus self
	roster map[uuid.UUID]events.Presence
	// departed peers stay ignored until a presence join brings them back
	departed map[uuid.UUID]struct{}
	// seen holds consumed signal ids until they expire
	seen map[uuid.UUID]time.Time

	notify func(Notice)
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan Event
	closed bool

	log *slog.Logger
}

type sessionParams struct {
	channelID uuid.UUID
	self      uuid.UUID
	sub       Subscription
	local     LocalMedia
	engine    MediaEngine
	cfg       NegotiationConfig
	muted     bool
	deafened  bool
	notify    func(Notice)
	outcome   func(channelID, peerID uuid.UUID, outcome NegotiationOutcome)
	now       func() time.Time
	schedule  scheduleFunc
}

func newSession(p sessionParams) *session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		channelID: p.channelID,
		self:      p.self,
		sub:       p.sub,
		registry:  NewRegistry(),
		roster:    make(map[uuid.UUID]events.Presence),
		departed:  make(map[uuid.UUID]struct{}),
		seen:      make(map[uuid.UUID]time.Time),
		notify:    p.notify,
		now:       p.now,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan Event, inboxSize),
		log: slog.With(
			slog.String(constant.ChannelID, p.channelID.String()),
			slog.String(constant.UserID, p.self.String()),
		),
	}

	s.media = NewMediaControl(p.local, s.registry, p.muted, p.deafened)
	hooks := PeerHooks{
		Send:   s.send,
		Post:   s.post,
		Failed: s.peerFailed,
		Closed: s.peerClosed,
	}

	if p.outcome != nil {
		hooks.Outcome = func(peerID uuid.UUID, outcome NegotiationOutcome) {
			p.outcome(p.channelID, peerID, outcome)
		}
	}

	s.peers = NewPeerManager(p.self, p.engine, p.local, p.cfg, hooks)

	if p.schedule != nil {
		s.peers.schedule = p.schedule
	}

	return s
}

// post queues an internal event. It never blocks the caller, which may be a
// runtime callback goroutine.
func (s *session) post(ev Event) {
	select {
	case s.inbox <- ev:
	case <-s.ctx.Done():
	default:
		go func() {
			select {
			case s.inbox <- ev:
			case <-s.ctx.Done():
			}
		}()
	}
}

func (s *session) handle(ev Event) {
	if s.closed {
		return
	}

	switch e := ev.(type) {
	case PresenceSync:
		s.sync(e.Presences)
	case PresenceJoin:
		s.join(e.Presence)
	case PresenceLeave:
		s.leave(e.ParticipantID)
	case SignalReceived:
		s.signal(e.Message)
	case streamAdded:
		if s.peers.current(e.peerEvent) == nil || s.gone(e.peerID) {
			s.log.Debug("stale stream dropped", slog.String(constant.PeerID, e.peerID.String()))
			return
		}

		s.media.Attach(e.peerID, e.stream)
	case speakingChanged:
		if s.peers.current(e.peerEvent) == nil {
			return
		}

		speaking := e.speaking
		s.registry.Merge(e.peerID, ParticipantPatch{IsSpeaking: &speaking})
	case linkChanged:
		s.peers.handleLinkState(e)
	case localCandidate:
		s.peers.handleLocalCandidate(e)
	case retryDue:
		s.peers.handleRetry(e)
	case connectTimeout:
		s.peers.handleConnectTimeout(e)
	}
}

// sync reconciles the roster against a full member list.
func (s *session) sync(presences []events.Presence) {
	present := make(map[uuid.UUID]events.Presence, len(presences))
	for _, p := range presences {
		if p.UserID != s.self {
			present[p.UserID] = p
		}
	}

	for id := range s.roster {
		if _, ok := present[id]; !ok {
			s.leave(id)
		}
	}

	for _, p := range presences {
		if _, ok := present[p.UserID]; ok {
			s.join(p)
		}
	}
}

func (s *session) join(p events.Presence) {
	if p.UserID == s.self {
		return
	}

	s.roster[p.UserID] = p
	delete(s.departed, p.UserID)
	s.peers.Ensure(p.UserID)
}

func (s *session) leave(id uuid.UUID) {
	if id == s.self {
		return
	}

	delete(s.roster, id)
	s.departed[id] = struct{}{}
	s.peers.Remove(id)
	s.media.Detach(id, false)
}

func (s *session) gone(id uuid.UUID) bool {
	_, ok := s.departed[id]
	return ok
}

func (s *session) signal(msg models.SignalingMessage) {
	if msg.ReceiverID != s.self || msg.SenderID == s.self {
		return
	}

	now := s.now()
	if msg.Expired(now) {
		s.log.Debug("expired signal dropped", slog.String("signal_id", msg.ID.String()))
		return
	}

	if _, dup := s.seen[msg.ID]; dup {
		s.log.Debug("duplicate signal dropped", slog.String("signal_id", msg.ID.String()))
		return
	}

	s.forgetExpired(now)
	s.seen[msg.ID] = msg.ExpiresAt

	if s.gone(msg.SenderID) {
		return
	}

	signal, err := msg.DecodeSignal()
	if err != nil {
		s.log.Warn("malformed signal dropped",
			slog.String(constant.PeerID, msg.SenderID.String()),
			slog.Any(constant.Error, err),
		)
		return
	}

	s.peers.HandleSignal(msg.SenderID, signal)
}

func (s *session) forgetExpired(now time.Time) {
	for id, expiresAt := range s.seen {
		if !now.Before(expiresAt) {
			delete(s.seen, id)
		}
	}
}

func (s *session) send(peerID uuid.UUID, signal models.Signal) {
	if err := s.sub.Send(s.ctx, peerID, signal); err != nil {
		s.log.Error("send signal",
			slog.String(constant.PeerID, peerID.String()),
			slog.String(constant.Kind, string(signal.Kind)),
			slog.String(constant.Phase, "signal"),
			slog.Any(constant.Error, fmt.Errorf("%w: %w", ErrSignaling, err)),
		)
	}
}

// peerClosed drops the dead stream of a renegotiating peer. Its local mute
// carries over to the next stream.
func (s *session) peerClosed(peerID uuid.UUID) {
	s.media.Detach(peerID, true)
}

func (s *session) peerFailed(peerID uuid.UUID, err error) {
	s.media.Detach(peerID, false)
	s.notify(Notice{Kind: NoticePeerUnreachable, ChannelID: s.channelID, PeerID: peerID, Err: err})
}

// close tears the session down locally. Repeated calls do nothing.
func (s *session) close() {
	if s.closed {
		return
	}

	s.closed = true
	s.cancel()
	s.peers.Cleanup()
	s.registry.Clear()
	clear(s.roster)

	if err := s.sub.Close(); err != nil {
		s.log.Warn("close subscription", slog.Any(constant.Error, err))
	}
}
