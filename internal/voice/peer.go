package voice

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/domain/models"
)

const maxPendingCandidates = 128

// NegotiationOutcome is reported once per finished attempt.
type NegotiationOutcome string

const (
	OutcomeConnected NegotiationOutcome = "connected"
	OutcomeRetry     NegotiationOutcome = "retry"
	OutcomeFailed    NegotiationOutcome = "failed"
)

// NegotiationConfig bounds the renegotiation of a single peer link.
type NegotiationConfig struct {
	// Retries is how many renegotiations follow the first failed attempt
	// before the link is declared failed.
	Retries        int
	ConnectTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultNegotiationConfig() NegotiationConfig {
	return NegotiationConfig{
		Retries:        3,
		ConnectTimeout: 15 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (c NegotiationConfig) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(max(c.Retries, 0)))
}

// scheduleFunc runs fn after d and returns a function that cancels it.
type scheduleFunc func(d time.Duration, fn func()) (stop func() bool)

func afterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// PeerHooks connect the manager to its session. Closed reports a live
// attempt closed for renegotiation; its media is gone until the next attempt
// delivers a stream.
type PeerHooks struct {
	Send   func(peerID uuid.UUID, signal models.Signal)
	Post   func(Event)
	Failed func(peerID uuid.UUID, err error)
	Closed func(peerID uuid.UUID)

	// Outcome is optional
	Outcome func(peerID uuid.UUID, outcome NegotiationOutcome)
}

type negotiation struct {
	conn      PeerConnection
	state     NegotiationState
	gen       int
	remoteSet bool
}

type pendingCandidate struct {
	attempt   int
	candidate webrtc.ICECandidateInit
}

type peerLink struct {
	id        uuid.UUID
	initiator bool

	neg  *negotiation
	gen  int
	wire int

	pending  []pendingCandidate
	failures int
	failed   bool
	backoff  backoff.BackOff
	stop     func() bool
}

// PeerManager keeps one peer connection per remote participant and drives
// its offer/answer handshake. It is not safe for concurrent use; runtime
// callbacks reach it as events through PeerHooks.Post.
type PeerManager struct {
	self     uuid.UUID
	engine   MediaEngine
	local    LocalMedia
	cfg      NegotiationConfig
	hooks    PeerHooks
	schedule scheduleFunc

	links    map[uuid.UUID]*peerLink
	released bool

	log *slog.Logger
}

func NewPeerManager(self uuid.UUID, engine MediaEngine, local LocalMedia, cfg NegotiationConfig, hooks PeerHooks) *PeerManager {
	return &PeerManager{
		self:     self,
		engine:   engine,
		local:    local,
		cfg:      cfg,
		hooks:    hooks,
		schedule: afterFunc,
		links:    make(map[uuid.UUID]*peerLink),
		log:      slog.With(slog.String(constant.UserID, self.String())),
	}
}

// Initiates reports whether this side sends the offer to peerID. Exactly one
// side of every pair initiates: the one with the lower id.
func (m *PeerManager) Initiates(peerID uuid.UUID) bool {
	return bytes.Compare(m.self[:], peerID[:]) < 0
}

// Ensure opens a connection to peerID unless a live one exists. A failed link
// is replaced.
func (m *PeerManager) Ensure(peerID uuid.UUID) {
	if peerID == m.self {
		return
	}

	if link, ok := m.links[peerID]; ok && !link.failed {
		return
	}

	m.open(peerID)
}

// HandleSignal applies an inbound offer, answer or candidate. A signal from an
// unknown peer opens a connection to it.
func (m *PeerManager) HandleSignal(from uuid.UUID, signal models.Signal) {
	if from == m.self {
		return
	}

	if err := signal.Validate(); err != nil {
		m.log.Warn("invalid signal dropped",
			slog.String(constant.PeerID, from.String()),
			slog.Any(constant.Error, err),
		)
		return
	}

	link, ok := m.links[from]
	if !ok {
		link = m.open(from)
	}

	if link.failed {
		m.log.Debug("signal for failed peer dropped",
			slog.String(constant.PeerID, from.String()),
			slog.String(constant.Kind, string(signal.Kind)),
		)
		return
	}

	switch signal.Kind {
	case models.SignalOffer:
		m.handleOffer(link, signal)
	case models.SignalAnswer:
		m.handleAnswer(link, signal)
	case models.SignalCandidate:
		m.handleCandidate(link, signal)
	}
}

// Remove closes and forgets the connection to peerID.
func (m *PeerManager) Remove(peerID uuid.UUID) bool {
	link, ok := m.links[peerID]
	if !ok {
		return false
	}

	m.stopTimer(link)
	m.closeNegotiation(link, StateClosed)
	delete(m.links, peerID)

	return true
}

// Cleanup closes every connection and releases the local capture. Repeated
// calls do nothing.
func (m *PeerManager) Cleanup() {
	for id, link := range m.links {
		m.stopTimer(link)
		m.closeNegotiation(link, StateClosed)
		delete(m.links, id)
	}

	if m.released {
		return
	}

	m.released = true
	if m.local != nil {
		m.local.Stop()
	}
}

func (m *PeerManager) State(peerID uuid.UUID) (NegotiationState, bool) {
	link, ok := m.links[peerID]
	if !ok {
		return StateIdle, false
	}

	return link.state(), true
}

func (m *PeerManager) States() map[uuid.UUID]NegotiationState {
	out := make(map[uuid.UUID]NegotiationState, len(m.links))
	for id, link := range m.links {
		out[id] = link.state()
	}

	return out
}

func (l *peerLink) state() NegotiationState {
	switch {
	case l.failed:
		return StateFailed
	case l.neg == nil:
		return StateIdle
	default:
		return l.neg.state
	}
}

func (m *PeerManager) open(peerID uuid.UUID) *peerLink {
	if old, ok := m.links[peerID]; ok {
		m.stopTimer(old)
		m.closeNegotiation(old, StateClosed)
	}

	link := &peerLink{
		id:        peerID,
		initiator: m.Initiates(peerID),
		backoff:   m.cfg.newBackOff(),
	}
	m.links[peerID] = link

	m.startAttempt(link)

	return link
}

func (m *PeerManager) startAttempt(link *peerLink) {
	link.gen++
	gen := link.gen

	conn, err := m.engine.NewPeerConnection(link.id, m.local, m.handlers(peerEvent{peerID: link.id, gen: gen}))
	if err != nil {
		link.neg = nil
		m.fail(link, fmt.Errorf("create peer connection: %w", err))
		return
	}

	link.neg = &negotiation{conn: conn, state: StateIdle, gen: gen}

	if m.cfg.ConnectTimeout > 0 {
		ref := peerEvent{peerID: link.id, gen: gen}
		link.stop = m.schedule(m.cfg.ConnectTimeout, func() { m.hooks.Post(connectTimeout{ref}) })
	}

	if !link.initiator {
		return
	}

	link.wire++

	offer, err := conn.CreateOffer()
	if err != nil {
		m.fail(link, fmt.Errorf("create offer: %w", err))
		return
	}

	m.advance(link, StateOfferSent)
	m.hooks.Send(link.id, models.Signal{Kind: models.SignalOffer, Attempt: link.wire, SDP: offer.SDP})
}

func (m *PeerManager) handlers(ref peerEvent) PeerHandlers {
	return PeerHandlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) { m.hooks.Post(localCandidate{ref, c}) },
		OnStream:       func(s MediaStream) { m.hooks.Post(streamAdded{ref, s}) },
		OnLinkState:    func(s LinkState) { m.hooks.Post(linkChanged{ref, s}) },
		OnSpeaking:     func(v bool) { m.hooks.Post(speakingChanged{ref, v}) },
	}
}

func (m *PeerManager) handleOffer(link *peerLink, signal models.Signal) {
	if link.initiator {
		m.log.Warn("offer from non-initiating peer ignored",
			slog.String(constant.PeerID, link.id.String()),
			slog.Int(constant.Attempt, signal.Attempt),
		)
		return
	}

	if signal.Attempt < link.wire || (signal.Attempt == link.wire && link.neg != nil && link.neg.remoteSet) {
		m.log.Debug("stale offer dropped",
			slog.String(constant.PeerID, link.id.String()),
			slog.Int(constant.Attempt, signal.Attempt),
		)
		return
	}

	// a newer offer replaces whatever the previous attempt left behind
	if link.neg == nil || link.neg.state != StateIdle {
		m.stopTimer(link)
		m.retire(link)
		m.startAttempt(link)

		if link.failed || link.neg == nil {
			return
		}
	}

	link.wire = signal.Attempt
	neg := link.neg

	if err := neg.conn.SetRemoteDescription(signal.SessionDescription()); err != nil {
		m.fail(link, fmt.Errorf("apply offer: %w", err))
		return
	}

	neg.remoteSet = true
	m.advance(link, StateOfferReceived)
	m.flushCandidates(link)

	answer, err := neg.conn.CreateAnswer()
	if err != nil {
		m.fail(link, fmt.Errorf("create answer: %w", err))
		return
	}

	m.hooks.Send(link.id, models.Signal{Kind: models.SignalAnswer, Attempt: link.wire, SDP: answer.SDP})
	m.advance(link, StateAnswerExchanged)
}

func (m *PeerManager) handleAnswer(link *peerLink, signal models.Signal) {
	neg := link.neg
	if !link.initiator || neg == nil || neg.state != StateOfferSent || signal.Attempt != link.wire {
		m.log.Debug("unexpected answer dropped",
			slog.String(constant.PeerID, link.id.String()),
			slog.Int(constant.Attempt, signal.Attempt),
			slog.String(constant.State, link.state().String()),
		)
		return
	}

	if err := neg.conn.SetRemoteDescription(signal.SessionDescription()); err != nil {
		m.fail(link, fmt.Errorf("apply answer: %w", err))
		return
	}

	neg.remoteSet = true
	m.advance(link, StateAnswerExchanged)
	m.flushCandidates(link)
}

func (m *PeerManager) handleCandidate(link *peerLink, signal models.Signal) {
	neg := link.neg

	switch {
	case signal.Attempt < link.wire:
		// belongs to an abandoned attempt
	case signal.Attempt == link.wire && (neg == nil || neg.state.Terminal()):
	case signal.Attempt > link.wire || !neg.remoteSet:
		if len(link.pending) >= maxPendingCandidates {
			link.pending = link.pending[1:]
		}

		link.pending = append(link.pending, pendingCandidate{attempt: signal.Attempt, candidate: *signal.Candidate})
	default:
		m.addCandidate(link, *signal.Candidate)
	}
}

// flushCandidates applies queued candidates of the current attempt in arrival
// order and drops those of older attempts.
func (m *PeerManager) flushCandidates(link *peerLink) {
	keep := link.pending[:0]

	for _, pc := range link.pending {
		switch {
		case pc.attempt == link.wire:
			m.addCandidate(link, pc.candidate)
		case pc.attempt > link.wire:
			keep = append(keep, pc)
		}
	}

	link.pending = keep
}

func (m *PeerManager) addCandidate(link *peerLink, candidate webrtc.ICECandidateInit) {
	if err := link.neg.conn.AddICECandidate(candidate); err != nil {
		m.log.Warn("add ice candidate",
			slog.String(constant.PeerID, link.id.String()),
			slog.Any(constant.Error, err),
		)
	}
}

func (m *PeerManager) handleLocalCandidate(ev localCandidate) {
	link := m.current(ev.peerEvent)
	if link == nil {
		return
	}

	candidate := ev.candidate
	m.hooks.Send(link.id, models.Signal{Kind: models.SignalCandidate, Attempt: link.wire, Candidate: &candidate})
}

func (m *PeerManager) handleLinkState(ev linkChanged) {
	link := m.current(ev.peerEvent)
	if link == nil {
		return
	}

	switch ev.state {
	case LinkConnected:
		if !m.advance(link, StateConnected) {
			return
		}

		m.stopTimer(link)
		link.failures = 0
		link.backoff.Reset()
		m.report(link, OutcomeConnected)
	case LinkFailed, LinkClosed:
		m.fail(link, fmt.Errorf("link %s", ev.state))
	default:
		m.log.Debug("link state",
			slog.String(constant.PeerID, link.id.String()),
			slog.String(constant.State, ev.state.String()),
		)
	}
}

func (m *PeerManager) handleConnectTimeout(ev connectTimeout) {
	link := m.current(ev.peerEvent)
	if link == nil || link.neg.state == StateConnected {
		return
	}

	m.fail(link, fmt.Errorf("not connected within %s", m.cfg.ConnectTimeout))
}

func (m *PeerManager) handleRetry(ev retryDue) {
	link, ok := m.links[ev.peerID]
	if !ok || link.failed || link.gen != ev.gen {
		return
	}

	link.stop = nil
	m.startAttempt(link)
}

// current returns the link only if ref belongs to its live negotiation.
func (m *PeerManager) current(ref peerEvent) *peerLink {
	link, ok := m.links[ref.peerID]
	if !ok || link.failed || link.neg == nil {
		return nil
	}

	if link.neg.gen != ref.gen || link.neg.state.Terminal() {
		return nil
	}

	return link
}

// fail ends the current attempt and either schedules the next one or, once
// the retry budget is spent, marks the link failed.
func (m *PeerManager) fail(link *peerLink, cause error) {
	m.stopTimer(link)
	link.failures++

	wait := link.backoff.NextBackOff()
	if wait == backoff.Stop || link.failures > m.cfg.Retries {
		m.closeNegotiation(link, StateFailed)
		link.failed = true
		link.pending = nil

		m.report(link, OutcomeFailed)

		err := fmt.Errorf("%w: peer %s after %d attempts: %w", ErrNegotiation, link.id, link.failures, cause)
		m.log.Warn("peer unreachable",
			slog.String(constant.PeerID, link.id.String()),
			slog.String(constant.Phase, "negotiate"),
			slog.Any(constant.Error, err),
		)

		m.hooks.Failed(link.id, err)
		return
	}

	m.report(link, OutcomeRetry)
	m.log.Info("renegotiating",
		slog.String(constant.PeerID, link.id.String()),
		slog.Int(constant.Attempt, link.failures),
		slog.Duration("backoff", wait),
		slog.Any(constant.Error, cause),
	)

	m.retire(link)

	if !link.initiator {
		// the answering side waits for the next offer right away
		m.startAttempt(link)
		return
	}

	ref := peerEvent{peerID: link.id, gen: link.gen}
	link.stop = m.schedule(wait, func() { m.hooks.Post(retryDue{ref}) })
}

func (m *PeerManager) advance(link *peerLink, to NegotiationState) bool {
	from := link.neg.state
	if !from.CanAdvance(to) {
		m.log.Debug("negotiation transition rejected",
			slog.String(constant.PeerID, link.id.String()),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		return false
	}

	link.neg.state = to

	return true
}

func (m *PeerManager) report(link *peerLink, outcome NegotiationOutcome) {
	if m.hooks.Outcome != nil {
		m.hooks.Outcome(link.id, outcome)
	}
}

// retire closes the current attempt of a link that stays in use.
func (m *PeerManager) retire(link *peerLink) {
	if m.closeNegotiation(link, StateClosed) && m.hooks.Closed != nil {
		m.hooks.Closed(link.id)
	}
}

// closeNegotiation reports whether a live attempt was closed.
func (m *PeerManager) closeNegotiation(link *peerLink, final NegotiationState) bool {
	// invalidates callbacks of the closed connection
	link.gen++

	neg := link.neg
	if neg == nil || neg.state.Terminal() {
		return false
	}

	neg.state = final

	if err := neg.conn.Close(); err != nil {
		m.log.Debug("close peer connection",
			slog.String(constant.PeerID, link.id.String()),
			slog.Any(constant.Error, err),
		)
	}

	return true
}

func (m *PeerManager) stopTimer(link *peerLink) {
	if link.stop != nil {
		link.stop()
		link.stop = nil
	}
}
