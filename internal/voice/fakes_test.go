package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/voicelink/internal/domain/models"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	enabled bool
}

func (t *fakeTrack) ID() string { return t.id }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled = enabled
}

type fakeStream struct {
	id    string
	track *fakeTrack
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, track: &fakeTrack{id: id + "-audio", enabled: true}}
}

func (s *fakeStream) ID() string                { return s.id }
func (s *fakeStream) AudioTracks() []AudioTrack { return []AudioTrack{s.track} }

type fakeLocal struct {
	*fakeStream

	mu    sync.Mutex
	stops int
}

func (l *fakeLocal) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stops++
}

func (l *fakeLocal) stopCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stops
}

// fakeConn records every call in order.
type fakeConn struct {
	mu       sync.Mutex
	peerID   uuid.UUID
	handlers PeerHandlers
	calls    []string
	remote   []webrtc.SessionDescription
	cands    []webrtc.ICECandidateInit
	closed   int
	offerErr error
}

func (c *fakeConn) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record("offer")
	if c.offerErr != nil {
		return webrtc.SessionDescription{}, c.offerErr
	}

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record("answer")

	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record("remote:" + d.Type.String())
	c.remote = append(c.remote, d)

	return nil
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.remote) == 0 {
		return errors.New("remote description not set")
	}

	c.record("candidate:" + cand.Candidate)
	c.cands = append(c.cands, cand)

	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed++

	return nil
}

func (c *fakeConn) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.calls...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

type fakeEngine struct {
	mu         sync.Mutex
	local      *fakeLocal
	captureErr error
	connErr    error
	offerErr   error
	conns      map[uuid.UUID][]*fakeConn
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		local: &fakeLocal{fakeStream: newFakeStream("local")},
		conns: make(map[uuid.UUID][]*fakeConn),
	}
}

func (e *fakeEngine) CaptureLocal(ctx context.Context) (LocalMedia, error) {
	if e.captureErr != nil {
		return nil, e.captureErr
	}

	return e.local, nil
}

func (e *fakeEngine) NewPeerConnection(peerID uuid.UUID, local LocalMedia, h PeerHandlers) (PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connErr != nil {
		return nil, e.connErr
	}

	c := &fakeConn{peerID: peerID, handlers: h, offerErr: e.offerErr}
	e.conns[peerID] = append(e.conns[peerID], c)

	return c, nil
}

func (e *fakeEngine) connsFor(peerID uuid.UUID) []*fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]*fakeConn(nil), e.conns[peerID]...)
}

func (e *fakeEngine) last(peerID uuid.UUID) *fakeConn {
	conns := e.connsFor(peerID)
	if len(conns) == 0 {
		return nil
	}

	return conns[len(conns)-1]
}

func (e *fakeEngine) totalConns() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, c := range e.conns {
		n += len(c)
	}

	return n
}

type sentSignal struct {
	to     uuid.UUID
	signal models.Signal
}

type fakeSub struct {
	mu     sync.Mutex
	events chan Event
	sent   []sentSignal
	closed int
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan Event, 64)}
}

func (s *fakeSub) Events() <-chan Event { return s.events }

func (s *fakeSub) Send(ctx context.Context, to uuid.UUID, signal models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, sentSignal{to: to, signal: signal})

	return nil
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed++

	return nil
}

func (s *fakeSub) sentSignals() []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]sentSignal(nil), s.sent...)
}

func (s *fakeSub) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

type fakeSignaling struct {
	mu   sync.Mutex
	subs []*fakeSub
	err  error
}

func (f *fakeSignaling) Subscribe(ctx context.Context, channelID, selfID uuid.UUID) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	sub := newFakeSub()
	f.subs = append(f.subs, sub)

	return sub, nil
}

func (f *fakeSignaling) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.subs)
}

func (f *fakeSignaling) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.subs[len(f.subs)-1]
}

// manualScheduler collects timers and fires them on demand.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (s *manualScheduler) schedule(d time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &manualTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		active := !t.stopped && !t.fired
		t.stopped = true

		return active
	}
}

// fire runs every pending timer whose duration equals d.
func (s *manualScheduler) fire(d time.Duration) int {
	s.mu.Lock()
	var due []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && t.d == d {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.fn()
	}

	return len(due)
}

// fireAllExcept runs every pending timer whose duration is not d.
func (s *manualScheduler) fireAllExcept(d time.Duration) int {
	s.mu.Lock()
	var due []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && t.d != d {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.fn()
	}

	return len(due)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// orderedIDs returns two ids where low initiates towards high.
func orderedIDs() (low, high uuid.UUID) {
	a, b := uuid.New(), uuid.New()
	if bytes.Compare(a[:], b[:]) < 0 {
		return a, b
	}

	return b, a
}

func signalMessage(t *testing.T, from, to uuid.UUID, signal models.Signal, clock *fakeClock) models.SignalingMessage {
	t.Helper()

	raw, err := json.Marshal(signal)
	if err != nil {
		t.Fatalf("marshal signal: %v", err)
	}

	msg := models.NewSignalingMessage("voice-test", from, to, raw, time.Minute)
	msg.CreatedAt = clock.Now()
	msg.ExpiresAt = clock.Now().Add(time.Minute)

	return *msg
}

func candidate(name string) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: name}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting: %s", msg)
}
