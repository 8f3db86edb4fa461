package realtime

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/voicelink/internal/application/config"
	"github.com/qrave1/voicelink/internal/auth"
	"github.com/qrave1/voicelink/internal/domain/events"
	"github.com/qrave1/voicelink/internal/domain/models"
	"github.com/qrave1/voicelink/internal/infra/adapters/memory"
	"github.com/qrave1/voicelink/internal/infra/ports/http/handlers"
	"github.com/qrave1/voicelink/internal/infra/ports/http/server"
	"github.com/qrave1/voicelink/internal/usecase"
	"github.com/qrave1/voicelink/internal/voice"
)

const testSecret = "test-secret"

// recordingMembers отдает серверные соединения, чтобы тест мог их оборвать
type recordingMembers struct {
	memory.TopicMemberRepository
	added chan *websocket.Conn
}

func (r *recordingMembers) Add(topic string, presence events.Presence, conn *websocket.Conn) *websocket.Conn {
	replaced := r.TopicMemberRepository.Add(topic, presence, conn)
	r.added <- conn

	return replaced
}

type notifyingSignals struct {
	usecase.SignalRepository
	saved chan struct{}
}

func (n *notifyingSignals) Save(ctx context.Context, msg *models.SignalingMessage) error {
	err := n.SignalRepository.Save(ctx, msg)
	n.saved <- struct{}{}

	return err
}

type testServer struct {
	url     string
	cfg     *config.Config
	members *recordingMembers
	signals *notifyingSignals
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Debug:     true,
		JWTSecret: testSecret,
		Voice:     config.VoiceConfig{STUNURLs: []string{"stun:stun.example.org:3478"}},
		Turn:      config.TurnConfig{Enabled: true, PublicIP: "203.0.113.7", Port: 3478, Secret: "turn-secret"},
	}

	members := &recordingMembers{TopicMemberRepository: memory.NewTopicMemberRepository(), added: make(chan *websocket.Conn, 16)}
	signals := &notifyingSignals{SignalRepository: memory.NewSignalRepository(), saved: make(chan struct{}, 16)}

	signaling := usecase.NewSignalingUsecase(time.Minute, members, signals)
	sessions := usecase.NewVoiceSessionUsecase(memory.NewVoiceSessionRepository())

	e := server.New(
		cfg,
		handlers.NewIceHandler(cfg),
		handlers.NewRealtimeHandler(cfg, signaling),
		handlers.NewVoiceSessionHandler(sessions),
	)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &testServer{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		cfg:     cfg,
		members: members,
		signals: signals,
	}
}

func (ts *testServer) dialer(t *testing.T, userID uuid.UUID) *Dialer {
	t.Helper()

	token, err := auth.Issue([]byte(testSecret), userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	d := NewDialer(ts.url, token)
	d.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 50)
	}

	return d
}

func (ts *testServer) subscribe(t *testing.T, channelID, userID uuid.UUID) voice.Subscription {
	t.Helper()

	sub, err := ts.dialer(t, userID).Subscribe(context.Background(), channelID, userID)
	if err != nil {
		t.Fatalf("subscribe %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = sub.Close() })

	// соединение зарегистрировано на сервере
	select {
	case <-ts.members.added:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not register the subscription")
	}

	return sub
}

func nextEvent(t *testing.T, sub voice.Subscription) voice.Event {
	t.Helper()

	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	return nil
}

func expectSync(t *testing.T, sub voice.Subscription, want ...uuid.UUID) {
	t.Helper()

	ev := nextEvent(t, sub)

	sync, ok := ev.(voice.PresenceSync)
	if !ok {
		t.Fatalf("expected PresenceSync, got %T", ev)
	}

	got := make(map[uuid.UUID]bool, len(sync.Presences))
	for _, p := range sync.Presences {
		got[p.UserID] = true
	}

	if len(got) != len(want) {
		t.Fatalf("sync has %d members, want %d", len(got), len(want))
	}
	for _, id := range want {
		if !got[id] {
			t.Errorf("sync is missing %s", id)
		}
	}
}

func TestSubscribe_SyncIncludesSelf(t *testing.T) {
	ts := newTestServer(t)
	channelID, alice := uuid.New(), uuid.New()

	sub := ts.subscribe(t, channelID, alice)

	expectSync(t, sub, alice)
}

func TestSubscribe_PresenceDeltas(t *testing.T) {
	ts := newTestServer(t)
	channelID, alice, bob := uuid.New(), uuid.New(), uuid.New()

	subA := ts.subscribe(t, channelID, alice)
	expectSync(t, subA, alice)

	subB := ts.subscribe(t, channelID, bob)
	expectSync(t, subB, alice, bob)

	ev := nextEvent(t, subA)
	join, ok := ev.(voice.PresenceJoin)
	if !ok || join.Presence.UserID != bob {
		t.Fatalf("expected PresenceJoin for bob, got %#v", ev)
	}

	if err := subB.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ev = nextEvent(t, subA)
	leave, ok := ev.(voice.PresenceLeave)
	if !ok || leave.ParticipantID != bob {
		t.Fatalf("expected PresenceLeave for bob, got %#v", ev)
	}
}

func TestSubscribe_TopicsAreIsolated(t *testing.T) {
	ts := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()

	subA := ts.subscribe(t, uuid.New(), alice)
	expectSync(t, subA, alice)

	subB := ts.subscribe(t, uuid.New(), bob)
	expectSync(t, subB, bob)

	select {
	case ev := <-subA.Events():
		t.Fatalf("unexpected event from another topic: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSend_RelaysToOnlineReceiver(t *testing.T) {
	ts := newTestServer(t)
	channelID, alice, bob := uuid.New(), uuid.New(), uuid.New()

	subA := ts.subscribe(t, channelID, alice)
	expectSync(t, subA, alice)

	subB := ts.subscribe(t, channelID, bob)
	expectSync(t, subB, alice, bob)
	nextEvent(t, subA) // join bob

	offer := models.Signal{Kind: models.SignalOffer, Attempt: 1, SDP: "v=0"}
	if err := subA.Send(context.Background(), bob, offer); err != nil {
		t.Fatalf("send: %v", err)
	}

	ev := nextEvent(t, subB)
	got, ok := ev.(voice.SignalReceived)
	if !ok {
		t.Fatalf("expected SignalReceived, got %T", ev)
	}

	if got.Message.SenderID != alice || got.Message.ReceiverID != bob {
		t.Errorf("routing = %s -> %s", got.Message.SenderID, got.Message.ReceiverID)
	}

	signal, err := got.Message.DecodeSignal()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if signal.Kind != models.SignalOffer || signal.Attempt != 1 || signal.SDP != "v=0" {
		t.Errorf("signal = %+v", signal)
	}

	if !got.Message.ExpiresAt.After(got.Message.CreatedAt) {
		t.Errorf("expires_at %v is not after created_at %v", got.Message.ExpiresAt, got.Message.CreatedAt)
	}
}

func TestSend_StoredForOfflineReceiverAndReplayedOnce(t *testing.T) {
	ts := newTestServer(t)
	channelID, alice, bob := uuid.New(), uuid.New(), uuid.New()

	subA := ts.subscribe(t, channelID, alice)
	expectSync(t, subA, alice)

	mid := "0"
	candidate := models.Signal{
		Kind:      models.SignalCandidate,
		Attempt:   2,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid},
	}
	if err := subA.Send(context.Background(), bob, candidate); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-ts.signals.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("signal for offline receiver was not stored")
	}

	subB := ts.subscribe(t, channelID, bob)
	expectSync(t, subB, alice, bob)

	ev := nextEvent(t, subB)
	got, ok := ev.(voice.SignalReceived)
	if !ok || got.Message.SenderID != alice {
		t.Fatalf("expected replayed signal from alice, got %#v", ev)
	}

	_ = subB.Close()

	again := ts.subscribe(t, channelID, bob)
	expectSync(t, again, alice, bob)

	select {
	case ev := <-again.Events():
		if _, ok := ev.(voice.SignalReceived); ok {
			t.Fatal("stored signal replayed twice")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSend_StoredSignalStaysInItsChannel(t *testing.T) {
	ts := newTestServer(t)
	channelX, channelY, alice, bob := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	subA := ts.subscribe(t, channelX, alice)
	expectSync(t, subA, alice)

	if err := subA.Send(context.Background(), bob, models.Signal{Kind: models.SignalOffer, Attempt: 1, SDP: "v=0"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-ts.signals.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("signal for offline receiver was not stored")
	}

	// bob заходит в другой канал - оффер из X туда не попадает
	subY := ts.subscribe(t, channelY, bob)
	expectSync(t, subY, bob)

	select {
	case ev := <-subY.Events():
		t.Fatalf("channel Y received %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	_ = subY.Close()

	subX := ts.subscribe(t, channelX, bob)
	expectSync(t, subX, alice, bob)

	ev := nextEvent(t, subX)
	got, ok := ev.(voice.SignalReceived)
	if !ok || got.Message.SenderID != alice {
		t.Fatalf("expected the stored offer from alice in channel X, got %#v", ev)
	}
}

func TestSend_InvalidSignalReturnsServerError(t *testing.T) {
	ts := newTestServer(t)
	channelID, alice := uuid.New(), uuid.New()

	subA := ts.subscribe(t, channelID, alice)
	expectSync(t, subA, alice)

	// самому себе нельзя
	if err := subA.Send(context.Background(), alice, models.Signal{Kind: models.SignalOffer, SDP: "v=0"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case ev := <-subA.Events():
		t.Fatalf("error frames must not surface as events, got %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_Unauthorized(t *testing.T) {
	ts := newTestServer(t)

	d := NewDialer(ts.url, "garbage")

	_, err := d.Subscribe(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSubscribe_ReplacedSubscriptionEnds(t *testing.T) {
	ts := newTestServer(t)
	channelID, alice := uuid.New(), uuid.New()

	first := ts.subscribe(t, channelID, alice)
	expectSync(t, first, alice)

	second := ts.subscribe(t, channelID, alice)
	expectSync(t, second, alice)

	select {
	case _, ok := <-first.Events():
		if ok {
			t.Fatal("replaced subscription delivered an event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replaced subscription was not closed")
	}
}

func TestSubscribe_ReconnectDeliversFreshSync(t *testing.T) {
	ts := newTestServer(t)
	channelID, alice := uuid.New(), uuid.New()

	token, err := auth.Issue([]byte(testSecret), alice, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	d := NewDialer(ts.url, token)
	d.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 50)
	}

	sub, err := d.Subscribe(context.Background(), channelID, alice)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	serverConn := <-ts.members.added
	expectSync(t, sub, alice)

	// обрыв без close frame
	_ = serverConn.UnderlyingConn().Close()

	select {
	case <-ts.members.added:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}

	expectSync(t, sub, alice)
}

func TestClose_Idempotent(t *testing.T) {
	ts := newTestServer(t)
	channelID, alice := uuid.New(), uuid.New()

	sub := ts.subscribe(t, channelID, alice)
	expectSync(t, sub, alice)

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, ok := <-sub.Events(); ok {
		t.Error("events channel still open after Close")
	}

	err := sub.Send(context.Background(), uuid.New(), models.Signal{Kind: models.SignalOffer, SDP: "v=0"})
	if !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("send after close = %v, want ErrSubscriptionClosed", err)
	}
}

func TestFetchICEServers(t *testing.T) {
	ts := newTestServer(t)

	servers, err := ts.dialer(t, uuid.New()).FetchICEServers(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if len(servers) != 2 {
		t.Fatalf("got %d servers, want stun + embedded turn", len(servers))
	}

	if servers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("stun = %v", servers[0].URLs)
	}

	turn := servers[1]
	if turn.URLs[0] != "turn:203.0.113.7:3478?transport=udp" {
		t.Errorf("turn url = %v", turn.URLs)
	}
	if turn.Username == "" || turn.Credential == nil || turn.Credential == "" {
		t.Errorf("turn credentials missing: %+v", turn)
	}
}

func TestFetchICEServers_Unauthorized(t *testing.T) {
	ts := newTestServer(t)

	_, err := NewDialer(ts.url, "garbage").FetchICEServers(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDecode(t *testing.T) {
	bob := uuid.New()

	join, _ := events.NewMessage(events.TypePresenceJoin, events.PresenceEvent{Presences: []events.Presence{{UserID: bob}}})
	leave, _ := events.NewMessage(events.TypePresenceLeave, events.PresenceEvent{Presences: []events.Presence{{UserID: bob}}})

	got, err := decode(join)
	if err != nil || len(got) != 1 {
		t.Fatalf("decode join: %v %v", got, err)
	}
	if j, ok := got[0].(voice.PresenceJoin); !ok || j.Presence.UserID != bob {
		t.Errorf("join decoded as %#v", got[0])
	}

	got, err = decode(leave)
	if err != nil || len(got) != 1 {
		t.Fatalf("decode leave: %v %v", got, err)
	}
	if l, ok := got[0].(voice.PresenceLeave); !ok || l.ParticipantID != bob {
		t.Errorf("leave decoded as %#v", got[0])
	}

	if got, err = decode(events.Message{Type: events.TypePong}); err != nil || len(got) != 0 {
		t.Errorf("pong decoded as %v %v", got, err)
	}

	if _, err = decode(events.Message{Type: "bogus"}); err == nil {
		t.Error("unknown type must fail")
	}
}
