package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/domain"
	"github.com/qrave1/voicelink/internal/domain/models"
	"github.com/qrave1/voicelink/internal/infra/appctx"
)

const (
	noticeBuffer     = 32
	leaveRetries     = 5
	leaveRetryPeriod = time.Second
)

type Options struct {
	DisconnectWindow time.Duration
	Negotiation      NegotiationConfig

	// OnNegotiation, if set, receives every peer negotiation outcome. It runs
	// on the dispatcher and must not block.
	OnNegotiation func(channelID, peerID uuid.UUID, outcome NegotiationOutcome)
}

func DefaultOptions() Options {
	return Options{
		DisconnectWindow: DefaultDisconnectWindow,
		Negotiation:      DefaultNegotiationConfig(),
	}
}

type pendingJoin struct {
	channelID uuid.UUID
	cancel    context.CancelFunc
	aborted   bool
}

// Controller owns the voice session of one client. User operations and
// session events are applied one at a time under mu.
type Controller struct {
	store     SessionStore
	signaling SignalingChannel
	engine    MediaEngine
	opts      Options

	mu       sync.Mutex
	active   *session
	joining  *pendingJoin
	muted    bool
	deafened bool

	disconnect *disconnectConfirm
	notices    chan Notice

	now        func() time.Time
	schedule   scheduleFunc
	leaveRetry time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(store SessionStore, signaling SignalingChannel, engine MediaEngine, opts Options) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		store:      store,
		signaling:  signaling,
		engine:     engine,
		opts:       opts,
		disconnect: newDisconnectConfirm(opts.DisconnectWindow),
		notices:    make(chan Notice, noticeBuffer),
		now:        time.Now,
		schedule:   afterFunc,
		leaveRetry: leaveRetryPeriod,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Join enters the voice channel as the user carried by ctx. Joining the
// channel the user is already in succeeds without side effects.
func (c *Controller) Join(ctx context.Context, channelID uuid.UUID) error {
	userID, ok := appctx.UserID(ctx)
	if !ok {
		return ErrAuthenticationRequired
	}

	c.mu.Lock()

	if c.active != nil {
		current := c.active.channelID
		c.mu.Unlock()

		if current == channelID {
			return nil
		}

		return fmt.Errorf("%w: active in channel %s", ErrAlreadyInOtherChannel, current)
	}

	if c.joining != nil {
		c.mu.Unlock()
		return ErrJoinInProgress
	}

	joinCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending := &pendingJoin{channelID: channelID, cancel: cancel}
	c.joining = pending
	muted, deafened := c.muted, c.deafened

	c.mu.Unlock()

	log := slog.With(
		slog.String(constant.ChannelID, channelID.String()),
		slog.String(constant.UserID, userID.String()),
	)

	sess, created, err := c.establish(joinCtx, channelID, userID, muted, deafened)

	c.mu.Lock()

	if c.joining == pending {
		c.joining = nil
	}

	if err == nil && !pending.aborted {
		c.active = sess

		c.wg.Add(1)
		go c.run(sess)

		c.mu.Unlock()

		log.Info("joined voice channel")

		return nil
	}

	aborted := pending.aborted
	c.mu.Unlock()

	// сессия еще никому не видна, удаление строки идет без блокировки
	switch {
	case err == nil:
		sess.close()
		if created {
			c.deleteRemote(ctx, channelID, userID)
		}

		err = ErrJoinAborted
	case aborted:
		err = errors.Join(ErrJoinAborted, err)
	}

	log.Error("join voice channel", slog.String(constant.Phase, "join"), slog.Any(constant.Error, err))

	return err
}

// establish performs the network part of a join: persist the row, capture
// local media, subscribe. Everything done is undone on failure.
func (c *Controller) establish(ctx context.Context, channelID, userID uuid.UUID, muted, deafened bool) (*session, bool, error) {
	existing, err := c.store.GetByUser(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrVoiceSessionNotFound):
		existing = nil
	case err != nil:
		return nil, false, fmt.Errorf("%w: lookup voice session: %w", ErrPersistence, err)
	}

	if existing != nil && existing.ChannelID != channelID {
		return nil, false, fmt.Errorf("%w: active in channel %s", ErrAlreadyInOtherChannel, existing.ChannelID)
	}

	created := false
	if existing == nil {
		row := models.NewVoiceSession(channelID, userID)
		row.IsMuted = muted
		row.IsDeafened = deafened

		if _, err := c.store.Create(ctx, row); err != nil {
			var active *domain.ActiveSessionError
			if errors.As(err, &active) {
				return nil, false, fmt.Errorf("%w: active in channel %s", ErrAlreadyInOtherChannel, active.ChannelID)
			}

			return nil, false, fmt.Errorf("%w: create voice session: %w", ErrPersistence, err)
		}

		created = true
	}

	rollback := func() {
		if created {
			c.deleteRemote(ctx, channelID, userID)
		}
	}

	local, err := c.engine.CaptureLocal(ctx)
	if err != nil {
		rollback()
		return nil, false, fmt.Errorf("capture local media: %w", err)
	}

	sub, err := c.signaling.Subscribe(ctx, channelID, userID)
	if err != nil {
		local.Stop()
		rollback()
		return nil, false, fmt.Errorf("%w: subscribe: %w", ErrSignaling, err)
	}

	sess := newSession(sessionParams{
		channelID: channelID,
		self:      userID,
		sub:       sub,
		local:     local,
		engine:    c.engine,
		cfg:       c.opts.Negotiation,
		outcome:   c.opts.OnNegotiation,
		muted:     muted,
		deafened:  deafened,
		notify:    c.notify,
		now:       c.now,
		schedule:  c.schedule,
	})

	return sess, created, nil
}

// Leave tears the session down locally and deletes the row. Local teardown
// always completes; a failed delete is retried in the background.
func (c *Controller) Leave(ctx context.Context, channelID uuid.UUID) error {
	userID, hasUser := appctx.UserID(ctx)

	c.mu.Lock()

	c.disconnect.reset()

	if c.joining != nil && c.joining.channelID == channelID {
		c.joining.aborted = true
		c.joining.cancel()
	}

	sess := c.active
	if sess != nil && sess.channelID == channelID {
		c.active = nil
		sess.close()
		userID, hasUser = sess.self, true
	}

	c.mu.Unlock()

	if !hasUser {
		return nil
	}

	c.deleteRemote(ctx, channelID, userID)

	return nil
}

// RequestDisconnect is the two-step leave: the first call arms, a second call
// inside the window leaves the current channel.
func (c *Controller) RequestDisconnect(ctx context.Context) (DisconnectOutcome, error) {
	c.mu.Lock()

	if c.active == nil {
		c.mu.Unlock()
		return 0, ErrNotJoined
	}

	channelID := c.active.channelID
	confirmed := c.disconnect.request()

	c.mu.Unlock()

	if !confirmed {
		return DisconnectArmed, nil
	}

	if err := c.Leave(ctx, channelID); err != nil {
		return 0, err
	}

	return DisconnectLeft, nil
}

func (c *Controller) SetLocalMute(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.muted = muted
	if c.active != nil {
		c.active.media.SetLocalMute(muted)
	}
}

func (c *Controller) SetLocalDeafen(deafened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deafened = deafened
	if c.active != nil {
		c.active.media.SetLocalDeafen(deafened)
	}
}

// SetParticipantMuted silences one remote participant for this client only.
func (c *Controller) SetParticipantMuted(peerID uuid.UUID, muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return ErrNotJoined
	}

	if !c.active.media.SetParticipantMuted(peerID, muted) {
		return fmt.Errorf("participant %s not found", peerID)
	}

	return nil
}

func (c *Controller) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil
	}

	return c.active.registry.Snapshot()
}

// Peers returns the negotiation state of every peer link.
func (c *Controller) Peers() map[uuid.UUID]NegotiationState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil
	}

	return c.active.peers.States()
}

// ActiveChannel returns the channel of the current session.
func (c *Controller) ActiveChannel() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return uuid.Nil, false
	}

	return c.active.channelID, true
}

func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.muted
}

func (c *Controller) Deafened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.deafened
}

func (c *Controller) Notices() <-chan Notice {
	return c.notices
}

// Close leaves the current channel and waits for background work until ctx
// ends.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	var channelID uuid.UUID
	active := c.active != nil
	if active {
		channelID = c.active.channelID
	}
	c.mu.Unlock()

	if active {
		if err := c.Leave(ctx, channelID); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	c.cancel()
	<-done

	return nil
}

// run dispatches the events of one session until it is closed.
func (c *Controller) run(sess *session) {
	defer c.wg.Done()

	events := sess.sub.Events()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				c.signalingLost(sess)
				continue
			}

			c.dispatch(sess, ev)
		case ev := <-sess.inbox:
			c.dispatch(sess, ev)
		}
	}
}

func (c *Controller) dispatch(sess *session, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != sess {
		return
	}

	sess.handle(ev)
}

func (c *Controller) signalingLost(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != sess {
		return
	}

	err := fmt.Errorf("%w: subscription to channel %s ended", ErrSignaling, sess.channelID)
	sess.log.Error("signaling lost", slog.String(constant.Phase, "subscribe"), slog.Any(constant.Error, err))

	c.notify(Notice{Kind: NoticeSignalingLost, ChannelID: sess.channelID, Err: err})
}

func (c *Controller) deleteRemote(ctx context.Context, channelID, userID uuid.UUID) {
	err := c.store.Delete(ctx, channelID, userID)
	if err == nil {
		return
	}

	err = fmt.Errorf("%w: delete voice session: %w", ErrPersistence, err)
	slog.Error("leave voice channel",
		slog.String(constant.ChannelID, channelID.String()),
		slog.String(constant.UserID, userID.String()),
		slog.String(constant.Phase, "leave"),
		slog.Any(constant.Error, err),
	)

	c.notify(Notice{Kind: NoticeLeaveDeferred, ChannelID: channelID, Err: err})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.leaveRetry
		b.MaxElapsedTime = 0

		retry := backoff.WithContext(backoff.WithMaxRetries(b, leaveRetries), c.ctx)

		err := backoff.Retry(func() error {
			return c.store.Delete(context.WithoutCancel(ctx), channelID, userID)
		}, retry)
		if err != nil {
			slog.Error("delete voice session gave up",
				slog.String(constant.ChannelID, channelID.String()),
				slog.String(constant.UserID, userID.String()),
				slog.Any(constant.Error, err),
			)
		}
	}()
}

// notify never blocks; notices are dropped when nobody reads them.
func (c *Controller) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		slog.Warn("notice dropped", slog.String(constant.Kind, n.Kind.String()))
	}
}
