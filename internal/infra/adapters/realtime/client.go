package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/domain/events"
	"github.com/qrave1/voicelink/internal/domain/models"
	"github.com/qrave1/voicelink/internal/voice"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	eventBuffer  = 256
	outboxBuffer = 64
)

var (
	ErrUnauthorized       = errors.New("realtime: unauthorized")
	ErrSubscriptionClosed = errors.New("realtime: subscription closed")
	ErrReplaced           = errors.New("realtime: replaced by a newer subscription")
)

// Dialer открывает подписки на топики realtime сервера
type Dialer struct {
	serverURL string
	token     string

	ws         *websocket.Dialer
	http       *http.Client
	newBackOff func() backoff.BackOff
}

var _ voice.SignalingChannel = (*Dialer)(nil)

// NewDialer принимает адрес сервера вида ws://host:port и JWT пользователя
func NewDialer(serverURL, token string) *Dialer {
	return &Dialer{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		http: &http.Client{Timeout: 10 * time.Second},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second

			return b
		},
	}
}

func (d *Dialer) topicURL(channelID uuid.UUID) string {
	return d.serverURL + "/api/v1/realtime/" + url.PathEscape(events.Topic(channelID))
}

// Subscribe подключается к топику voice-{channelID}. Первое подключение
// выполняется синхронно; обрывы после него переподключаются с backoff.
func (d *Dialer) Subscribe(ctx context.Context, channelID, selfID uuid.UUID) (voice.Subscription, error) {
	target := d.topicURL(channelID)

	conn, err := d.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())

	s := &subscription{
		dialer:    d,
		url:       target,
		channelID: channelID,
		selfID:    selfID,
		events:    make(chan voice.Event, eventBuffer),
		outbox:    make(chan events.Message, outboxBuffer),
		ctx:       subCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		log: slog.With(
			slog.Any(constant.ChannelID, channelID),
			slog.Any(constant.UserID, selfID),
		),
	}

	go s.run(conn)

	return s, nil
}

func (d *Dialer) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.token)

	conn, resp, err := d.ws.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(ErrUnauthorized)
		}

		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	return conn, nil
}

type subscription struct {
	dialer    *Dialer
	url       string
	channelID uuid.UUID
	selfID    uuid.UUID

	events chan voice.Event
	outbox chan events.Message

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	log *slog.Logger
}

func (s *subscription) Events() <-chan voice.Event {
	return s.events
}

func (s *subscription) Send(ctx context.Context, receiverID uuid.UUID, signal models.Signal) error {
	msg, err := events.NewMessage(events.TypeSignal, events.OutboundSignalEvent{
		ReceiverID: receiverID,
		Signal:     signal,
	})
	if err != nil {
		return err
	}

	// проверяем отдельно, чтобы не класть в буфер после Close
	select {
	case <-s.ctx.Done():
		return ErrSubscriptionClosed
	default:
	}

	select {
	case s.outbox <- msg:
		return nil
	case <-s.ctx.Done():
		return ErrSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done

	return nil
}

// run - единственный писатель в s.events
func (s *subscription) run(conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.events)

	for {
		err := s.serve(conn)
		if s.ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrReplaced) {
			s.log.Warn("realtime subscription replaced, giving up")
			return
		}

		s.log.Warn("realtime connection lost, reconnecting", slog.Any(constant.Error, err))

		conn, err = s.reconnect()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Error("realtime reconnect failed", slog.Any(constant.Error, err))
			}

			return
		}

		s.log.Info("realtime connection restored")
	}
}

func (s *subscription) reconnect() (*websocket.Conn, error) {
	var conn *websocket.Conn

	err := backoff.RetryNotify(
		func() error {
			c, err := s.dialer.dial(s.ctx, s.url)
			if err != nil {
				return err
			}

			conn = c

			return nil
		},
		backoff.WithContext(s.dialer.newBackOff(), s.ctx),
		func(err error, next time.Duration) {
			s.log.Debug("realtime dial failed", slog.Any(constant.Error, err), slog.Duration("retry_in", next))
		},
	)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// serve обслуживает одно соединение и возвращается, когда оно закрыто
// и читатель остановлен.
func (s *subscription) serve(conn *websocket.Conn) error {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.read(conn)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
			<-readErr

			return nil

		case err := <-readErr:
			return err

		case msg := <-s.outbox:
			if err := s.write(conn, msg); err != nil {
				_ = conn.Close()
				<-readErr

				return fmt.Errorf("write signal: %w", err)
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				<-readErr

				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func (s *subscription) write(conn *websocket.Conn, msg events.Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return conn.WriteJSON(msg)
}

func (s *subscription) read(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return ErrReplaced
			}

			return err
		}

		var msg events.Message

		if err = json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("malformed realtime frame", slog.Any(constant.Error, err))
			continue
		}

		decoded, err := decode(msg)
		if err != nil {
			s.log.Warn("decode realtime frame", slog.String(constant.Kind, msg.Type), slog.Any(constant.Error, err))
			continue
		}

		for _, ev := range decoded {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return nil
			}
		}
	}
}

func decode(msg events.Message) ([]voice.Event, error) {
	switch msg.Type {
	case events.TypePresenceSync, events.TypePresenceJoin, events.TypePresenceLeave:
		var ev events.PresenceEvent

		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal presence: %w", err)
		}

		if msg.Type == events.TypePresenceSync {
			return []voice.Event{voice.PresenceSync{Presences: ev.Presences}}, nil
		}

		out := make([]voice.Event, 0, len(ev.Presences))
		for _, p := range ev.Presences {
			if msg.Type == events.TypePresenceJoin {
				out = append(out, voice.PresenceJoin{Presence: p})
			} else {
				out = append(out, voice.PresenceLeave{ParticipantID: p.UserID})
			}
		}

		return out, nil

	case events.TypeSignal:
		var ev events.SignalEvent

		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal signal: %w", err)
		}

		return []voice.Event{voice.SignalReceived{Message: ev}}, nil

	case events.TypeError:
		var ev events.ErrorEvent
		_ = json.Unmarshal(msg.Data, &ev)

		return nil, fmt.Errorf("server error: %s", ev.Message)

	case events.TypePong:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
}
