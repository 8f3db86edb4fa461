package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/application/metric"
	"github.com/qrave1/voicelink/internal/domain/events"
	"github.com/qrave1/voicelink/internal/domain/models"
	"github.com/qrave1/voicelink/internal/infra/adapters/memory"
)

var ErrInvalidSignal = errors.New("invalid signal")

// SignalRepository - хранилище сигналов для офлайн получателей
type SignalRepository interface {
	Save(ctx context.Context, msg *models.SignalingMessage) error

	// ConsumeFor удаляет и возвращает непросроченные сообщения получателя в топике
	ConsumeFor(ctx context.Context, topic string, receiverID uuid.UUID) ([]*models.SignalingMessage, error)

	// PruneExpired удаляет просроченные сообщения
	PruneExpired(ctx context.Context) (int64, error)
}

type SignalingUsecase interface {
	HandleSubscribe(ctx context.Context, topic string, userID uuid.UUID, ws *websocket.Conn) error
	HandleUnsubscribe(ctx context.Context, topic string, userID uuid.UUID, ws *websocket.Conn)

	HandleSignal(ctx context.Context, topic string, senderID uuid.UUID, ev events.OutboundSignalEvent) error

	HandlePing(ctx context.Context, topic string, userID uuid.UUID)
	SendError(ctx context.Context, topic string, userID uuid.UUID, message string)

	PruneExpired(ctx context.Context) (int64, error)
}

type signalingUsecase struct {
	signalTTL time.Duration

	membersRepo memory.TopicMemberRepository
	signalRepo  SignalRepository
}

func NewSignalingUsecase(
	signalTTL time.Duration,
	membersRepo memory.TopicMemberRepository,
	signalRepo SignalRepository,
) SignalingUsecase {
	return &signalingUsecase{
		signalTTL:   signalTTL,
		membersRepo: membersRepo,
		signalRepo:  signalRepo,
	}
}

func (s *signalingUsecase) HandleSubscribe(ctx context.Context, topic string, userID uuid.UUID, ws *websocket.Conn) error {
	presence := events.Presence{UserID: userID, JoinedAt: time.Now().UTC()}

	replaced := s.membersRepo.Add(topic, presence, ws)
	if replaced != nil {
		slog.Info("subscription replaced", slog.String(constant.Topic, topic), slog.Any(constant.UserID, userID))

		_ = replaced.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced by a newer subscription"),
			time.Now().Add(time.Second),
		)
		_ = replaced.Close()
	} else {
		metric.IncrementPresenceMembers()

		join, err := events.NewMessage(events.TypePresenceJoin, events.PresenceEvent{Presences: []events.Presence{presence}})
		if err != nil {
			return err
		}

		s.membersRepo.Broadcast(topic, userID, join)
	}

	sync, err := events.NewMessage(events.TypePresenceSync, events.PresenceEvent{Presences: s.membersRepo.Members(topic)})
	if err != nil {
		return err
	}

	if err = s.membersRepo.Write(topic, userID, sync); err != nil {
		return fmt.Errorf("write presence sync: %w", err)
	}

	stored, err := s.signalRepo.ConsumeFor(ctx, topic, userID)
	if err != nil {
		return fmt.Errorf("consume stored signals: %w", err)
	}

	for _, msg := range stored {
		out, err := events.NewMessage(events.TypeSignal, msg)
		if err != nil {
			return err
		}

		if err = s.membersRepo.Write(topic, userID, out); err != nil {
			return fmt.Errorf("replay stored signal: %w", err)
		}

		metric.RecordSignal("replayed")
	}

	return nil
}

func (s *signalingUsecase) HandleUnsubscribe(ctx context.Context, topic string, userID uuid.UUID, ws *websocket.Conn) {
	if !s.membersRepo.Remove(topic, userID, ws) {
		return
	}

	metric.DecrementPresenceMembers()

	leave, err := events.NewMessage(events.TypePresenceLeave, events.PresenceEvent{
		Presences: []events.Presence{{UserID: userID, JoinedAt: time.Now().UTC()}},
	})
	if err != nil {
		slog.Error("marshal presence leave", slog.Any(constant.Error, err))
		return
	}

	s.membersRepo.Broadcast(topic, userID, leave)
}

// HandleSignal доставляет сигнал получателю, если он подписан на топик, иначе
// сохраняет его до следующей подписки получателя.
func (s *signalingUsecase) HandleSignal(ctx context.Context, topic string, senderID uuid.UUID, ev events.OutboundSignalEvent) error {
	if err := ev.Signal.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}

	if ev.ReceiverID == uuid.Nil || ev.ReceiverID == senderID {
		return fmt.Errorf("%w: bad receiver %s", ErrInvalidSignal, ev.ReceiverID)
	}

	raw, err := json.Marshal(ev.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	msg := models.NewSignalingMessage(topic, senderID, ev.ReceiverID, raw, s.signalTTL)

	if s.membersRepo.Has(topic, ev.ReceiverID) {
		out, err := events.NewMessage(events.TypeSignal, msg)
		if err != nil {
			return err
		}

		err = s.membersRepo.Write(topic, ev.ReceiverID, out)
		if err == nil {
			metric.RecordSignal("direct")
			return nil
		}

		slog.Warn(
			"direct signal delivery failed, storing",
			slog.String(constant.Topic, topic),
			slog.Any(constant.UserID, ev.ReceiverID),
			slog.Any(constant.Error, err),
		)
	}

	if err = s.signalRepo.Save(ctx, msg); err != nil {
		return fmt.Errorf("store signal: %w", err)
	}

	metric.RecordSignal("stored")

	return nil
}

func (s *signalingUsecase) HandlePing(ctx context.Context, topic string, userID uuid.UUID) {
	if err := s.membersRepo.Write(topic, userID, events.Message{Type: events.TypePong}); err != nil {
		slog.Error("write pong", slog.Any(constant.UserID, userID), slog.Any(constant.Error, err))
	}
}

func (s *signalingUsecase) SendError(ctx context.Context, topic string, userID uuid.UUID, message string) {
	out, err := events.NewMessage(events.TypeError, events.ErrorEvent{Message: message})
	if err != nil {
		return
	}

	if err = s.membersRepo.Write(topic, userID, out); err != nil {
		slog.Error("write error event", slog.Any(constant.UserID, userID), slog.Any(constant.Error, err))
	}
}

func (s *signalingUsecase) PruneExpired(ctx context.Context) (int64, error) {
	n, err := s.signalRepo.PruneExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune expired signals: %w", err)
	}

	metric.AddSignalsPruned(n)

	return n, nil
}
