package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/qrave1/voicelink/internal/application/config"
	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/application/metric"
	"github.com/qrave1/voicelink/internal/domain/events"
	"github.com/qrave1/voicelink/internal/infra/appctx"
	"github.com/qrave1/voicelink/internal/usecase"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 64 << 10
)

type RealtimeHandler struct {
	upgrader *websocket.Upgrader

	signalingUsecase usecase.SignalingUsecase
}

func NewRealtimeHandler(cfg *config.Config, signalingUsecase usecase.SignalingUsecase) *RealtimeHandler {
	return &RealtimeHandler{
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.Debug {
					return true
				}

				// нативные клиенты Origin не присылают
				origin := r.Header.Get("Origin")

				return origin == "" || origin == cfg.Domain
			},
		},
		signalingUsecase: signalingUsecase,
	}
}

// Handle подписывает соединение на топик и обслуживает его до закрытия
func (h *RealtimeHandler) Handle(c echo.Context) error {
	userID, ok := appctx.UserID(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing user id"})
	}

	topic := c.Param("topic")
	if _, err := events.ParseTopic(topic); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"WebSocket upgrade error",
			slog.Any(constant.Error, err),
		)
		return nil
	}
	defer ws.Close()

	metric.IncrementWSActiveConnections()
	defer metric.DecrementWSActiveConnections()

	ctx := c.Request().Context()

	ws.SetReadLimit(maxFrameSize)

	if err = ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return nil
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err = h.signalingUsecase.HandleSubscribe(ctx, topic, userID, ws); err != nil {
		slog.Error(
			"subscribe to topic",
			slog.String(constant.Topic, topic),
			slog.Any(constant.UserID, userID),
			slog.Any(constant.Error, err),
		)
	}
	defer h.signalingUsecase.HandleUnsubscribe(context.WithoutCancel(ctx), topic, userID, ws)

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				// WriteControl можно вызывать параллельно с WriteJSON
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second*10)); err != nil {
					slog.Debug("ping failed", slog.Any(constant.UserID, userID), slog.Any(constant.Error, err))
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			h.handleWebsocketError(userID, err)

			return nil
		}

		var msg events.Message

		if err = json.Unmarshal(raw, &msg); err != nil {
			h.signalingUsecase.SendError(ctx, topic, userID, "malformed message")

			continue
		}

		if err = h.handleMessage(ctx, topic, userID, msg); err != nil {
			slog.Warn(
				"handle realtime message",
				slog.String(constant.Topic, topic),
				slog.Any(constant.UserID, userID),
				slog.String(constant.Kind, msg.Type),
				slog.Any(constant.Error, err),
			)

			h.signalingUsecase.SendError(ctx, topic, userID, err.Error())
		}
	}
}

func (h *RealtimeHandler) handleMessage(ctx context.Context, topic string, userID uuid.UUID, msg events.Message) error {
	switch msg.Type {
	case events.TypeSignal:
		var ev events.OutboundSignalEvent

		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("unmarshal signal: %w", err)
		}

		if err := h.signalingUsecase.HandleSignal(ctx, topic, userID, ev); err != nil {
			return fmt.Errorf("handle signal: %w", err)
		}

	case events.TypePing:
		h.signalingUsecase.HandlePing(ctx, topic, userID)

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}

	return nil
}

func (h *RealtimeHandler) handleWebsocketError(userID uuid.UUID, err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			slog.Info("user disconnected from websocket", slog.Any(constant.UserID, userID))
		default:
			slog.Warn("websocket closed", slog.Any(constant.UserID, userID), slog.Int("code", closeErr.Code))
		}

		return
	}

	slog.Debug(
		"websocket read",
		slog.Any(constant.UserID, userID),
		slog.Any(constant.Error, err),
	)
}
