package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qrave1/voicelink/internal/domain/models"
)

const (
	TypePresenceSync  = "presence_sync"
	TypePresenceJoin  = "presence_join"
	TypePresenceLeave = "presence_leave"
	TypeSignal        = "signal"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"
)

const topicPrefix = "voice-"

// Topic returns the realtime topic name of a voice channel.
func Topic(channelID uuid.UUID) string {
	return topicPrefix + channelID.String()
}

// ParseTopic extracts the voice channel id from a topic name.
func ParseTopic(topic string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("topic %q is not a voice topic", topic)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse topic channel id: %w", err)
	}

	return id, nil
}

// Message - общее событие
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewMessage(msgType string, data any) (Message, error) {
	if data == nil {
		return Message{Type: msgType}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", msgType, err)
	}

	return Message{Type: msgType, Data: raw}, nil
}

// Presence - метаданные участника в топике
type Presence struct {
	UserID   uuid.UUID `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// PresenceEvent - sync (полный список) или join/leave (дельты)
type PresenceEvent struct {
	Presences []Presence `json:"presences"`
}

// OutboundSignalEvent - сигнал от клиента, отправитель определяется сервером
type OutboundSignalEvent struct {
	ReceiverID uuid.UUID     `json:"receiver_id"`
	Signal     models.Signal `json:"signal"`
}

// SignalEvent - сигнал, доставляемый получателю
type SignalEvent = models.SignalingMessage

type ErrorEvent struct {
	Message string `json:"message"`
}
