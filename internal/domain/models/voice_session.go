package models

import (
	"time"

	"github.com/google/uuid"
)

// VoiceSession - строка voice_sessions, одна на (channel_id, user_id)
type VoiceSession struct {
	ChannelID  uuid.UUID `json:"channel_id" db:"channel_id"`
	UserID     uuid.UUID `json:"user_id" db:"user_id"`
	IsMuted    bool      `json:"is_muted" db:"is_muted"`
	IsDeafened bool      `json:"is_deafened" db:"is_deafened"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

func NewVoiceSession(channelID, userID uuid.UUID) *VoiceSession {
	now := time.Now().UTC()

	return &VoiceSession{
		ChannelID: channelID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// JoinedAt is the moment the session row was created.
func (s *VoiceSession) JoinedAt() time.Time {
	return s.CreatedAt
}
