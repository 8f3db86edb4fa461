package dto

import "github.com/google/uuid"

type JoinVoiceSessionRequest struct {
	IsMuted    bool `json:"is_muted"`
	IsDeafened bool `json:"is_deafened"`
}

// ActiveSessionResponse - 409, пользователь уже в другом голосовом канале
type ActiveSessionResponse struct {
	Error     string    `json:"error"`
	ChannelID uuid.UUID `json:"channel_id"`
}
