package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrVoiceSessionNotFound = errors.New("voice session not found")

// ActiveSessionError is returned by session stores when the user already owns
// a voice session in another channel.
type ActiveSessionError struct {
	UserID    uuid.UUID
	ChannelID uuid.UUID
}

func (e *ActiveSessionError) Error() string {
	return fmt.Sprintf("user %s already has a voice session in channel %s", e.UserID, e.ChannelID)
}
