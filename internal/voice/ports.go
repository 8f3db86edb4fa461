package voice

import (
	"context"

	"github.com/google/uuid"

	"github.com/qrave1/voicelink/internal/domain/models"
)

// SignalingChannel opens per-channel subscriptions on the realtime topic
// voice-{channelID}.
type SignalingChannel interface {
	Subscribe(ctx context.Context, channelID, selfID uuid.UUID) (Subscription, error)
}

// Subscription delivers presence deltas and signaling messages in arrival
// order. After a transport restart the stream resumes with a fresh
// PresenceSync. Events is closed once the subscription ends for good.
type Subscription interface {
	Events() <-chan Event
	Send(ctx context.Context, receiverID uuid.UUID, signal models.Signal) error
	Close() error
}

// SessionStore persists VoiceSession rows.
type SessionStore interface {
	// GetByUser returns domain.ErrVoiceSessionNotFound when the user has no session.
	GetByUser(ctx context.Context, userID uuid.UUID) (*models.VoiceSession, error)
	// Create inserts the row unless the user already has one. A row in the same
	// channel is returned as is; a row elsewhere yields *domain.ActiveSessionError.
	Create(ctx context.Context, session *models.VoiceSession) (*models.VoiceSession, error)
	// Delete removes the row; deleting a missing row is not an error.
	Delete(ctx context.Context, channelID, userID uuid.UUID) error
}
