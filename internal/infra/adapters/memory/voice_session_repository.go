package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qrave1/voicelink/internal/domain"
	"github.com/qrave1/voicelink/internal/domain/models"
)

type VoiceSessionRepository struct {
	// sessions хранит map[user_id]*VoiceSession
	sessions map[uuid.UUID]*models.VoiceSession

	mu sync.RWMutex
}

func NewVoiceSessionRepository() *VoiceSessionRepository {
	return &VoiceSessionRepository{
		sessions: make(map[uuid.UUID]*models.VoiceSession),
	}
}

// GetByUser возвращает сессию пользователя в любом канале
func (r *VoiceSessionRepository) GetByUser(ctx context.Context, userID uuid.UUID) (*models.VoiceSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[userID]
	if !ok {
		return nil, domain.ErrVoiceSessionNotFound
	}

	cp := *s

	return &cp, nil
}

// Create добавляет сессию, если у пользователя еще нет другой
func (r *VoiceSessionRepository) Create(ctx context.Context, session *models.VoiceSession) (*models.VoiceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[session.UserID]; ok {
		if existing.ChannelID != session.ChannelID {
			return nil, &domain.ActiveSessionError{UserID: existing.UserID, ChannelID: existing.ChannelID}
		}

		cp := *existing

		return &cp, nil
	}

	stored := *session
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
		stored.UpdatedAt = stored.CreatedAt
	}

	r.sessions[session.UserID] = &stored

	cp := stored

	return &cp, nil
}

func (r *VoiceSessionRepository) Delete(ctx context.Context, channelID, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[userID]; ok && s.ChannelID == channelID {
		delete(r.sessions, userID)
	}

	return nil
}

// ListByChannel возвращает участников канала в порядке входа
func (r *VoiceSessionRepository) ListByChannel(ctx context.Context, channelID uuid.UUID) ([]*models.VoiceSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.VoiceSession

	for _, s := range r.sessions {
		if s.ChannelID == channelID {
			cp := *s
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}
