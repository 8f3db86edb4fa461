package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/qrave1/voicelink/internal/domain"
	"github.com/qrave1/voicelink/internal/domain/models"
)

type VoiceSessionRepository interface {
	GetByUser(ctx context.Context, userID uuid.UUID) (*models.VoiceSession, error)
	Create(ctx context.Context, session *models.VoiceSession) (*models.VoiceSession, error)
	Delete(ctx context.Context, channelID, userID uuid.UUID) error
	ListByChannel(ctx context.Context, channelID uuid.UUID) ([]*models.VoiceSession, error)
}

type VoiceSessionUsecase interface {
	ListParticipants(ctx context.Context, channelID uuid.UUID) ([]*models.VoiceSession, error)

	// Current возвращает domain.ErrVoiceSessionNotFound, если сессии нет
	Current(ctx context.Context, userID uuid.UUID) (*models.VoiceSession, error)

	// Join создает строку или возвращает существующую в том же канале.
	// Сессия в другом канале - *domain.ActiveSessionError.
	Join(ctx context.Context, session *models.VoiceSession) (*models.VoiceSession, error)

	Leave(ctx context.Context, channelID, userID uuid.UUID) error
}

type voiceSessionUsecase struct {
	sessionRepo VoiceSessionRepository
}

func NewVoiceSessionUsecase(sessionRepo VoiceSessionRepository) VoiceSessionUsecase {
	return &voiceSessionUsecase{sessionRepo: sessionRepo}
}

func (u *voiceSessionUsecase) ListParticipants(ctx context.Context, channelID uuid.UUID) ([]*models.VoiceSession, error) {
	sessions, err := u.sessionRepo.ListByChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("list voice sessions: %w", err)
	}

	if sessions == nil {
		sessions = []*models.VoiceSession{}
	}

	return sessions, nil
}

func (u *voiceSessionUsecase) Current(ctx context.Context, userID uuid.UUID) (*models.VoiceSession, error) {
	session, err := u.sessionRepo.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrVoiceSessionNotFound) {
			return nil, err
		}

		return nil, fmt.Errorf("get voice session: %w", err)
	}

	return session, nil
}

func (u *voiceSessionUsecase) Join(ctx context.Context, session *models.VoiceSession) (*models.VoiceSession, error) {
	stored, err := u.sessionRepo.Create(ctx, session)
	if err != nil {
		var active *domain.ActiveSessionError
		if errors.As(err, &active) {
			return nil, err
		}

		return nil, fmt.Errorf("create voice session: %w", err)
	}

	return stored, nil
}

func (u *voiceSessionUsecase) Leave(ctx context.Context, channelID, userID uuid.UUID) error {
	if err := u.sessionRepo.Delete(ctx, channelID, userID); err != nil {
		return fmt.Errorf("delete voice session: %w", err)
	}

	return nil
}
