package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/qrave1/voicelink/internal/domain"
	"github.com/qrave1/voicelink/internal/domain/models"
	"github.com/qrave1/voicelink/internal/infra/ports/http/dto"
	"github.com/qrave1/voicelink/internal/voice"
)

// SessionStore хранит VoiceSession через REST API сервера.
// Пользователь берется из токена, поле UserID в запросах не передается.
type SessionStore struct {
	d *Dialer
}

var _ voice.SessionStore = (*SessionStore)(nil)

func NewSessionStore(d *Dialer) *SessionStore {
	return &SessionStore{d: d}
}

func (s *SessionStore) GetByUser(ctx context.Context, userID uuid.UUID) (*models.VoiceSession, error) {
	resp, err := s.d.do(ctx, http.MethodGet, "/api/v1/voice-sessions/me", nil)
	if err != nil {
		return nil, fmt.Errorf("get voice session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrVoiceSessionNotFound
	}

	if err = expectStatus(resp, http.StatusOK); err != nil {
		return nil, fmt.Errorf("get voice session: %w", err)
	}

	return decodeSession(resp)
}

func (s *SessionStore) Create(ctx context.Context, session *models.VoiceSession) (*models.VoiceSession, error) {
	path := fmt.Sprintf("/api/v1/channels/%s/voice-sessions", session.ChannelID)

	resp, err := s.d.do(ctx, http.MethodPost, path, dto.JoinVoiceSessionRequest{
		IsMuted:    session.IsMuted,
		IsDeafened: session.IsDeafened,
	})
	if err != nil {
		return nil, fmt.Errorf("create voice session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var conflict dto.ActiveSessionResponse

		if err = json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, fmt.Errorf("decode conflict: %w", err)
		}

		return nil, &domain.ActiveSessionError{UserID: session.UserID, ChannelID: conflict.ChannelID}
	}

	if err = expectStatus(resp, http.StatusOK, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("create voice session: %w", err)
	}

	return decodeSession(resp)
}

func (s *SessionStore) Delete(ctx context.Context, channelID, userID uuid.UUID) error {
	resp, err := s.d.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/channels/%s/voice-sessions/me", channelID), nil)
	if err != nil {
		return fmt.Errorf("delete voice session: %w", err)
	}
	defer resp.Body.Close()

	if err = expectStatus(resp, http.StatusNoContent, http.StatusOK); err != nil {
		return fmt.Errorf("delete voice session: %w", err)
	}

	return nil
}

func decodeSession(resp *http.Response) (*models.VoiceSession, error) {
	var session models.VoiceSession

	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode voice session: %w", err)
	}

	if session.UserID == uuid.Nil {
		return nil, errors.New("decode voice session: empty user id")
	}

	return &session, nil
}
