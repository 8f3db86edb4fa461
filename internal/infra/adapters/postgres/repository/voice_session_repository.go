package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qrave1/voicelink/internal/domain"
	"github.com/qrave1/voicelink/internal/domain/models"
)

const voiceSessionColumns = "channel_id, user_id, is_muted, is_deafened, created_at, updated_at"

type VoiceSessionRepo struct {
	db *sqlx.DB
}

func NewVoiceSessionRepo(db *sqlx.DB) *VoiceSessionRepo {
	return &VoiceSessionRepo{db: db}
}

func (r *VoiceSessionRepo) GetByUser(ctx context.Context, userID uuid.UUID) (*models.VoiceSession, error) {
	var session models.VoiceSession

	query := "SELECT " + voiceSessionColumns + " FROM voice_sessions WHERE user_id = $1"

	err := r.db.GetContext(ctx, &session, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrVoiceSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get voice session: %w", err)
	}

	return &session, nil
}

// Create проверяет существующую сессию пользователя под advisory lock и только
// потом вставляет строку. Уникальный индекс по user_id страхует от гонок
// между клиентами.
func (r *VoiceSessionRepo) Create(ctx context.Context, session *models.VoiceSession) (*models.VoiceSession, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))", session.UserID); err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}

	var existing models.VoiceSession

	err = tx.GetContext(ctx, &existing, "SELECT "+voiceSessionColumns+" FROM voice_sessions WHERE user_id = $1", session.UserID)
	switch {
	case err == nil:
		if existing.ChannelID != session.ChannelID {
			return nil, &domain.ActiveSessionError{UserID: existing.UserID, ChannelID: existing.ChannelID}
		}

		return &existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check voice session: %w", err)
	}

	var created models.VoiceSession

	query := `INSERT INTO voice_sessions (channel_id, user_id, is_muted, is_deafened)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + voiceSessionColumns

	err = tx.GetContext(ctx, &created, query, session.ChannelID, session.UserID, session.IsMuted, session.IsDeafened)
	if err != nil {
		return nil, fmt.Errorf("insert voice session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit voice session: %w", err)
	}

	return &created, nil
}

func (r *VoiceSessionRepo) Delete(ctx context.Context, channelID, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM voice_sessions WHERE channel_id = $1 AND user_id = $2", channelID, userID)
	if err != nil {
		return fmt.Errorf("delete voice session: %w", err)
	}

	return nil
}

func (r *VoiceSessionRepo) ListByChannel(ctx context.Context, channelID uuid.UUID) ([]*models.VoiceSession, error) {
	var sessions []*models.VoiceSession

	query := "SELECT " + voiceSessionColumns + " FROM voice_sessions WHERE channel_id = $1 ORDER BY created_at"

	if err := r.db.SelectContext(ctx, &sessions, query, channelID); err != nil {
		return nil, fmt.Errorf("list voice sessions: %w", err)
	}

	return sessions, nil
}
