package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qrave1/voicelink/internal/domain/models"
)

type SignalRepo struct {
	db *sqlx.DB
}

func NewSignalRepo(db *sqlx.DB) *SignalRepo {
	return &SignalRepo{db: db}
}

func (r *SignalRepo) Save(ctx context.Context, msg *models.SignalingMessage) error {
	query := `INSERT INTO signaling_messages (id, topic, sender_id, receiver_id, signal, created_at, expires_at)
		VALUES (:id, :topic, :sender_id, :receiver_id, :signal, :created_at, :expires_at)`

	if _, err := r.db.NamedExecContext(ctx, query, msg); err != nil {
		return fmt.Errorf("save signal: %w", err)
	}

	return nil
}

// ConsumeFor удаляет сообщения получателя в топике и возвращает непросроченные.
// Каждое сообщение отдается не больше одного раза.
func (r *SignalRepo) ConsumeFor(ctx context.Context, topic string, receiverID uuid.UUID) ([]*models.SignalingMessage, error) {
	var messages []*models.SignalingMessage

	query := `WITH consumed AS (
			DELETE FROM signaling_messages WHERE topic = $1 AND receiver_id = $2
			RETURNING id, topic, sender_id, receiver_id, signal, created_at, expires_at
		)
		SELECT * FROM consumed WHERE expires_at > now() ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &messages, query, topic, receiverID); err != nil {
		return nil, fmt.Errorf("consume signals: %w", err)
	}

	return messages, nil
}

func (r *SignalRepo) PruneExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM signaling_messages WHERE expires_at <= now()")
	if err != nil {
		return 0, fmt.Errorf("prune signals: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune signals rows affected: %w", err)
	}

	return n, nil
}
