package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qrave1/voicelink/internal/domain/models"
)

type signalKey struct {
	topic      string
	receiverID uuid.UUID
}

type SignalRepository struct {
	// pending хранит map[{topic, receiver_id}][]*SignalingMessage
	pending map[signalKey][]*models.SignalingMessage
	now     func() time.Time

	mu sync.Mutex
}

func NewSignalRepository() *SignalRepository {
	return &SignalRepository{
		pending: make(map[signalKey][]*models.SignalingMessage),
		now:     time.Now,
	}
}

func (r *SignalRepository) Save(ctx context.Context, msg *models.SignalingMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := signalKey{topic: msg.Topic, receiverID: msg.ReceiverID}

	cp := *msg
	r.pending[key] = append(r.pending[key], &cp)

	return nil
}

// ConsumeFor удаляет сообщения получателя в топике и возвращает непросроченные
func (r *SignalRepository) ConsumeFor(ctx context.Context, topic string, receiverID uuid.UUID) ([]*models.SignalingMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := signalKey{topic: topic, receiverID: receiverID}

	stored := r.pending[key]
	delete(r.pending, key)

	now := r.now()
	out := make([]*models.SignalingMessage, 0, len(stored))

	for _, msg := range stored {
		if !msg.Expired(now) {
			out = append(out, msg)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (r *SignalRepository) PruneExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	var pruned int64

	for key, stored := range r.pending {
		keep := stored[:0]

		for _, msg := range stored {
			if msg.Expired(now) {
				pruned++
				continue
			}

			keep = append(keep, msg)
		}

		if len(keep) == 0 {
			delete(r.pending, key)
			continue
		}

		r.pending[key] = keep
	}

	return pruned, nil
}
