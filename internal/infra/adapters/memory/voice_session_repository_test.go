package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/qrave1/voicelink/internal/domain"
	"github.com/qrave1/voicelink/internal/domain/models"
)

func TestVoiceSessionRepository_CreateRejectsOtherChannel(t *testing.T) {
	ctx := context.Background()
	repo := NewVoiceSessionRepository()
	user := uuid.New()
	first, second := uuid.New(), uuid.New()

	if _, err := repo.Create(ctx, models.NewVoiceSession(first, user)); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := repo.Create(ctx, models.NewVoiceSession(second, user))

	var active *domain.ActiveSessionError
	if !errors.As(err, &active) {
		t.Fatalf("expected ActiveSessionError, got %v", err)
	}
	if active.ChannelID != first {
		t.Errorf("active channel = %s, want %s", active.ChannelID, first)
	}
}

func TestVoiceSessionRepository_CreateSameChannelReturnsExisting(t *testing.T) {
	ctx := context.Background()
	repo := NewVoiceSessionRepository()
	user, channel := uuid.New(), uuid.New()

	row := models.NewVoiceSession(channel, user)
	row.IsMuted = true

	if _, err := repo.Create(ctx, row); err != nil {
		t.Fatalf("create: %v", err)
	}

	again, err := repo.Create(ctx, models.NewVoiceSession(channel, user))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !again.IsMuted {
		t.Error("expected the stored row to be returned")
	}

	list, _ := repo.ListByChannel(ctx, channel)
	if len(list) != 1 {
		t.Errorf("rows in channel = %d, want 1", len(list))
	}
}

func TestVoiceSessionRepository_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewVoiceSessionRepository()
	user, channel := uuid.New(), uuid.New()

	_, _ = repo.Create(ctx, models.NewVoiceSession(channel, user))

	for i := 0; i < 2; i++ {
		if err := repo.Delete(ctx, channel, user); err != nil {
			t.Fatalf("delete #%d: %v", i, err)
		}
	}

	if _, err := repo.GetByUser(ctx, user); !errors.Is(err, domain.ErrVoiceSessionNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestVoiceSessionRepository_DeleteOtherChannelKeepsRow(t *testing.T) {
	ctx := context.Background()
	repo := NewVoiceSessionRepository()
	user, channel := uuid.New(), uuid.New()

	_, _ = repo.Create(ctx, models.NewVoiceSession(channel, user))
	_ = repo.Delete(ctx, uuid.New(), user)

	if _, err := repo.GetByUser(ctx, user); err != nil {
		t.Errorf("row removed by delete for another channel: %v", err)
	}
}

func TestVoiceSessionRepository_ConcurrentCreateSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewVoiceSessionRepository()
	user := uuid.New()

	const n = 16

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins = map[uuid.UUID]bool{}
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			channel := uuid.New()
			if _, err := repo.Create(ctx, models.NewVoiceSession(channel, user)); err == nil {
				mu.Lock()
				wins[channel] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("successful creates = %d, want 1", len(wins))
	}
}
