package realtime

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/qrave1/voicelink/internal/domain"
	"github.com/qrave1/voicelink/internal/domain/models"
)

func TestSessionStore_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	user, channel, other := uuid.New(), uuid.New(), uuid.New()

	store := NewSessionStore(ts.dialer(t, user))

	if _, err := store.GetByUser(ctx, user); !errors.Is(err, domain.ErrVoiceSessionNotFound) {
		t.Fatalf("expected ErrVoiceSessionNotFound, got %v", err)
	}

	session := models.NewVoiceSession(channel, user)
	session.IsMuted = true

	created, err := store.Create(ctx, session)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.UserID != user || created.ChannelID != channel || !created.IsMuted {
		t.Errorf("created = %+v", created)
	}

	again, err := store.Create(ctx, models.NewVoiceSession(channel, user))
	if err != nil {
		t.Fatalf("create same channel: %v", err)
	}
	if !again.CreatedAt.Equal(created.CreatedAt) {
		t.Error("same channel create must return the existing row")
	}

	_, err = store.Create(ctx, models.NewVoiceSession(other, user))

	var active *domain.ActiveSessionError
	if !errors.As(err, &active) || active.ChannelID != channel {
		t.Fatalf("expected ActiveSessionError for %s, got %v", channel, err)
	}

	got, err := store.GetByUser(ctx, user)
	if err != nil || got.ChannelID != channel {
		t.Fatalf("get = %+v, %v", got, err)
	}

	if err = store.Delete(ctx, channel, user); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err = store.Delete(ctx, channel, user); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	if _, err = store.GetByUser(ctx, user); !errors.Is(err, domain.ErrVoiceSessionNotFound) {
		t.Fatalf("row survived delete: %v", err)
	}
}

func TestSessionStore_Unauthorized(t *testing.T) {
	ts := newTestServer(t)

	store := NewSessionStore(NewDialer(ts.url, "garbage"))

	_, err := store.GetByUser(context.Background(), uuid.New())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
