package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/qrave1/voicelink/internal/domain"
	"github.com/qrave1/voicelink/internal/domain/models"
	"github.com/qrave1/voicelink/internal/infra/adapters/postgres"
	"github.com/qrave1/voicelink/internal/infra/adapters/postgres/migrations"
)

// openTestDB needs a scratch database in VOICELINK_TEST_POSTGRES.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := os.Getenv("VOICELINK_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("VOICELINK_TEST_POSTGRES is not set")
	}

	ctx := context.Background()

	db, err := postgres.NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	goose.SetBaseFS(migrations.MigrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("dialect: %v", err)
	}
	if err := goose.UpContext(ctx, db.DB, "."); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if _, err := db.ExecContext(ctx, "TRUNCATE voice_sessions, signaling_messages"); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	return db
}

func TestVoiceSessionRepo_SingleSessionPerUser(t *testing.T) {
	db := openTestDB(t)
	repo := NewVoiceSessionRepo(db)
	ctx := context.Background()

	user, first, second := uuid.New(), uuid.New(), uuid.New()

	if _, err := repo.Create(ctx, models.NewVoiceSession(first, user)); err != nil {
		t.Fatalf("create: %v", err)
	}

	again, err := repo.Create(ctx, models.NewVoiceSession(first, user))
	if err != nil || again.ChannelID != first {
		t.Fatalf("same channel create = %+v, %v", again, err)
	}

	_, err = repo.Create(ctx, models.NewVoiceSession(second, user))

	var active *domain.ActiveSessionError
	if !errors.As(err, &active) || active.ChannelID != first {
		t.Fatalf("err = %v, want ActiveSessionError for %s", err, first)
	}

	if err := repo.Delete(ctx, first, user); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, first, user); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	if _, err := repo.GetByUser(ctx, user); !errors.Is(err, domain.ErrVoiceSessionNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestSignalRepo_ConsumeOnceAndSkipExpired(t *testing.T) {
	db := openTestDB(t)
	repo := NewSignalRepo(db)
	ctx := context.Background()

	topic, receiver := "voice-"+uuid.NewString(), uuid.New()
	live := models.NewSignalingMessage(topic, uuid.New(), receiver, json.RawMessage(`{"kind":"offer","attempt":1,"sdp":"v=0"}`), time.Minute)
	stale := models.NewSignalingMessage(topic, uuid.New(), receiver, json.RawMessage(`{}`), time.Minute)
	stale.ExpiresAt = time.Now().Add(-time.Minute)

	for _, m := range []*models.SignalingMessage{live, stale} {
		if err := repo.Save(ctx, m); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := repo.ConsumeFor(ctx, topic, receiver)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(got) != 1 || got[0].ID != live.ID {
		t.Fatalf("consumed %d messages, want only the live one", len(got))
	}

	again, _ := repo.ConsumeFor(ctx, topic, receiver)
	if len(again) != 0 {
		t.Error("message consumed twice")
	}
}

func TestSignalRepo_ConsumeScopedToTopic(t *testing.T) {
	db := openTestDB(t)
	repo := NewSignalRepo(db)
	ctx := context.Background()

	receiver := uuid.New()
	here, elsewhere := "voice-"+uuid.NewString(), "voice-"+uuid.NewString()

	msg := models.NewSignalingMessage(elsewhere, uuid.New(), receiver, json.RawMessage(`{"kind":"offer","attempt":1,"sdp":"v=0"}`), time.Minute)
	if err := repo.Save(ctx, msg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.ConsumeFor(ctx, here, receiver)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("consumed %d messages stored in another topic", len(got))
	}

	kept, _ := repo.ConsumeFor(ctx, elsewhere, receiver)
	if len(kept) != 1 || kept[0].ID != msg.ID {
		t.Errorf("message of the other topic was lost")
	}
}
