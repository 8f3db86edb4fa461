package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/domain/events"
)

const writeWait = 10 * time.Second

var ErrMemberNotFound = errors.New("topic member not found")

// TopicMemberRepository хранит подписчиков realtime топиков и их соединения
type TopicMemberRepository interface {
	// Add регистрирует соединение. Если пользователь уже подписан на топик,
	// старое соединение заменяется и возвращается.
	Add(topic string, presence events.Presence, conn *websocket.Conn) (replaced *websocket.Conn)

	// Remove удаляет подписку, только если она принадлежит conn
	Remove(topic string, userID uuid.UUID, conn *websocket.Conn) bool

	Has(topic string, userID uuid.UUID) bool
	Members(topic string) []events.Presence

	Write(topic string, userID uuid.UUID, payload any) error
	Broadcast(topic string, except uuid.UUID, payload any)
}

type safeWS struct {
	conn     *websocket.Conn
	presence events.Presence
	mu       sync.Mutex
}

func (s *safeWS) write(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return s.conn.WriteJSON(payload)
}

type topicMemberRepository struct {
	// topics хранит map[topic]map[user_id]*safeWS
	topics map[string]map[uuid.UUID]*safeWS

	mu sync.RWMutex
}

func NewTopicMemberRepository() TopicMemberRepository {
	return &topicMemberRepository{
		topics: make(map[string]map[uuid.UUID]*safeWS, 10),
	}
}

func (r *topicMemberRepository) Add(topic string, presence events.Presence, conn *websocket.Conn) *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.topics[topic]
	if !ok {
		members = make(map[uuid.UUID]*safeWS)
		r.topics[topic] = members
	}

	var replaced *websocket.Conn

	if old, ok := members[presence.UserID]; ok {
		replaced = old.conn
		// присутствие не прерывалось
		presence.JoinedAt = old.presence.JoinedAt
	}

	members[presence.UserID] = &safeWS{conn: conn, presence: presence}

	return replaced
}

func (r *topicMemberRepository) Remove(topic string, userID uuid.UUID, conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.topics[topic]
	if !ok {
		return false
	}

	current, ok := members[userID]
	if !ok || current.conn != conn {
		return false
	}

	delete(members, userID)

	if len(members) == 0 {
		delete(r.topics, topic)
	}

	return true
}

func (r *topicMemberRepository) Has(topic string, userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.topics[topic][userID]

	return ok
}

func (r *topicMemberRepository) Members(topic string) []events.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.topics[topic]
	out := make([]events.Presence, 0, len(members))

	for _, m := range members {
		out = append(out, m.presence)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })

	return out
}

func (r *topicMemberRepository) Write(topic string, userID uuid.UUID, payload any) error {
	member, ok := r.get(topic, userID)
	if !ok {
		return ErrMemberNotFound
	}

	if err := member.write(payload); err != nil {
		return fmt.Errorf("write to websocket: %w", err)
	}

	return nil
}

func (r *topicMemberRepository) Broadcast(topic string, except uuid.UUID, payload any) {
	r.mu.RLock()
	targets := make([]*safeWS, 0, len(r.topics[topic]))
	for id, m := range r.topics[topic] {
		if id != except {
			targets = append(targets, m)
		}
	}
	r.mu.RUnlock()

	for _, m := range targets {
		if err := m.write(payload); err != nil {
			slog.Error(
				"broadcast to websocket",
				slog.String(constant.Topic, topic),
				slog.Any(constant.UserID, m.presence.UserID),
				slog.Any(constant.Error, err),
			)
		}
	}
}

func (r *topicMemberRepository) get(topic string, userID uuid.UUID) (*safeWS, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.topics[topic][userID]

	return m, ok
}
