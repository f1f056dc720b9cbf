package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisStudySessionRepository struct {
	client *redis.Client
}

func NewRedisStudySessionRepository(client *redis.Client) ports.StudySessionRepository {
	return &RedisStudySessionRepository{client: client}
}

func (r *RedisStudySessionRepository) Create(ctx context.Context, session *domain.StudySession) error {
	exists, err := r.client.Exists(ctx, sessionKey(session.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check study session in Redis: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("study session already exists: %s", session.ID)
	}
	return r.save(ctx, session)
}

func (r *RedisStudySessionRepository) getByID(ctx context.Context, id domain.SessionID) (*domain.StudySession, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get study session from Redis: %w", err)
	}

	var session domain.StudySession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal study session: %w", err)
	}
	return &session, nil
}

func (r *RedisStudySessionRepository) FindOpen(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (*domain.StudySession, error) {
	id, err := r.client.Get(ctx, openSessionKey(userID, roomID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open session from Redis: %w", err)
	}

	session, err := r.getByID(ctx, domain.SessionID(id))
	if err != nil {
		return nil, err
	}
	if !session.Open() {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (r *RedisStudySessionRepository) Update(ctx context.Context, session *domain.StudySession) error {
	exists, err := r.client.Exists(ctx, sessionKey(session.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check study session in Redis: %w", err)
	}
	if exists == 0 {
		return domain.ErrSessionNotFound
	}
	return r.save(ctx, session)
}

func (r *RedisStudySessionRepository) save(ctx context.Context, session *domain.StudySession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal study session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(session.ID), data, 0)
	if session.Open() {
		pipe.Set(ctx, openSessionKey(session.UserID, session.RoomID), string(session.ID), 0)
		pipe.SAdd(ctx, roomOpenSessionsKey(session.RoomID), string(session.ID))
	} else {
		pipe.Del(ctx, openSessionKey(session.UserID, session.RoomID))
		pipe.SRem(ctx, roomOpenSessionsKey(session.RoomID), string(session.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save study session in Redis: %w", err)
	}
	return nil
}

func (r *RedisStudySessionRepository) ListOpenByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.StudySession, error) {
	ids, err := r.client.SMembers(ctx, roomOpenSessionsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}

	sessions := make([]*domain.StudySession, 0, len(ids))
	for _, id := range ids {
		session, err := r.getByID(ctx, domain.SessionID(id))
		if err == domain.ErrSessionNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.Open() {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}
