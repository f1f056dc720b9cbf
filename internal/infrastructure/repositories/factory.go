package repositories

import (
	"studyroom/internal/core/ports"
	"studyroom/internal/infrastructure/repositories/memory"
	redisrepo "studyroom/internal/infrastructure/repositories/redis"
	"studyroom/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Store is the set of repositories the server runs on. All four share one
// backend.
type Store struct {
	Rooms    ports.RoomRepository
	Users    ports.UserRepository
	Sessions ports.StudySessionRepository
	Messages ports.MessageRepository

	backend Backend
	client  *redis.Client
}

// Open builds the store. When Redis is enabled but unreachable the server
// still starts, on process memory, and says so in the log.
func Open(cfg *config.Config, logger *zap.SugaredLogger) *Store {
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, logger)
		if err == nil {
			logger.Infow("repositories ready", "backend", BackendRedis, "address", cfg.Redis.Address)
			return &Store{
				Rooms:    redisrepo.NewRedisRoomRepository(client),
				Users:    redisrepo.NewRedisUserRepository(client),
				Sessions: redisrepo.NewRedisStudySessionRepository(client),
				Messages: redisrepo.NewRedisMessageRepository(client),
				backend:  BackendRedis,
				client:   client,
			}
		}
		logger.Warnw("Redis unavailable, rooms and quotas will not survive a restart", "address", cfg.Redis.Address, "error", err)
	}

	logger.Infow("repositories ready", "backend", BackendMemory)
	return NewMemoryStore()
}

func NewMemoryStore() *Store {
	return &Store{
		Rooms:    memory.NewMemoryRoomRepository(),
		Users:    memory.NewMemoryUserRepository(),
		Sessions: memory.NewMemoryStudySessionRepository(),
		Messages: memory.NewMemoryMessageRepository(),
		backend:  BackendMemory,
	}
}

func (s *Store) Backend() Backend { return s.backend }

// Redis is the shared client, nil on the memory backend. Cross-instance
// notifications and leases are only available when it is set.
func (s *Store) Redis() *redis.Client { return s.client }

func (s *Store) Close() error {
	return redisrepo.CloseRedisClient(s.client)
}
