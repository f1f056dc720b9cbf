package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/pkg/circuitbreaker"
	"studyroom/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope is what goes over the notification channel.
type Envelope struct {
	InstanceID   string             `json:"instanceId"`
	UserID       domain.UserID      `json:"userId"`
	Timestamp    time.Time          `json:"timestamp"`
	Notification ports.Notification `json:"notification"`
}

// RedisNotifier publishes user notifications on a Redis pub/sub channel for
// the push and inbox workers. Publishes go through a circuit breaker.
type RedisNotifier struct {
	client     *redis.Client
	channel    string
	instanceID string
	retry      retry.Config
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

func NewRedisNotifier(
	client *redis.Client,
	channel string,
	instanceID string,
	logger *zap.SugaredLogger,
) *RedisNotifier {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Debugw("retrying notification publish", "attempt", attempt, "wait", wait, "error", err)
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(), nil)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("notification publisher state changed", "from", from.String(), "to", to.String())
	})
	return &RedisNotifier{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		retry:      cfg,
		breaker:    breaker,
		logger:     logger,
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, userID domain.UserID, note ports.Notification) error {
	data, err := json.Marshal(Envelope{
		InstanceID:   n.instanceID,
		UserID:       userID,
		Timestamp:    time.Now(),
		Notification: note,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = n.breaker.Execute(func() error {
		return retry.Retry(ctx, n.retry, func() error {
			return n.client.Publish(ctx, n.channel, data).Err()
		})
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.Debugw("published notification", "type", note.Type, "user_id", userID)
	return nil
}

// Subscribe delivers notifications to handler until ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context, handler func(*Envelope) error) error {
	pubsub := n.client.Subscribe(ctx, n.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				n.logger.Warnw("failed to unmarshal notification", "error", err, "payload", msg.Payload)
				continue
			}
			if err := handler(&env); err != nil {
				n.logger.Warnw("error handling notification", "type", env.Notification.Type, "error", err)
			}
		}
	}
}

// LogNotifier records notifications in the log. It is used when Redis is
// not configured.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, userID domain.UserID, note ports.Notification) error {
	n.logger.Infow("notification",
		"user_id", userID,
		"type", note.Type,
		"title", note.Title,
		"message", note.Message,
	)
	return nil
}
