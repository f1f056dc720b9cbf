// Package distributed holds coordination primitives shared by replicas
// through Redis.
package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Take the key if it is free, or extend it if we already own it.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if cur == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Leaser hands out named, time-bounded leases. The holder keeps a lease by
// acquiring it again before it lapses; a crashed holder loses it after ttl.
type Leaser struct {
	client *redis.Client
	prefix string
	owner  string
}

// NewLeaser identifies this process by owner. An empty owner gets a random
// one.
func NewLeaser(client *redis.Client, prefix, owner string) *Leaser {
	if owner == "" {
		owner = randomOwner()
	}
	return &Leaser{client: client, prefix: prefix, owner: owner}
}

func (l *Leaser) Owner() string { return l.owner }

// Acquire reports whether this process holds the lease named name for the
// next ttl.
func (l *Leaser) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		return false, fmt.Errorf("lease ttl too short: %s", ttl)
	}
	n, err := acquireScript.Run(ctx, l.client, []string{l.prefix + name}, l.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return n == 1, nil
}

// Release gives the lease up early. Releasing a lease held by someone else
// does nothing.
func (l *Leaser) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, l.owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

func randomOwner() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
