// Package lock provides non-blocking per-key locks used to serialize provisioning.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Memory is a process-local lock table.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// TryLock acquires key if free. ok is false when another holder has it.
func (m *Memory) TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[key]; busy {
		return nil, false, nil
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true, nil
}

// releaseScript deletes the key only while it still holds our token, so a lock that expired
// and was taken by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

const (
	defaultTTL   = 30 * time.Second
	minRenewal   = 100 * time.Millisecond
	releaseLimit = 5 * time.Second
)

// Redis is a lock shared by every replica of the service. A held lock is renewed every
// ttl/3, so ttl only bounds how long a crashed holder blocks others.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, prefix: "lock:workspace:", logger: logger}
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	redisKey := r.prefix + key

	ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock error: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	renewCtx, stopRenewal := context.WithCancel(context.WithoutCancel(ctx))
	renewed := make(chan struct{})
	go r.keepAlive(renewCtx, redisKey, token, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenewal()
			<-renewed
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseLimit)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Warn("failed to release lock", "key", redisKey, "error", err)
			}
		})
	}, true, nil
}

// keepAlive pushes the expiry of redisKey forward until ctx is cancelled or the key no
// longer holds token.
func (r *Redis) keepAlive(ctx context.Context, redisKey, token string, done chan<- struct{}) {
	defer close(done)

	interval := r.ttl / 3
	if interval < minRenewal {
		interval = minRenewal
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := renewScript.Run(ctx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Warn("failed to renew lock", "key", redisKey, "error", err)
			continue
		}
		if n == 0 {
			r.logger.Warn("lock lost before release", "key", redisKey)
			return
		}
	}
}
