package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript renews the key's TTL only if it still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix is prepended to every lock key.
	Prefix string
	// TTL bounds how long a lock survives a crashed holder. A held lock is
	// renewed every TTL/3 until it is released.
	TTL time.Duration
	// RetryInterval is the delay between acquisition attempts.
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	client        *redis.Client
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	l := &RedisLocker{
		client: redis.NewClient(&redis.Options{
			Addr:       addr,
			Username:   strings.TrimSpace(cfg.Username),
			Password:   cfg.Password,
			DB:         cfg.DB,
			MaxRetries: 2,
		}),
		prefix:        cfg.Prefix,
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger,
	}
	if l.prefix == "" {
		l.prefix = "livephoto:lock:"
	}
	if l.ttl <= 0 {
		l.ttl = 5 * time.Minute
	}
	if l.retryInterval <= 0 {
		l.retryInterval = 50 * time.Millisecond
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}

	if err := l.client.Ping(ctx).Err(); err != nil {
		_ = l.client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return l, nil
}

// Lock polls SET NX until the lock is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	redisKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %q: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := unlockScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release lock",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}, nil
}

// keepAlive renews the lock until stop is closed or the lock is lost.
func (l *RedisLocker) keepAlive(key, redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			l.logger.Warn("failed to extend lock", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		if n == 0 {
			l.logger.Error("lock lost before release", slog.String("key", key))
			return
		}
	}
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
