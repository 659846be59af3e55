package detect

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes detection runs against the same sink. Two concurrent
// runs scoring the same subject could otherwise both pass the dedup and
// watermark checks and double-insert; a single writer per run keyed on the
// engine name prevents that.
type Locker interface {
	// Acquire takes the named lock for at most ttl. Returns a release
	// function on success, or ErrRunLocked if another run holds it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

// RedisLockConfig holds Redis connection settings for the run lock.
type RedisLockConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisLockConfig returns the default run lock configuration.
func DefaultRedisLockConfig() RedisLockConfig {
	return RedisLockConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisLocker implements Locker with SET NX on a shared Redis.
type RedisLocker struct {
	client *redis.Client
}

// releaseScript deletes the lock only if this run still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// NewRedisLocker creates a RedisLocker and verifies the connection.
func NewRedisLocker(cfg RedisLockConfig) (*RedisLocker, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLocker{client: client}, nil
}

// Acquire takes the named lock via SET NX with a per-run token.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := "sentinel:runlock:" + name
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("run lock acquire failed: %w", err)
	}
	if !ok {
		return nil, ErrRunLocked
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// LocalLocker is an in-process Locker for single-node deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]bool
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]bool)}
}

// Acquire takes the named lock.
func (l *LocalLocker) Acquire(_ context.Context, name string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[name] {
		return nil, ErrRunLocked
	}
	l.locks[name] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.locks, name)
	}, nil
}
