package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"voicedialer/internal/config"
)

const (
	// LockTTL is how long a held lock survives a crashed owner.
	LockTTL = 3 * time.Second
	// LockBlockTimeout bounds how long Acquire waits for a contended lock.
	LockBlockTimeout = 3 * time.Second
	// LockRetrySleep is the pause between acquisition attempts.
	LockRetrySleep = 50 * time.Millisecond
)

// ErrLockBusy is the definite "busy" signal returned when a lock could not
// be acquired within the blocking timeout. Callers must not proceed
// optimistically; the operation is retried on the next tick.
var ErrLockBusy = errors.New("store: lock busy")

// Store wraps the Redis connection that backs all volatile dialer state.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(cfg config.RedisConfig, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis")
	return &Store{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Client exposes the underlying connection for pipelined operations.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks backend liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// releaseScript deletes a lock key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a named advisory lock with a crash-expiry TTL.
type Lock struct {
	store *Store
	key   string
	token string
	held  bool
}

// NewLock creates an unacquired lock handle for key.
func (s *Store) NewLock(key, token string) *Lock {
	return &Lock{store: s, key: key, token: token}
}

// Acquire blocks up to LockBlockTimeout, retrying every LockRetrySleep.
// Returns ErrLockBusy when the lock stays contended for the whole window.
func (l *Lock) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(LockBlockTimeout)
	for {
		ok, err := l.store.client.SetNX(ctx, l.key, l.token, LockTTL).Result()
		if err != nil {
			return fmt.Errorf("acquiring lock %s: %w", l.key, err)
		}
		if ok {
			l.held = true
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(LockRetrySleep):
		}
	}
}

// Release frees the lock if this handle still owns it. Safe to call on
// every exit path, acquired or not.
func (l *Lock) Release(ctx context.Context) {
	if !l.held {
		return
	}
	l.held = false
	if err := releaseScript.Run(ctx, l.store.client, []string{l.key}, l.token).Err(); err != nil {
		l.store.logger.Error().Err(err).Str("lock", l.key).Msg("failed to release lock")
	}
}

// TryLockTTL attempts a single SET NX with an explicit TTL. Used for the
// tick-level and drain-debounce single-writer guards where contention means
// "skip this run", not "wait".
func (s *Store) TryLockTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring %s: %w", key, err)
	}
	return ok, nil
}

// Unlock deletes an unconditional TTL lock key.
func (s *Store) Unlock(ctx context.Context, key string) {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Error().Err(err).Str("lock", key).Msg("failed to delete lock key")
	}
}
