package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewWithClient(client, zerolog.Nop())
}

func TestLockAcquireRelease(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()

	lock := s.NewLock("test:lock", "token-a")
	require.NoError(t, lock.Acquire(ctx))
	require.True(t, mr.Exists("test:lock"))

	lock.Release(ctx)
	require.False(t, mr.Exists("test:lock"))
}

func TestReleaseOnlyFreesOwnToken(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()

	holder := s.NewLock("test:lock", "token-a")
	require.NoError(t, holder.Acquire(ctx))

	// A stale handle whose TTL expired; the key now belongs to holder.
	stale := s.NewLock("test:lock", "token-b")
	stale.held = true
	stale.Release(ctx)

	require.True(t, mr.Exists("test:lock"))
	got, err := mr.Get("test:lock")
	require.NoError(t, err)
	require.Equal(t, "token-a", got)
}

func TestAcquireContendedReturnsBusy(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()

	holder := s.NewLock("test:lock", "token-a")
	require.NoError(t, holder.Acquire(ctx))

	contender := s.NewLock("test:lock", "token-b")
	start := time.Now()
	err := contender.Acquire(ctx)
	require.ErrorIs(t, err, ErrLockBusy)
	require.GreaterOrEqual(t, time.Since(start), LockBlockTimeout)

	// After the holder's TTL lapses the contender gets through.
	mr.FastForward(LockTTL + time.Second)
	require.NoError(t, contender.Acquire(ctx))
}

func TestTryLockTTL(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.TryLockTTL(ctx, DialerExecutionLockKey, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryLockTTL(ctx, DialerExecutionLockKey, 10*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	s.Unlock(ctx, DialerExecutionLockKey)
	ok, err = s.TryLockTTL(ctx, DialerExecutionLockKey, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}
