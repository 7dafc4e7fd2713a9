package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLease(t *testing.T) *Lease {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb)
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l := newTestLease(t)

	ok, err := l.Acquire(ctx, "alice", "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "alice", "worker-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRenewOnlySucceedsForOwner(t *testing.T) {
	ctx := context.Background()
	l := newTestLease(t)

	_, err := l.Acquire(ctx, "alice", "worker-1", time.Minute)
	require.NoError(t, err)

	ok, err := l.Renew(ctx, "alice", "worker-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = l.Renew(ctx, "alice", "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseOnlySucceedsForOwner(t *testing.T) {
	ctx := context.Background()
	l := newTestLease(t)

	_, err := l.Acquire(ctx, "alice", "worker-1", time.Minute)
	require.NoError(t, err)

	ok, err := l.Release(ctx, "alice", "worker-2")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = l.Release(ctx, "alice", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Once released, a new owner can acquire it.
	ok, err = l.Acquire(ctx, "alice", "worker-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOwnerReportsCurrentHolder(t *testing.T) {
	ctx := context.Background()
	l := newTestLease(t)

	_, held, err := l.Owner(ctx, "alice")
	require.NoError(t, err)
	require.False(t, held)

	_, err = l.Acquire(ctx, "alice", "worker-1", time.Minute)
	require.NoError(t, err)

	owner, held, err := l.Owner(ctx, "alice")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "worker-1", owner)
}

func TestExpiredLeaseCanBeReacquiredByAnotherOwner(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb)

	_, err = l.Acquire(ctx, "alice", "worker-1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	ok, err := l.Acquire(ctx, "alice", "worker-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// worker-1 must not be able to renew or release the lease it lost.
	ok, err = l.Renew(ctx, "alice", "worker-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = l.Release(ctx, "alice", "worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}
