package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestDaemonRenewsTrackedLeases(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb)

	ctx := context.Background()
	ttl := 60 * time.Millisecond
	ok, err := l.Acquire(ctx, "alice", "worker-1", ttl)
	require.NoError(t, err)
	require.True(t, ok)

	logger := testLogger()
	d := NewDaemon(l, ttl, logger)
	d.Track("alice", "worker-1")

	runCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go d.Run(runCtx)

	mr.FastForward(50 * time.Millisecond)
	time.Sleep(250 * time.Millisecond)

	owner, held, err := l.Owner(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "worker-1", owner)
}

func TestDaemonUntrackStopsRenewal(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb)

	ctx := context.Background()
	ttl := 30 * time.Millisecond
	_, err = l.Acquire(ctx, "alice", "worker-1", ttl)
	require.NoError(t, err)

	d := NewDaemon(l, ttl, testLogger())
	d.Track("alice", "worker-1")
	d.Untrack("alice")

	d.renewAll(ctx)

	mr.FastForward(50 * time.Millisecond)
	_, held, err := l.Owner(context.Background(), "alice")
	require.NoError(t, err)
	require.False(t, held)
}
