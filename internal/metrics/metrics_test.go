package metrics

import (
	"context"
	"testing"

	"serialdispatch/internal/config"
	"serialdispatch/internal/log"
	"serialdispatch/internal/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := queue.NewStore(rdb)

	m := New(store, &config.Config{MetricsAddr: ":0"}, log.NewLogger())

	m.EnqueueTotal.Inc()
	m.DeliverTotal.WithLabelValues("success").Inc()
	m.RetryTotal.Inc()
	m.DeadLetterTotal.Inc()

	require.Equal(t, float64(1), testutil.ToFloat64(m.EnqueueTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RetryTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(m.DeadLetterTotal))
}

func TestCollectRefreshesActiveRecipientsGauge(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := queue.NewStore(rdb)
	require.NoError(t, store.Push(context.Background(), queue.New("alice", "hi", queue.KindReactive, nil)))

	m := New(store, &config.Config{MetricsAddr: ":0"}, log.NewLogger())
	m.refreshActiveRecipients(context.Background())

	require.Equal(t, float64(1), testutil.ToFloat64(m.ActiveRecipients))
}
