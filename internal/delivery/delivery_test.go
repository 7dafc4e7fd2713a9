package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"serialdispatch/internal/config"
	"serialdispatch/internal/log"
	"serialdispatch/internal/queue"
	"serialdispatch/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu         sync.Mutex
	sendResult transport.Result
	sendErr    error
	typingCalls int32
	sendCalls  int32
}

func (f *fakeTransport) Send(ctx context.Context, recipientID, text string) (transport.Result, error) {
	atomic.AddInt32(&f.sendCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendResult, f.sendErr
}

func (f *fakeTransport) Typing(ctx context.Context, recipientID string) error {
	atomic.AddInt32(&f.typingCalls, 1)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		MinTypingSpeed:       1000,
		MaxTypingSpeed:       1000,
		RandomOffsetMin:      0,
		RandomOffsetMax:      0,
		MaxDelay:             5 * time.Second,
		TypingInterval:       30 * time.Millisecond,
		TypingPulseThreshold: 20 * time.Millisecond,
		TransportTimeout:     time.Second,
	}
}

func TestDeliverSkipsDelayWhenFirstInSession(t *testing.T) {
	ft := &fakeTransport{sendResult: transport.Success}
	d := New(testConfig(), ft, log.NewLogger())

	msg := queue.New("alice", "hi", queue.KindReactive, nil)
	start := time.Now()
	res, err := d.Deliver(context.Background(), msg, true)
	require.NoError(t, err)
	assert.Equal(t, transport.Success, res)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestDeliverAppliesDelayWhenNotFirstInSession(t *testing.T) {
	cfg := testConfig()
	cfg.MinTypingSpeed = 10 // 10 chars/sec
	cfg.MaxTypingSpeed = 10
	ft := &fakeTransport{sendResult: transport.Success}
	d := New(cfg, ft, log.NewLogger())

	msg := queue.New("alice", "0123456789", queue.KindReactive, nil) // 10 chars -> ~1s delay
	start := time.Now()
	res, err := d.Deliver(context.Background(), msg, false)
	require.NoError(t, err)
	assert.Equal(t, transport.Success, res)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestDeliverEmitsTypingPulsesAboveThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MinTypingSpeed = 10
	cfg.MaxTypingSpeed = 10
	cfg.TypingInterval = 50 * time.Millisecond
	cfg.TypingPulseThreshold = 10 * time.Millisecond
	ft := &fakeTransport{sendResult: transport.Success}
	d := New(cfg, ft, log.NewLogger())

	// 5 chars @ 10/s = 500ms delay, interval 50ms -> multiple pulses expected.
	msg := queue.New("alice", "01234", queue.KindReactive, nil)
	_, err := d.Deliver(context.Background(), msg, false)
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt32(&ft.typingCalls), int32(1))
}

func TestDeliverNoPulsesBelowThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MinTypingSpeed = 1000
	cfg.MaxTypingSpeed = 1000
	cfg.TypingPulseThreshold = time.Second // delay will be far below this
	ft := &fakeTransport{sendResult: transport.Success}
	d := New(cfg, ft, log.NewLogger())

	msg := queue.New("alice", "hi", queue.KindReactive, nil)
	_, err := d.Deliver(context.Background(), msg, false)
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ft.typingCalls))
}

func TestDeliverReturnsTransientOnTransportError(t *testing.T) {
	ft := &fakeTransport{sendResult: transport.Transient, sendErr: errors.New("connection reset")}
	d := New(testConfig(), ft, log.NewLogger())

	msg := queue.New("alice", "hi", queue.KindReactive, nil)
	res, err := d.Deliver(context.Background(), msg, true)
	assert.Error(t, err)
	assert.Equal(t, transport.Transient, res)
}

func TestDeliverReturnsPermanentWithoutTrippingBreaker(t *testing.T) {
	ft := &fakeTransport{sendResult: transport.Permanent}
	d := New(testConfig(), ft, log.NewLogger())

	msg := queue.New("alice", "hi", queue.KindReactive, nil)
	res, err := d.Deliver(context.Background(), msg, true)
	require.NoError(t, err)
	assert.Equal(t, transport.Permanent, res)
}

func TestDeliverRespectsContextCancellationDuringDelay(t *testing.T) {
	cfg := testConfig()
	cfg.MinTypingSpeed = 1
	cfg.MaxTypingSpeed = 1
	ft := &fakeTransport{sendResult: transport.Success}
	d := New(cfg, ft, log.NewLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	msg := queue.New("alice", "a very long message that takes a while to type out", queue.KindReactive, nil)
	res, err := d.Deliver(ctx, msg, false)
	assert.Error(t, err)
	assert.Equal(t, transport.Transient, res)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ft.sendCalls))
}
