// Package enqueue implements the producer-facing entrypoint described in
// spec.md section 4.1: validate, stamp, and durably append a message to
// its recipient's queue.
package enqueue

import (
	"context"
	"fmt"

	"serialdispatch/internal/log"
	"serialdispatch/internal/metrics"
	"serialdispatch/internal/queue"
	"serialdispatch/internal/walbuffer"

	"go.uber.org/zap"
)

type Enqueuer struct {
	store   *queue.Store
	wal     *walbuffer.Buffer
	metrics *metrics.Metrics
	logger  *log.Logger
}

func New(store *queue.Store, wal *walbuffer.Buffer, m *metrics.Metrics, logger *log.Logger) *Enqueuer {
	return &Enqueuer{store: store, wal: wal, metrics: m, logger: logger}
}

// Enqueue validates and appends a message to recipientID's queue. The
// message is journaled before the Redis append so an operator can replay
// it even if the Redis write itself fails midway (spec.md section 9,
// "durability story").
func (e *Enqueuer) Enqueue(ctx context.Context, recipientID, text string, kind queue.Kind, metadata map[string]string) error {
	msg := queue.New(recipientID, text, kind, metadata)
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	if e.wal != nil {
		if err := e.wal.Append(msg); err != nil {
			e.logger.Error("Failed to journal outbound message", zap.String("recipient_id", recipientID), zap.Error(err))
		}
	}

	if err := e.store.Push(ctx, msg); err != nil {
		e.logger.Error("Failed to enqueue message", zap.String("recipient_id", recipientID), zap.Error(err))
		return err
	}
	e.metrics.EnqueueTotal.Inc()
	e.logger.Info("Enqueued message", zap.String("recipient_id", recipientID), zap.String("kind", string(kind)))
	return nil
}
