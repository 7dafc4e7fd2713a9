// Package dispatch implements the long-running loop described in
// spec.md section 4.3: a supervisor that discovers active recipients and
// spawns one cooperative task per recipient, each of which acquires the
// recipient's lease and serializes delivery for it.
package dispatch

import (
	"context"
	"sync"
	"time"

	"serialdispatch/internal/config"
	"serialdispatch/internal/delivery"
	"serialdispatch/internal/lease"
	"serialdispatch/internal/log"
	"serialdispatch/internal/metrics"
	"serialdispatch/internal/queue"
	"serialdispatch/internal/transport"

	"go.uber.org/zap"
)

type Dispatcher struct {
	cfg      *config.Config
	store    *queue.Store
	lease    *lease.Lease
	daemon   *lease.Daemon
	delivery *delivery.Delivery
	metrics  *metrics.Metrics
	logger   *log.Logger
	ownerID  string

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *config.Config, store *queue.Store, ls *lease.Lease, daemon *lease.Daemon, dv *delivery.Delivery, m *metrics.Metrics, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		lease:    ls,
		daemon:   daemon,
		delivery: dv,
		metrics:  m,
		logger:   logger,
		ownerID:  cfg.WorkerID,
		running:  make(map[string]context.CancelFunc),
	}
}

// Run recovers active-recipient membership from persistent state, then
// supervises until ctx is cancelled. Cancelling ctx stops new
// per-recipient tasks and also cancels the running ones: a delivery still
// in its delay or send is cut short, and the message it carried is left in
// inflight:{rid} until recoverInflight requeues it on the next start (so
// it may be sent again). Run returns once every task has exited.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recoverActiveSet(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(d.cfg.DispatcherScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher shutting down, waiting for per-recipient tasks to exit")
			d.wg.Wait()
			return nil
		case <-ticker.C:
			d.scanAndSpawn(ctx)
		}
	}
}

// recoverActiveSet first reclaims messages a crashed worker left staged
// in inflight:{rid} without ever Ack'ing, requeuing, or dead-lettering
// them, then reconstructs active_recipients membership from queue:*
// keys — the mechanism that guarantees messages enqueued (or stranded
// mid-delivery) before a crash are replayed once a Dispatcher starts
// again (spec.md section 4.3, "Startup"; section 8, "no loss"/"recovery").
func (d *Dispatcher) recoverActiveSet(ctx context.Context) error {
	if err := d.recoverInflight(ctx); err != nil {
		return err
	}

	keys, err := d.store.ScanQueueKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		recipientID, ok := queue.RecipientFromQueueKey(key)
		if !ok {
			continue
		}
		n, err := d.store.QueueLen(ctx, recipientID)
		if err != nil {
			d.logger.Error("Failed to read queue length during recovery", zap.String("recipient_id", recipientID), zap.Error(err))
			continue
		}
		if n > 0 {
			if err := d.store.AddActive(ctx, recipientID); err != nil {
				d.logger.Error("Failed to mark recipient active during recovery", zap.String("recipient_id", recipientID), zap.Error(err))
			}
		}
	}
	d.logger.Info("Dispatcher startup recovery complete", zap.Int("queues_scanned", len(keys)))
	return nil
}

// recoverInflight scans inflight:* and requeues any leftover entries onto
// the head of their recipient's queue. Under normal operation a
// recipient's inflight list holds at most one message, cleared by
// Ack/Requeue/DeadLetter before the next PopFront; a non-empty inflight
// list at startup means the previous owner crashed after PopFront but
// before reaching a terminal state for that message, so it is neither
// delivered nor dead-lettered anywhere (spec.md section 8, property 3
// "no loss" and property 6 "recovery"; Scenario E).
func (d *Dispatcher) recoverInflight(ctx context.Context) error {
	keys, err := d.store.ScanInflightKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		recipientID, ok := queue.RecipientFromInflightKey(key)
		if !ok {
			continue
		}
		n, err := d.store.RecoverInflight(ctx, recipientID)
		if err != nil {
			d.logger.Error("Failed to recover in-flight message", zap.String("recipient_id", recipientID), zap.Error(err))
			continue
		}
		if n > 0 {
			d.logger.Warn("Requeued message(s) stranded in-flight by a prior crash",
				zap.String("recipient_id", recipientID), zap.Int("count", n))
			if err := d.store.AddActive(ctx, recipientID); err != nil {
				d.logger.Error("Failed to mark recipient active after inflight recovery", zap.String("recipient_id", recipientID), zap.Error(err))
			}
		}
	}
	return nil
}

// scanAndSpawn discovers active recipients not already being served by
// this worker and spawns a per-recipient task for each. Every active
// recipient gets its own concurrent task on every scan, so no recipient
// is ever skipped while others have backlog (spec.md section 4.3,
// "Starvation across recipients").
func (d *Dispatcher) scanAndSpawn(ctx context.Context) {
	members, err := d.store.ActiveMembers(ctx)
	if err != nil {
		d.logger.Error("Failed to scan active recipients", zap.Error(err))
		return
	}
	for _, recipientID := range members {
		d.mu.Lock()
		_, alreadyRunning := d.running[recipientID]
		if alreadyRunning {
			d.mu.Unlock()
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		d.running[recipientID] = cancel
		d.wg.Add(1)
		d.mu.Unlock()

		go d.runRecipient(taskCtx, recipientID)
	}
}

func (d *Dispatcher) runRecipient(ctx context.Context, recipientID string) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.running, recipientID)
		d.mu.Unlock()
	}()

	acquired, err := d.lease.Acquire(ctx, recipientID, d.ownerID, d.cfg.LeaseTTL)
	if err != nil {
		d.logger.Error("Failed to acquire lease", zap.String("recipient_id", recipientID), zap.Error(err))
		return
	}
	if !acquired {
		// Another worker owns this recipient; yield back to the next scan.
		return
	}
	d.daemon.Track(recipientID, d.ownerID)
	defer func() {
		d.daemon.Untrack(recipientID)
		if _, err := d.lease.Release(context.Background(), recipientID, d.ownerID); err != nil {
			d.logger.Error("Failed to release lease", zap.String("recipient_id", recipientID), zap.Error(err))
		}
	}()

	d.serve(ctx, recipientID)
}

// serve is the per-recipient loop from spec.md section 4.3's pseudocode.
func (d *Dispatcher) serve(ctx context.Context, recipientID string) {
	firstInSession := true
	for {
		if ctx.Err() != nil {
			return
		}

		msg, raw, err := d.store.PopFront(ctx, recipientID)
		if err != nil {
			if raw != nil {
				// MalformedPayload: deserialization failed. Treated as a
				// PermanentTransportFail without a send attempt
				// (spec.md section 7).
				if dlqErr := d.store.MoveRawToDeadLetter(ctx, recipientID, raw, "malformed payload"); dlqErr != nil {
					d.logger.Error("Failed to dead-letter malformed payload", zap.String("recipient_id", recipientID), zap.Error(dlqErr))
					return
				}
				d.metrics.DeadLetterTotal.Inc()
				continue
			}
			d.logger.Error("Failed to pop message", zap.String("recipient_id", recipientID), zap.Error(err))
			return
		}

		if msg == nil {
			if !d.handleEmptyQueue(ctx, recipientID) {
				return
			}
			continue
		}

		if msg.RetryCount > d.cfg.MaxRetries {
			if err := d.store.MoveToDeadLetter(ctx, recipientID, raw, *msg, "retry bound exceeded at dequeue"); err != nil {
				d.logger.Error("Failed to dead-letter over-retried message", zap.String("recipient_id", recipientID), zap.Error(err))
				return
			}
			d.metrics.DeadLetterTotal.Inc()
			continue
		}

		if ok, err := d.lease.Renew(ctx, recipientID, d.ownerID, d.cfg.LeaseTTL); err != nil || !ok {
			d.logger.Warn("Lost lease before delivery, abandoning task", zap.String("recipient_id", recipientID), zap.Error(err))
			return
		}

		result, deliverErr := d.delivery.Deliver(ctx, *msg, firstInSession)
		firstInSession = false
		if deliverErr != nil && ctx.Err() != nil {
			return
		}

		if !d.handleResult(ctx, recipientID, raw, *msg, result) {
			return
		}
	}
}

// handleEmptyQueue implements the empty-but-member race fix from
// spec.md section 4.3: remove membership, then re-check queue length in
// case a producer appended concurrently after the pop observed nothing.
// Returns false when this recipient's task should terminate.
func (d *Dispatcher) handleEmptyQueue(ctx context.Context, recipientID string) bool {
	if err := d.store.RemoveActive(ctx, recipientID); err != nil {
		d.logger.Error("Failed to remove recipient from active set", zap.String("recipient_id", recipientID), zap.Error(err))
		return false
	}
	n, err := d.store.QueueLen(ctx, recipientID)
	if err != nil {
		d.logger.Error("Failed to recheck queue length", zap.String("recipient_id", recipientID), zap.Error(err))
		return false
	}
	if n == 0 {
		return false
	}
	if err := d.store.AddActive(ctx, recipientID); err != nil {
		d.logger.Error("Failed to re-add recipient to active set", zap.String("recipient_id", recipientID), zap.Error(err))
		return false
	}
	return true
}

func (d *Dispatcher) handleResult(ctx context.Context, recipientID string, raw []byte, msg queue.Message, result transport.Result) bool {
	d.metrics.DeliverTotal.WithLabelValues(result.String()).Inc()

	switch result {
	case transport.Success:
		if err := d.store.AckInflight(ctx, recipientID, raw); err != nil {
			d.logger.Error("Failed to ack delivered message", zap.String("recipient_id", recipientID), zap.Error(err))
			return false
		}
		return true

	case transport.Transient:
		if msg.RetryCount < d.cfg.MaxRetries {
			msg.RetryCount++
			if err := d.store.RequeueHead(ctx, recipientID, raw, msg); err != nil {
				d.logger.Error("Failed to requeue transient failure", zap.String("recipient_id", recipientID), zap.Error(err))
				return false
			}
			d.metrics.RetryTotal.Inc()
			backoff := d.backoff(msg.RetryCount)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false
			}
			if ok, err := d.lease.Renew(ctx, recipientID, d.ownerID, d.cfg.LeaseTTL); err != nil || !ok {
				d.logger.Warn("Lost lease during backoff wait", zap.String("recipient_id", recipientID), zap.Error(err))
				return false
			}
			return true
		}
		if err := d.store.MoveToDeadLetter(ctx, recipientID, raw, msg, "transient failures exhausted retries"); err != nil {
			d.logger.Error("Failed to dead-letter exhausted message", zap.String("recipient_id", recipientID), zap.Error(err))
			return false
		}
		d.metrics.DeadLetterTotal.Inc()
		return true

	case transport.Permanent:
		if err := d.store.MoveToDeadLetter(ctx, recipientID, raw, msg, "permanent transport failure"); err != nil {
			d.logger.Error("Failed to dead-letter permanent failure", zap.String("recipient_id", recipientID), zap.Error(err))
			return false
		}
		d.metrics.DeadLetterTotal.Inc()
		return true

	default:
		d.logger.Error("Unknown delivery result", zap.String("recipient_id", recipientID))
		return false
	}
}

// backoff implements spec.md section 4.4: min(BaseBackoff * 2^retry, MaxBackoff).
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	b := d.cfg.BaseBackoff
	for i := 0; i < retryCount && b < d.cfg.MaxBackoff; i++ {
		b *= 2
	}
	if b > d.cfg.MaxBackoff {
		b = d.cfg.MaxBackoff
	}
	return b
}
