package lease

import (
	"context"
	"sync"
	"time"

	"serialdispatch/internal/log"

	"go.uber.org/zap"
)

// Daemon periodically re-extends every lease this worker currently holds.
// It is a belt-and-suspenders safety net, not the primary renewal
// mechanism: spec.md section 4.3 mandates that the Dispatcher renew a
// recipient's lease inline before each delivered message and whenever a
// wait exceeds half the TTL. Daemon exists for the case where a worker
// process has many recipient tasks and wants a single background ticker
// that guarantees no held lease is ever left unrenewed, adapted from the
// original system's standalone lease-renewal loop.
type Daemon struct {
	lease *Lease
	ttl   time.Duration
	logger *log.Logger

	mu    sync.Mutex
	owned map[string]string // recipientID -> ownerID
}

func NewDaemon(lease *Lease, ttl time.Duration, logger *log.Logger) *Daemon {
	return &Daemon{
		lease:  lease,
		ttl:    ttl,
		logger: logger,
		owned:  make(map[string]string),
	}
}

// Track registers a held lease so the daemon renews it until Untrack is
// called. Call this immediately after a successful Acquire.
func (d *Daemon) Track(recipientID, ownerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owned[recipientID] = ownerID
}

// Untrack stops renewing a lease, typically once it is released.
func (d *Daemon) Untrack(recipientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.owned, recipientID)
}

func (d *Daemon) Run(ctx context.Context) {
	period := d.ttl / 3
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Lease daemon shutting down")
			return
		case <-ticker.C:
			d.renewAll(ctx)
		}
	}
}

func (d *Daemon) renewAll(ctx context.Context) {
	d.mu.Lock()
	snapshot := make(map[string]string, len(d.owned))
	for k, v := range d.owned {
		snapshot[k] = v
	}
	d.mu.Unlock()

	for recipientID, ownerID := range snapshot {
		ok, err := d.lease.Renew(ctx, recipientID, ownerID, d.ttl)
		if err != nil {
			d.logger.Error("Failed to renew lease", zap.String("recipient_id", recipientID), zap.Error(err))
			continue
		}
		if !ok {
			d.logger.Warn("Lost lease ownership during background renewal", zap.String("recipient_id", recipientID))
			d.Untrack(recipientID)
		}
	}
}
