// Package delivery implements the per-message delay computation, typing
// pulses, and transport invocation described in spec.md section 4.4.
package delivery

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"serialdispatch/internal/config"
	"serialdispatch/internal/log"
	"serialdispatch/internal/queue"
	"serialdispatch/internal/transport"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

type Delivery struct {
	cfg       *config.Config
	transport transport.Transport
	logger    *log.Logger
	breaker   *gobreaker.CircuitBreaker
}

func New(cfg *config.Config, t transport.Transport, logger *log.Logger) *Delivery {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "delivery-transport",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Delivery{cfg: cfg, transport: t, logger: logger, breaker: breaker}
}

// Deliver computes the inter-message delay (skipped when firstInSession is
// true), drives typing pulses across it, and invokes the transport send
// with a bounded timeout. The Result always carries the classification
// (transport.Success / transport.Transient / transport.Permanent). The
// returned error is non-nil whenever the Result is transport.Transient
// (including a ctx cancelled during the delay, a timed-out send, or an
// open circuit breaker) and whenever the transport itself returned one.
func (d *Delivery) Deliver(ctx context.Context, msg queue.Message, firstInSession bool) (transport.Result, error) {
	delay := time.Duration(0)
	if !firstInSession {
		delay = d.computeDelay(len(msg.Text))
	}

	if delay > 0 {
		pulseCtx, cancelPulses := context.WithCancel(ctx)
		if delay > d.cfg.TypingPulseThreshold {
			go d.pulse(pulseCtx, msg.RecipientID, delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			cancelPulses()
			return transport.Transient, ctx.Err()
		}
		cancelPulses()
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.TransportTimeout)
	defer cancel()
	return d.send(sendCtx, msg.RecipientID, msg.Text)
}

func (d *Delivery) send(ctx context.Context, recipientID, text string) (transport.Result, error) {
	out, err := d.breaker.Execute(func() (interface{}, error) {
		res, sendErr := d.transport.Send(ctx, recipientID, text)
		if sendErr != nil {
			return res, sendErr
		}
		if res == transport.Transient {
			// Only transient/infra trouble should trip the breaker;
			// a permanent classification is a well-formed answer, not
			// a failure of the transport call itself.
			return res, errTransient
		}
		return res, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, context.DeadlineExceeded) {
			return transport.Transient, err
		}
		if res, ok := out.(transport.Result); ok {
			return res, err
		}
		return transport.Transient, err
	}
	res, _ := out.(transport.Result)
	return res, nil
}

var errTransient = errors.New("transient transport failure")

// pulse emits a Transport.Typing call at t=0 and then every TypingInterval
// until the delay has elapsed, per spec.md section 4.4. Failures are
// logged and otherwise ignored — they must never abort delivery.
func (d *Delivery) pulse(ctx context.Context, recipientID string, delay time.Duration) {
	if err := d.transport.Typing(ctx, recipientID); err != nil {
		d.logger.Debug("typing pulse failed", zap.String("recipient_id", recipientID), zap.Error(err))
	}
	elapsed := time.Duration(0)
	ticker := time.NewTicker(d.cfg.TypingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed += d.cfg.TypingInterval
			if elapsed >= delay {
				return
			}
			if err := d.transport.Typing(ctx, recipientID); err != nil {
				d.logger.Debug("typing pulse failed", zap.String("recipient_id", recipientID), zap.Error(err))
			}
		}
	}
}

// computeDelay implements spec.md section 4.4's three-step draw: a random
// typing speed, a random offset, bounded by MaxDelay.
func (d *Delivery) computeDelay(textLen int) time.Duration {
	speed := uniform(d.cfg.MinTypingSpeed, d.cfg.MaxTypingSpeed)
	if speed <= 0 {
		speed = d.cfg.MinTypingSpeed
	}
	offset := uniform(d.cfg.RandomOffsetMin.Seconds(), d.cfg.RandomOffsetMax.Seconds())
	base := time.Duration(float64(textLen) / speed * float64(time.Second))
	total := base + time.Duration(offset*float64(time.Second))
	return minDuration(total, d.cfg.MaxDelay)
}

func uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rand.Float64()*(hi-lo)
}

func minDuration[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
