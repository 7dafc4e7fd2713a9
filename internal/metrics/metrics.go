// Package metrics exposes Prometheus counters and gauges for the
// delivery core, adapted from the teacher's prometheus_metrics.go. The
// shard-health and Postgres-oriented series are gone along with the
// relational store; what remains tracks the lifecycle that actually
// exists now: enqueue, delivery attempts, retries, dead-lettering, and
// the size of the active-recipient set.
package metrics

import (
	"context"
	"net/http"
	"time"

	"serialdispatch/internal/config"
	"serialdispatch/internal/log"
	"serialdispatch/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	EnqueueTotal     prometheus.Counter
	DeliverTotal     *prometheus.CounterVec // result: success|transient|permanent
	RetryTotal       prometheus.Counter
	DeadLetterTotal  prometheus.Counter
	ActiveRecipients prometheus.Gauge

	registry *prometheus.Registry
	store    *queue.Store
	logger   *log.Logger
	addr     string
}

// New builds a Metrics instance on its own registry rather than the
// global DefaultRegisterer, so multiple instances (as in tests, or a
// process embedding the core as a library) never collide on duplicate
// collector registration.
func New(store *queue.Store, cfg *config.Config, logger *log.Logger) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		EnqueueTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialdispatch_enqueue_total",
			Help: "Total number of messages accepted for delivery",
		}),
		DeliverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serialdispatch_deliver_total",
			Help: "Total number of delivery attempts by result",
		}, []string{"result"}),
		RetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialdispatch_retry_total",
			Help: "Total number of messages requeued after a transient failure",
		}),
		DeadLetterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialdispatch_dead_letter_total",
			Help: "Total number of messages moved to a dead-letter queue",
		}),
		ActiveRecipients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serialdispatch_active_recipients",
			Help: "Number of recipients currently believed to have backlog",
		}),
		registry: registry,
		store:    store,
		logger:   logger,
		addr:     cfg.MetricsAddr,
	}
	registry.MustRegister(m.EnqueueTotal, m.DeliverTotal, m.RetryTotal, m.DeadLetterTotal, m.ActiveRecipients)
	return m
}

// Run serves /metrics and periodically refreshes the active-recipients
// gauge until ctx is cancelled.
func (m *Metrics) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: m.addr, Handler: mux}

	go m.collect(ctx)

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", m.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *Metrics) collect(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshActiveRecipients(ctx)
		}
	}
}

// refreshActiveRecipients sets the active-recipients gauge to the current
// active-set size. Split out from collect so it can be exercised directly
// in tests without waiting on the ticker.
func (m *Metrics) refreshActiveRecipients(ctx context.Context) {
	members, err := m.store.ActiveMembers(ctx)
	if err != nil {
		m.logger.Error("Failed to refresh active-recipients gauge", zap.Error(err))
		return
	}
	m.ActiveRecipients.Set(float64(len(members)))
}
