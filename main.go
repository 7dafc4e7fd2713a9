package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"serialdispatch/internal/adminserver"
	"serialdispatch/internal/config"
	"serialdispatch/internal/delivery"
	"serialdispatch/internal/dispatch"
	"serialdispatch/internal/enqueue"
	"serialdispatch/internal/lease"
	"serialdispatch/internal/log"
	"serialdispatch/internal/metrics"
	"serialdispatch/internal/queue"
	"serialdispatch/internal/transport"
	"serialdispatch/internal/walbuffer"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	redisOpts, err := redis.ParseURL(cfg.QueueBackendURL)
	if err != nil {
		logger.Fatal("Invalid QUEUE_BACKEND_URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	store := queue.NewStore(rdb)
	ls := lease.New(rdb)
	leaseDaemon := lease.NewDaemon(ls, cfg.LeaseTTL, logger)

	wal, err := walbuffer.Open(cfg.WALDir)
	if err != nil {
		logger.Fatal("Failed to open WAL", zap.Error(err))
	}
	defer wal.Close()
	janitor := walbuffer.NewJanitor(wal, cfg.WALRetention, cfg.WALCleanupPeriod, logger)

	m := metrics.New(store, cfg, logger)

	tr := transport.NewLogTransport(logger)
	dv := delivery.New(cfg, tr, logger)
	dispatcher := dispatch.New(cfg, store, ls, leaseDaemon, dv, m, logger)

	enqueuer := enqueue.New(store, wal, m, logger)
	admin := adminserver.New(cfg.AdminAddr, cfg.JWTSecret, store, ls, enqueuer, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(leaseDaemon.Run)
	run(janitor.Run)
	run(m.Run)
	run(admin.Run)
	run(func(ctx context.Context) {
		if err := dispatcher.Run(ctx); err != nil {
			logger.Error("Dispatcher exited with error", zap.Error(err))
		}
	})

	logger.Info("serialdispatch started",
		zap.String("admin_addr", cfg.AdminAddr),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.String("worker_id", cfg.WorkerID),
	)
	<-ctx.Done()
	logger.Info("Shutting down")
	wg.Wait()
}
