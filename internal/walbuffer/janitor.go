package walbuffer

import (
	"context"
	"time"

	"serialdispatch/internal/log"

	"go.uber.org/zap"
)

// Janitor periodically prunes rotated journal files past their retention
// window, adapted from the teacher's flusher ticker-loop-with-final-pass
// shutdown pattern.
type Janitor struct {
	buf       *Buffer
	retention time.Duration
	period    time.Duration
	logger    *log.Logger
}

func NewJanitor(buf *Buffer, retention, period time.Duration, logger *log.Logger) *Janitor {
	return &Janitor{buf: buf, retention: retention, period: period, logger: logger}
}

func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("WAL janitor shutting down, performing final cleanup")
			if err := j.buf.Cleanup(j.retention); err != nil {
				j.logger.Error("Final WAL cleanup failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := j.buf.Cleanup(j.retention); err != nil {
				j.logger.Error("WAL cleanup failed", zap.Error(err))
			}
		}
	}
}
