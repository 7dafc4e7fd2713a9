package transport

import (
	"context"

	"serialdispatch/internal/log"

	"go.uber.org/zap"
)

// LogTransport is a stand-in Transport that logs instead of calling a real
// chat API. The real transport is an external collaborator per spec.md
// section 1 ("makes no assumptions about the chat transport"); this
// implementation exists so the core runs and is testable standalone.
type LogTransport struct {
	logger *log.Logger
}

func NewLogTransport(logger *log.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, recipientID, text string) (Result, error) {
	t.logger.Info("transport send", zap.String("recipient_id", recipientID), zap.Int("chars", len(text)))
	return Success, nil
}

func (t *LogTransport) Typing(ctx context.Context, recipientID string) error {
	t.logger.Debug("transport typing", zap.String("recipient_id", recipientID))
	return nil
}
