// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package deadletter holds the dead-letter collaborator invoked when
// the queue machine discards messages instead of settling them.
package deadletter

import (
	"context"
	"log/slog"

	"github.com/absmach/fifoq/fifo"
)

// Handler receives discarded messages together with the discard
// reason. Implementations must not feed messages back into the queue's
// delivery path.
type Handler interface {
	Handle(ctx context.Context, reason string, messages []*fifo.Message) error
}

// LogHandler records dead-lettered messages to the structured log and
// drops them. It is the default when no archive is configured.
type LogHandler struct {
	queue  string
	logger *slog.Logger
}

// NewLogHandler creates a logging dead-letter handler.
func NewLogHandler(queue string, logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{queue: queue, logger: logger}
}

// Handle logs each discarded message.
func (h *LogHandler) Handle(_ context.Context, reason string, messages []*fifo.Message) error {
	for _, msg := range messages {
		h.logger.Warn("message dead-lettered",
			slog.String("queue", h.queue),
			slog.String("reason", reason),
			slog.Uint64("msg_id", msg.ID),
			slog.Int("body_bytes", len(msg.Body)))
	}
	return nil
}
