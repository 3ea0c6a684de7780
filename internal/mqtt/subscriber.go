package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// command is the JSON shape the backend publishes to a device's
// command topic.
type command struct {
	CommandID json.Number     `json:"commandId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// defaultCommandHandler returns a [MessageHandler] that logs received
// commands with structured fields. Payloads that are not JSON in the
// backend's command shape are logged with topic and size only.
func defaultCommandHandler(logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}

		var cmd command
		if err := json.Unmarshal(payload, &cmd); err == nil {
			if cmd.CommandID != "" {
				fields = append(fields, "command_id", cmd.CommandID.String())
			}
			if cmd.Type != "" {
				fields = append(fields, "type", cmd.Type)
			}
			if cmd.Timestamp != "" {
				fields = append(fields, "timestamp", cmd.Timestamp)
			}
			if len(cmd.Data) > 0 {
				fields = append(fields, "data", string(cmd.Data))
			}
		}

		logger.Info("device command received", fields...)
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt commands dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

// wrap returns a handler that forwards to h only while under the limit.
func (r *messageRateLimiter) wrap(h MessageHandler) MessageHandler {
	return func(topic string, payload []byte) {
		if r.allow() {
			h(topic, payload)
		}
	}
}
