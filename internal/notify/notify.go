// Package notify carries "work was enqueued for source X" signals from the
// enqueue path to the session manager.
package notify

import (
	"context"
	"log/slog"
	"strings"

	"wa-dispatch/internal/cache"
)

// WakeFunc wakes the session serving sourceID.
type WakeFunc func(sourceID string)

// Local delivers wake-ups within the process.
type Local struct {
	wake WakeFunc
}

// NewLocal returns a notifier that calls wake directly.
func NewLocal(wake WakeFunc) *Local {
	return &Local{wake: wake}
}

// Notify wakes the session for sourceID.
func (l *Local) Notify(_ context.Context, sourceID string) error {
	l.wake(sourceID)
	return nil
}

// Redis fans wake-ups out over a pub/sub channel so every process running
// sessions hears enqueues made by any other process.
type Redis struct {
	client  *cache.Redis
	channel string
	logger  *slog.Logger
}

// NewRedis returns a notifier publishing on channel.
func NewRedis(client *cache.Redis, channel string, logger *slog.Logger) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "notify"),
	}
}

// Notify publishes sourceID.
func (r *Redis) Notify(ctx context.Context, sourceID string) error {
	return r.client.Publish(ctx, r.channel, sourceID)
}

// Listen forwards published source ids to wake until ctx is cancelled.
func (r *Redis) Listen(ctx context.Context, wake WakeFunc) error {
	return r.client.Subscribe(ctx, r.channel, func(payload string) {
		sourceID := strings.TrimSpace(payload)
		if sourceID == "" {
			return
		}
		r.logger.Debug("wake received", "source_id", sourceID)
		wake(sourceID)
	})
}
