package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tuneforge/logger"
	"tuneforge/model"

	"github.com/go-redis/redis/v8"
)

// NotificationChannel is the pub/sub channel carrying one user's notifications.
func NotificationChannel(userID int64) string {
	return fmt.Sprintf("notify:%d", userID)
}

// NotificationBus fans user notifications out over Redis pub/sub so that any
// instance holding the user's websocket can deliver them.
type NotificationBus struct {
	client *redis.Client
}

// NewNotificationBus creates a bus on the given client.
func NewNotificationBus(client *redis.Client) *NotificationBus {
	return &NotificationBus{client: client}
}

// Notify publishes n. Delivery is best effort; failures are only logged.
func (b *NotificationBus) Notify(ctx context.Context, n model.Notification) {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	data, err := json.Marshal(n)
	if err != nil {
		logger.Warn("[Notify] marshal failed", logger.ErrorField(err))
		return
	}
	if err := b.client.Publish(ctx, NotificationChannel(n.UserID), data).Err(); err != nil {
		logger.Warn("[Notify] publish failed",
			logger.UserID(n.UserID),
			logger.String("event", n.Event),
			logger.ErrorField(err))
	}
}

// Subscribe streams the user's notifications until ctx is done. The returned
// channel is closed when the subscription ends.
func (b *NotificationBus) Subscribe(ctx context.Context, userID int64) (<-chan model.Notification, error) {
	sub := b.client.Subscribe(ctx, NotificationChannel(userID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	out := make(chan model.Notification, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n model.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					logger.Warn("[Notify] dropping malformed notification", logger.ErrorField(err))
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
