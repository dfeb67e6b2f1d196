package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"opsconsole/pkg/batch"
	"opsconsole/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is the message relayed on the Redis channel.
type Event struct {
	Type       string          `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus relays console events to a Redis pub/sub channel for external
// consumers such as pagers or chat bots. Publish queues the event and
// returns; a batcher pipelines queued events to Redis.
type EventBus struct {
	client     *redis.Client
	channel    string
	instanceID string
	queue      *batch.Batcher[*Event]
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *EventBus {
	eb := &EventBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
	}
	eb.queue = batch.NewBatcher[*Event](50, 250*time.Millisecond, eb.flush,
		batch.WithMaxPending[*Event](5000),
		batch.WithErrorHandler[*Event](func(err error, n int) {
			logger.Warnw("failed to relay events", "error", err, "events", n)
		}),
	)
	return eb
}

// Publish implements ports.EventPublisher. Only encoding errors are
// returned; delivery happens asynchronously.
func (eb *EventBus) Publish(ctx context.Context, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	eb.queue.Add(&Event{
		Type:       eventType,
		InstanceID: eb.instanceID,
		Timestamp:  time.Now().UTC(),
		Payload:    data,
	})
	return nil
}

func (eb *EventBus) flush(ctx context.Context, events []*Event) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	pipe := eb.client.Pipeline()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		pipe.Publish(ctx, eb.channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish events: %w", err)
	}

	eb.logger.Debugw("relayed events", "channel", eb.channel, "count", len(events))
	return nil
}

// Subscribe delivers events from the channel to handler until ctx is done.
// Malformed messages are logged and skipped.
func Subscribe(ctx context.Context, client *redis.Client, channel string, logger *zap.SugaredLogger, handler func(*Event) error) error {
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warnw("failed to unmarshal event", "error", err, "payload", utils.TruncateString(msg.Payload, 256))
				continue
			}
			if err := handler(&event); err != nil {
				logger.Warnw("error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

// Close flushes queued events.
func (eb *EventBus) Close() error {
	if n := eb.queue.PendingCount(); n > 0 {
		eb.logger.Infow("flushing queued events", "events", n, "channel", eb.channel)
	}
	eb.queue.Stop()
	if dropped := eb.queue.Dropped(); dropped > 0 {
		eb.logger.Warnw("events dropped while the relay queue was full", "dropped", dropped)
	}
	return nil
}
