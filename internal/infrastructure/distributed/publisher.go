package distributed

import (
	"context"
	"time"

	"opsconsole/internal/core/ports"
	"opsconsole/pkg/config"
	distlock "opsconsole/pkg/distributed"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LogPublisher is the fallback when Redis is disabled or unreachable.
type LogPublisher struct {
	logger *zap.SugaredLogger
}

func NewLogPublisher(logger *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	p.logger.Debugw("event", "type", eventType)
	return nil
}

// LeaderPublisher forwards events only while this instance holds the
// publisher lease, so replicas sharing a channel do not relay duplicates.
type LeaderPublisher struct {
	next   ports.EventPublisher
	held   func() bool
	logger *zap.SugaredLogger
}

func NewLeaderPublisher(next ports.EventPublisher, held func() bool, logger *zap.SugaredLogger) *LeaderPublisher {
	return &LeaderPublisher{next: next, held: held, logger: logger}
}

func (p *LeaderPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	if !p.held() {
		p.logger.Debugw("not publisher leader, dropping event", "type", eventType)
		return nil
	}
	return p.next.Publish(ctx, eventType, payload)
}

// Relay owns the event publisher and, when Redis is used, its client.
type Relay struct {
	Publisher ports.EventPublisher
	Client    *redis.Client
	bus       *EventBus

	stopCampaign context.CancelFunc
	campaignDone chan struct{}
}

// NewRelay connects to Redis when enabled and falls back to logging
// events when the connection fails.
func NewRelay(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *Relay {
	if !cfg.Redis.Enabled {
		logger.Info("redis disabled, events are only logged")
		return &Relay{Publisher: NewLogPublisher(logger)}
	}

	client, err := NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, logger)
	if err != nil {
		logger.Warnw("failed to connect to Redis, falling back to log publisher", "error", err)
		return &Relay{Publisher: NewLogPublisher(logger)}
	}

	instanceID := uuid.NewString()
	bus := NewEventBus(client, cfg.Redis.Channel, instanceID, logger)
	r := &Relay{Publisher: bus, Client: client, bus: bus}

	if cfg.Redis.SinglePublisher {
		lease := distlock.NewLease(client, cfg.Redis.Channel+":publisher", cfg.Redis.LeaseTTL)
		r.Publisher = NewLeaderPublisher(bus, lease.Held, logger)
		r.startCampaign(lease, instanceID, logger)
	}
	return r
}

func (r *Relay) startCampaign(lease *distlock.Lease, instanceID string, logger *zap.SugaredLogger) {
	ctx, cancel := context.WithCancel(context.Background())
	r.stopCampaign = cancel
	r.campaignDone = make(chan struct{})

	go func() {
		defer close(r.campaignDone)
		lease.Campaign(ctx, func(held bool, err error) {
			if held {
				logger.Infow("acquired publisher lease", "instance_id", instanceID)
				return
			}
			logger.Warnw("lost publisher lease", "instance_id", instanceID, "error", err)
		})
	}()
}

// Close releases the publisher lease, flushes pending events and closes the
// Redis client.
func (r *Relay) Close() error {
	if r.stopCampaign != nil {
		r.stopCampaign()
		select {
		case <-r.campaignDone:
		case <-time.After(2 * time.Second):
		}
	}
	if r.bus != nil {
		_ = r.bus.Close()
	}
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}
