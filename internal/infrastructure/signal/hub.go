package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"opsconsole/internal/core/domain"

	"go.uber.org/zap"
)

// Subscriber is one dashboard client. Send must be safe for concurrent use
// with any other writes the subscriber performs itself.
type Subscriber interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// Observer receives hub statistics; the Prometheus collector implements it.
type Observer interface {
	SetClients(n int)
	RecordBroadcast(msgType domain.MessageType, failed int)
}

type HubConfig struct {
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	AllowedOrigins    []string
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		HeartbeatInterval: 30 * time.Second,
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageBytes:   64 * 1024,
	}
}

type HubStats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
}

// Hub fans envelopes out to every connected subscriber. Subscribers whose
// delivery fails are removed after the broadcast pass.
type Hub struct {
	cfg HubConfig

	mu          sync.RWMutex
	subscribers map[string]Subscriber

	// broadcast passes are serialized so every client sees the same order
	sendMu sync.Mutex

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbDone   chan struct{}

	sent   atomic.Uint64
	failed atomic.Uint64

	observer Observer
	logger   *zap.SugaredLogger
}

type HubOption func(*Hub)

func WithObserver(o Observer) HubOption {
	return func(h *Hub) { h.observer = o }
}

func NewHub(cfg HubConfig, logger *zap.SugaredLogger, opts ...HubOption) *Hub {
	h := &Hub{
		cfg:         cfg,
		subscribers: make(map[string]Subscriber),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Connect(sub Subscriber) {
	h.mu.Lock()
	h.subscribers[sub.ID()] = sub
	n := len(h.subscribers)
	h.mu.Unlock()

	h.reportClients(n)
	h.logger.Infow("client connected", "client_id", sub.ID(), "clients", n)
}

// Disconnect removes sub. It is a no-op if sub is not registered.
func (h *Hub) Disconnect(sub Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub.ID()]
	delete(h.subscribers, sub.ID())
	n := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		h.reportClients(n)
		h.logger.Infow("client disconnected", "client_id", sub.ID(), "clients", n)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Failed:  h.failed.Load(),
	}
}

// Broadcast serializes env once and sends it to every subscriber. Delivery
// failures are not returned; the failing subscribers are dropped instead.
// The only error is a payload that cannot be encoded.
func (h *Hub) Broadcast(env domain.Envelope) error {
	h.mu.RLock()
	if len(h.subscribers) == 0 {
		h.mu.RUnlock()
		return nil
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	var failed []Subscriber
	for _, sub := range targets {
		if err := sub.Send(payload); err != nil {
			h.logger.Debugw("send to client failed", "client_id", sub.ID(), "error", err)
			failed = append(failed, sub)
			continue
		}
		h.sent.Add(1)
	}

	if len(failed) > 0 {
		h.failed.Add(uint64(len(failed)))
		h.mu.Lock()
		for _, sub := range failed {
			delete(h.subscribers, sub.ID())
		}
		n := len(h.subscribers)
		h.mu.Unlock()

		for _, sub := range failed {
			_ = sub.Close()
		}
		h.reportClients(n)
		h.logger.Infow("removed failed clients", "removed", len(failed), "clients", n)
	}

	if h.observer != nil {
		h.observer.RecordBroadcast(env.Type, len(failed))
	}
	return nil
}

func (h *Hub) BroadcastMetrics(m domain.SystemMetrics) error {
	return h.Broadcast(domain.Envelope{Type: domain.MessageMetricsUpdate, Data: m})
}

func (h *Hub) BroadcastRoomUpdate(ev domain.RoomEvent) error {
	return h.Broadcast(domain.Envelope{Type: domain.MessageRoomUpdate, Data: ev})
}

func (h *Hub) BroadcastAlert(a domain.Alert) error {
	return h.Broadcast(domain.Envelope{Type: domain.MessageAlert, Data: a})
}

func (h *Hub) SendHeartbeat() error {
	return h.Broadcast(domain.Envelope{
		Type: domain.MessageHeartbeat,
		Data: map[string]interface{}{"timestamp": time.Now().UTC()},
	})
}

// StartHeartbeat begins periodic heartbeats. Calling it while running is a
// no-op.
func (h *Hub) StartHeartbeat(ctx context.Context) {
	h.hbMu.Lock()
	defer h.hbMu.Unlock()

	if h.hbCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	h.hbCancel = cancel
	h.hbDone = done

	go h.heartbeatLoop(ctx, done)
}

// StopHeartbeat cancels the heartbeat and waits for it to exit.
func (h *Hub) StopHeartbeat() {
	h.hbMu.Lock()
	cancel, done := h.hbCancel, h.hbDone
	h.hbCancel, h.hbDone = nil, nil
	h.hbMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *Hub) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.safeHeartbeat()
		}
	}
}

func (h *Hub) safeHeartbeat() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorw("heartbeat panic", "panic", r)
		}
	}()
	if err := h.SendHeartbeat(); err != nil {
		h.logger.Errorw("heartbeat failed", "error", err)
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[string]Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	h.reportClients(0)
}

func (h *Hub) reportClients(n int) {
	if h.observer != nil {
		h.observer.SetClients(n)
	}
}
