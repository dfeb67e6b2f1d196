package services

import (
	"context"
	"sync/atomic"
	"time"

	"opsconsole/internal/core/domain"
	"opsconsole/internal/core/ports"
	"opsconsole/pkg/tracing"

	"go.uber.org/zap"
)

// Event types relayed through the EventPublisher.
const (
	EventAlertCreated  = "alert.created"
	EventAlertResolved = "alert.resolved"
	EventRoomUpdate    = "room.update"
)

// MonitorObserver receives per-tick statistics. The Prometheus collector
// implements it.
type MonitorObserver interface {
	ObserveSystemMetrics(m domain.SystemMetrics)
	RecordAlertCreated(a domain.Alert)
	RecordAlertResolved(a domain.Alert)
	RecordTick(d time.Duration)
}

// AlertService is the alert engine as seen by the monitor.
type AlertService interface {
	ports.AlertEvaluator
	ports.AlertManager
}

// Monitor drives the periodic pipeline: snapshot, alert detection,
// auto-resolve and broadcast. It is also the single place alerts and room
// events leave the process, so HTTP commands go through it too.
type Monitor struct {
	store     ports.MetricsRecorder
	alerts    AlertService
	hub       ports.Broadcaster
	publisher ports.EventPublisher
	observer  MonitorObserver
	interval  time.Duration
	now       func() time.Time

	lastTick atomic.Int64

	logger *zap.SugaredLogger
}

type MonitorOption func(*Monitor)

func WithPublisher(p ports.EventPublisher) MonitorOption {
	return func(m *Monitor) { m.publisher = p }
}

func WithMonitorObserver(o MonitorObserver) MonitorOption {
	return func(m *Monitor) { m.observer = o }
}

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(store ports.MetricsRecorder, alerts AlertService, hub ports.Broadcaster, interval time.Duration, logger *zap.SugaredLogger, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	m := &Monitor{
		store:    store,
		alerts:   alerts,
		hub:      hub,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run ticks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Infow("monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			m.safeTick(ctx)
		}
	}
}

func (m *Monitor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorw("monitor tick panic", "panic", r)
		}
	}()
	m.Tick(ctx)
}

// Tick runs one pipeline pass and returns the snapshot it recorded.
func (m *Monitor) Tick(ctx context.Context) domain.SystemMetrics {
	start := m.now()
	ctx, span := tracing.TraceMonitorTick(ctx)
	defer span.End()

	snapshot := m.store.RecordMetricsSnapshot()

	created := m.alerts.CheckMetrics(snapshot)
	for _, room := range m.store.ListRooms() {
		created = append(created, m.alerts.CheckRoom(room)...)
	}
	resolved := m.alerts.AutoResolve(snapshot)

	if err := m.hub.BroadcastMetrics(snapshot); err != nil {
		m.logger.Errorw("failed to broadcast metrics", "error", err)
	}
	for _, a := range created {
		m.emitAlert(ctx, a, EventAlertCreated)
	}
	for _, a := range resolved {
		m.emitAlert(ctx, a, EventAlertResolved)
	}

	span.SetAttributes(
		tracing.AlertsCreatedKey.Int(len(created)),
		tracing.AlertsClearedKey.Int(len(resolved)),
		tracing.ClientsKey.Int(m.hub.ClientCount()),
	)

	if m.observer != nil {
		m.observer.ObserveSystemMetrics(snapshot)
		m.observer.RecordTick(m.now().Sub(start))
	}

	m.lastTick.Store(m.now().UnixNano())

	if len(created) > 0 || len(resolved) > 0 {
		m.logger.Infow("alerts changed",
			"created", len(created),
			"resolved", len(resolved),
			"active_rooms", snapshot.ActiveRooms,
			"participants", snapshot.TotalParticipants,
		)
	}
	return snapshot
}

// LastTick is the completion time of the latest tick, zero before the first.
func (m *Monitor) LastTick() time.Time {
	ns := m.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ResolveAlert resolves an active alert and broadcasts the resolution.
func (m *Monitor) ResolveAlert(ctx context.Context, id string) (domain.Alert, bool) {
	alert, ok := m.alerts.ResolveAlert(id)
	if !ok {
		return domain.Alert{}, false
	}
	m.emitAlert(ctx, alert, EventAlertResolved)
	return alert, true
}

func (m *Monitor) TriggerTestAlert(ctx context.Context, severity domain.AlertSeverity) (domain.Alert, error) {
	alert, err := m.alerts.TriggerTestAlert(severity)
	if err != nil {
		return domain.Alert{}, err
	}
	m.emitAlert(ctx, alert, EventAlertCreated)
	return alert, nil
}

func (m *Monitor) AllAlerts() domain.AlertsView {
	return m.alerts.AllAlerts()
}

// HandleRoomEvent implements ports.RoomEventSink.
func (m *Monitor) HandleRoomEvent(ctx context.Context, ev domain.RoomEvent) {
	if err := m.hub.BroadcastRoomUpdate(ev); err != nil {
		m.logger.Errorw("failed to broadcast room update", "type", ev.Type, "error", err)
	}
	m.publish(ctx, EventRoomUpdate, ev)
}

func (m *Monitor) emitAlert(ctx context.Context, a domain.Alert, eventType string) {
	if err := m.hub.BroadcastAlert(a); err != nil {
		m.logger.Errorw("failed to broadcast alert", "alert_id", a.ID, "error", err)
	}
	m.publish(ctx, eventType, a)

	if m.observer == nil {
		return
	}
	if a.Status == domain.AlertResolved {
		m.observer.RecordAlertResolved(a)
	} else {
		m.observer.RecordAlertCreated(a)
	}
}

func (m *Monitor) publish(ctx context.Context, eventType string, payload interface{}) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, eventType, payload); err != nil {
		m.logger.Warnw("failed to publish event", "type", eventType, "error", err)
	}
}
