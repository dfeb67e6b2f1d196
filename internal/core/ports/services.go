package ports

import (
	"context"

	"opsconsole/internal/core/domain"
)

// RoomRegistry is the write side of the metrics store used by event
// sources (webhooks, SDK poller, simulator).
type RoomRegistry interface {
	AddRoom(room domain.Room)
	RemoveRoom(sid string) (domain.Room, bool)
	GetRoom(sid string) (domain.Room, bool)
	ListRooms() []domain.Room
	AddParticipant(roomSID string, p domain.Participant) bool
	RemoveParticipant(roomSID, participantSID string, isDisconnect bool) bool
	UpdateParticipant(roomSID, participantSID string, fn func(*domain.Participant)) bool
}

// MetricsReader is the read side of the metrics store.
type MetricsReader interface {
	ComputeCurrentMetrics() domain.SystemMetrics
	GetHistory() []domain.SystemMetrics
	GetSnapshot() domain.MetricsSnapshot
	ListRooms() []domain.Room
	GetRoomByName(name string) (domain.Room, bool)
}

// MetricsRecorder appends snapshots to history on each tick.
type MetricsRecorder interface {
	RecordMetricsSnapshot() domain.SystemMetrics
	ListRooms() []domain.Room
}

type AlertEvaluator interface {
	CheckMetrics(m domain.SystemMetrics) []domain.Alert
	CheckRoom(room domain.Room) []domain.Alert
	AutoResolve(m domain.SystemMetrics) []domain.Alert
}

type AlertManager interface {
	AllAlerts() domain.AlertsView
	ResolveAlert(id string) (domain.Alert, bool)
	TriggerTestAlert(severity domain.AlertSeverity) (domain.Alert, error)
}

type Broadcaster interface {
	BroadcastMetrics(m domain.SystemMetrics) error
	BroadcastRoomUpdate(ev domain.RoomEvent) error
	BroadcastAlert(a domain.Alert) error
	ClientCount() int
}

// EventPublisher relays alerts and room events to external consumers.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

// RoomEventSink receives lifecycle results from event sources for fan-out.
type RoomEventSink interface {
	HandleRoomEvent(ctx context.Context, ev domain.RoomEvent)
}
