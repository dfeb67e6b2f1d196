package domain

import "time"

// SystemMetrics is a point-in-time aggregate over all rooms. Rates count
// events in the trailing rate window.
type SystemMetrics struct {
	Timestamp              time.Time `json:"timestamp"`
	ActiveRooms            int       `json:"active_rooms"`
	TotalParticipants      int       `json:"total_participants"`
	JoinRate               float64   `json:"join_rate"`
	LeaveRate              float64   `json:"leave_rate"`
	DisconnectRate         float64   `json:"disconnect_rate"`
	AvgRoomDurationSeconds float64   `json:"avg_room_duration_seconds"`
	AvgConnectionQuality   float64   `json:"avg_connection_quality"`
}

type MetricsSnapshot struct {
	Current SystemMetrics   `json:"current"`
	History []SystemMetrics `json:"history"`
	Rooms   []Room          `json:"rooms"`
}
