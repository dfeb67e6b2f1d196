package domain

import "time"

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

func (s AlertSeverity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// AlertType is the stable key of the rule that produced an alert. Cooldown
// and auto-resolution are both keyed on it.
type AlertType string

const (
	AlertHighDisconnectRate   AlertType = "high_disconnect_rate"
	AlertHighParticipantCount AlertType = "high_participant_count"
	AlertLowConnectionQuality AlertType = "low_connection_quality"
	AlertLongRoomDuration     AlertType = "long_room_duration"
	AlertTest                 AlertType = "test_alert"

	roomLongDurationPrefix = "room_long_duration_"
)

// RoomLongDuration is the per-room duration rule key.
func RoomLongDuration(roomSID string) AlertType {
	return AlertType(roomLongDurationPrefix + roomSID)
}

type Alert struct {
	ID          string        `json:"id"`
	Type        AlertType     `json:"type"`
	Severity    AlertSeverity `json:"severity"`
	Status      AlertStatus   `json:"status"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	RoomName    string        `json:"room_name,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

func (a *Alert) Clone() Alert {
	c := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

type AlertsView struct {
	Active   []Alert `json:"active"`
	Resolved []Alert `json:"resolved"`
}
