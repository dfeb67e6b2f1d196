package domain

type MessageType string

const (
	MessageMetricsUpdate MessageType = "metrics_update"
	MessageRoomUpdate    MessageType = "room_update"
	MessageAlert         MessageType = "alert"
	MessageHeartbeat     MessageType = "heartbeat"
	MessagePong          MessageType = "pong"
)

// Envelope is the frame sent to every dashboard client.
type Envelope struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data"`
}

type RoomEventType string

const (
	RoomStarted       RoomEventType = "room_started"
	RoomFinished      RoomEventType = "room_finished"
	ParticipantJoined RoomEventType = "participant_joined"
	ParticipantLeft   RoomEventType = "participant_left"
)

// RoomEvent is the payload of a room_update envelope.
type RoomEvent struct {
	Type           RoomEventType `json:"type"`
	Room           *Room         `json:"room,omitempty"`
	RoomSID        string        `json:"room_sid,omitempty"`
	Participant    *Participant  `json:"participant,omitempty"`
	ParticipantSID string        `json:"participant_sid,omitempty"`
	IsDisconnect   bool          `json:"is_disconnect,omitempty"`
}
