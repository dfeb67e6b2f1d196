package domain

import "time"

type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
	QualityUnknown   ConnectionQuality = "unknown"
)

// Score maps a quality bucket to [0,1]. Unknown has no score.
func (q ConnectionQuality) Score() (float64, bool) {
	switch q {
	case QualityExcellent:
		return 1.0, true
	case QualityGood:
		return 0.75, true
	case QualityPoor:
		return 0.25, true
	default:
		return 0, false
	}
}

func (q ConnectionQuality) Valid() bool {
	switch q {
	case QualityExcellent, QualityGood, QualityPoor, QualityUnknown:
		return true
	}
	return false
}

type Participant struct {
	SID               string            `json:"sid"`
	Identity          string            `json:"identity"`
	Name              string            `json:"name"`
	JoinedAt          time.Time         `json:"joined_at"`
	ConnectionQuality ConnectionQuality `json:"connection_quality"`
	IsPublisher       bool              `json:"is_publisher"`
	TracksPublished   int               `json:"tracks_published"`
}

// Room is a live conferencing session.
//
// ParticipantCount always equals len(Participants); MaxParticipants is the
// high-water mark of ParticipantCount over the room's lifetime.
type Room struct {
	SID              string        `json:"sid"`
	Name             string        `json:"name"`
	CreatedAt        time.Time     `json:"created_at"`
	ParticipantCount int           `json:"participant_count"`
	MaxParticipants  int           `json:"max_participants"`
	Participants     []Participant `json:"participants"`
}

// Clone returns a copy that shares no memory with r.
func (r *Room) Clone() Room {
	c := *r
	c.Participants = make([]Participant, len(r.Participants))
	copy(c.Participants, r.Participants)
	return c
}

// Duration is the time the room has been open as of now.
func (r *Room) Duration(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

func (r *Room) indexOf(participantSID string) int {
	for i := range r.Participants {
		if r.Participants[i].SID == participantSID {
			return i
		}
	}
	return -1
}

// Participant returns a pointer into r.Participants or nil.
func (r *Room) Participant(participantSID string) *Participant {
	if i := r.indexOf(participantSID); i >= 0 {
		return &r.Participants[i]
	}
	return nil
}

// UpsertParticipant inserts p, or replaces the participant with the same
// sid in place. It reports whether p was newly inserted.
func (r *Room) UpsertParticipant(p Participant) bool {
	if i := r.indexOf(p.SID); i >= 0 {
		r.Participants[i] = p
		return false
	}
	r.Participants = append(r.Participants, p)
	r.syncCount()
	return true
}

// RemoveParticipant deletes the participant and reports whether it existed.
func (r *Room) RemoveParticipant(participantSID string) bool {
	i := r.indexOf(participantSID)
	if i < 0 {
		return false
	}
	r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
	r.syncCount()
	return true
}

func (r *Room) syncCount() {
	r.ParticipantCount = len(r.Participants)
	if r.ParticipantCount > r.MaxParticipants {
		r.MaxParticipants = r.ParticipantCount
	}
}

// Normalize restores the count invariants on a room built by a caller.
func (r *Room) Normalize() {
	if r.Participants == nil {
		r.Participants = []Participant{}
	}
	r.syncCount()
}
