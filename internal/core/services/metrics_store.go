package services

import (
	"sync"
	"time"

	"opsconsole/internal/core/domain"
	"opsconsole/pkg/ring"
)

const defaultRateWindow = 60 * time.Second

// MetricsStore owns the live room registry, the snapshot history and the
// sliding-window event logs. A single mutex guards all three so a computed
// SystemMetrics is always consistent with one registry state.
type MetricsStore struct {
	mu sync.Mutex

	rooms map[string]*domain.Room
	order []string // room sids in insertion order

	history *ring.Buffer[domain.SystemMetrics]

	joins       []time.Time
	leaves      []time.Time
	disconnects []time.Time
	rateWindow  time.Duration

	now func() time.Time
}

type StoreOption func(*MetricsStore)

// WithClock replaces time.Now for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *MetricsStore) { s.now = now }
}

// WithRateWindow sets the trailing window rates are counted over.
func WithRateWindow(d time.Duration) StoreOption {
	return func(s *MetricsStore) {
		if d > 0 {
			s.rateWindow = d
		}
	}
}

// NewMetricsStore creates a store keeping historyCapacity snapshots.
func NewMetricsStore(historyCapacity int, opts ...StoreOption) *MetricsStore {
	if historyCapacity < 1 {
		historyCapacity = 1
	}
	s := &MetricsStore{
		rooms:      make(map[string]*domain.Room),
		history:    ring.New[domain.SystemMetrics](historyCapacity),
		rateWindow: defaultRateWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddRoom inserts or replaces the room with the same sid. The high-water
// mark of a replaced room is kept.
func (s *MetricsStore) AddRoom(room domain.Room) {
	r := room.Clone()
	r.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rooms[r.SID]; ok {
		if existing.MaxParticipants > r.MaxParticipants {
			r.MaxParticipants = existing.MaxParticipants
		}
	} else {
		s.order = append(s.order, r.SID)
	}
	s.rooms[r.SID] = &r
}

func (s *MetricsStore) RemoveRoom(sid string) (domain.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[sid]
	if !ok {
		return domain.Room{}, false
	}
	delete(s.rooms, sid)
	for i, id := range s.order {
		if id == sid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return *r, true
}

func (s *MetricsStore) GetRoom(sid string) (domain.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[sid]
	if !ok {
		return domain.Room{}, false
	}
	return r.Clone(), true
}

// GetRoomByName returns the first room, in insertion order, with that name.
func (s *MetricsStore) GetRoomByName(name string) (domain.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sid := range s.order {
		if r := s.rooms[sid]; r.Name == name {
			return r.Clone(), true
		}
	}
	return domain.Room{}, false
}

func (s *MetricsStore) ListRooms() []domain.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRoomsLocked()
}

func (s *MetricsStore) listRoomsLocked() []domain.Room {
	out := make([]domain.Room, 0, len(s.order))
	for _, sid := range s.order {
		out = append(out, s.rooms[sid].Clone())
	}
	return out
}

// AddParticipant upserts p into the room. A first insertion counts as a
// join; replacing an existing sid does not. Returns false if the room is
// unknown.
func (s *MetricsStore) AddParticipant(roomSID string, p domain.Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomSID]
	if !ok {
		return false
	}
	if r.UpsertParticipant(p) {
		s.joins = append(s.joins, s.now())
	}
	return true
}

// RemoveParticipant removes the participant if present and records a leave,
// or a disconnect when isDisconnect is set. Returns false only if the room
// is unknown.
func (s *MetricsStore) RemoveParticipant(roomSID, participantSID string, isDisconnect bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomSID]
	if !ok {
		return false
	}
	r.RemoveParticipant(participantSID)
	if isDisconnect {
		s.disconnects = append(s.disconnects, s.now())
	} else {
		s.leaves = append(s.leaves, s.now())
	}
	return true
}

// UpdateParticipant applies fn to the participant while holding the store
// lock. fn must not change the participant's sid.
func (s *MetricsStore) UpdateParticipant(roomSID, participantSID string, fn func(*domain.Participant)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomSID]
	if !ok {
		return false
	}
	p := r.Participant(participantSID)
	if p == nil {
		return false
	}
	fn(p)
	p.SID = participantSID
	return true
}

func (s *MetricsStore) ComputeCurrentMetrics() domain.SystemMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computeLocked()
}

// RecordMetricsSnapshot computes the current metrics and appends them to
// the history ring.
func (s *MetricsStore) RecordMetricsSnapshot() domain.SystemMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.computeLocked()
	s.history.Push(m)
	return m
}

// GetHistory returns retained snapshots, oldest first.
func (s *MetricsStore) GetHistory() []domain.SystemMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Slice()
}

func (s *MetricsStore) GetSnapshot() domain.MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.MetricsSnapshot{
		Current: s.computeLocked(),
		History: s.history.Slice(),
		Rooms:   s.listRoomsLocked(),
	}
}

// Clear drops rooms, history and event logs.
func (s *MetricsStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms = make(map[string]*domain.Room)
	s.order = nil
	s.history.Reset()
	s.joins, s.leaves, s.disconnects = nil, nil, nil
}

func (s *MetricsStore) computeLocked() domain.SystemMetrics {
	now := s.now()

	s.joins = trimBefore(s.joins, now, s.rateWindow)
	s.leaves = trimBefore(s.leaves, now, s.rateWindow)
	s.disconnects = trimBefore(s.disconnects, now, s.rateWindow)

	m := domain.SystemMetrics{
		Timestamp:            now,
		ActiveRooms:          len(s.rooms),
		JoinRate:             float64(len(s.joins)),
		LeaveRate:            float64(len(s.leaves)),
		DisconnectRate:       float64(len(s.disconnects)),
		AvgConnectionQuality: 1.0,
	}

	var (
		durationSum float64
		qualitySum  float64
		samples     int
	)
	for _, r := range s.rooms {
		m.TotalParticipants += r.ParticipantCount
		durationSum += r.Duration(now).Seconds()
		for i := range r.Participants {
			if score, ok := r.Participants[i].ConnectionQuality.Score(); ok {
				qualitySum += score
				samples++
			}
		}
	}
	if len(s.rooms) > 0 {
		m.AvgRoomDurationSeconds = durationSum / float64(len(s.rooms))
	}
	if samples > 0 {
		m.AvgConnectionQuality = qualitySum / float64(samples)
	}
	return m
}

// trimBefore drops the prefix of log whose age is at least window. log is
// chronologically ordered.
func trimBefore(log []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(log) && now.Sub(log[i]) >= window {
		i++
	}
	if i == 0 {
		return log
	}
	if i == len(log) {
		return log[:0]
	}
	return append(log[:0], log[i:]...)
}
