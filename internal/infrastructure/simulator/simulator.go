package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"opsconsole/internal/core/domain"
	"opsconsole/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	roomPrefixes = []string{"meeting", "call", "session", "room", "conference", "standup", "interview", "webinar"}
	roomSuffixes = []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}

	participantNames = []string{
		"Alice", "Bob", "Charlie", "Diana", "Eve", "Frank", "Grace", "Henry",
		"Ivy", "Jack", "Kate", "Leo", "Mia", "Noah", "Olivia", "Peter",
		"Quinn", "Rachel", "Sam", "Tina", "Uma", "Victor", "Wendy", "Xavier",
	}

	// initial quality is weighted towards good connections
	initialQuality = []domain.ConnectionQuality{
		domain.QualityExcellent, domain.QualityExcellent,
		domain.QualityGood, domain.QualityGood, domain.QualityGood,
		domain.QualityPoor,
	}
)

type Config struct {
	Interval        time.Duration
	TargetRooms     int
	MinParticipants int
	MaxParticipants int
	MinRoomLifetime time.Duration
	MaxRoomLifetime time.Duration
	ChurnRate       float64 // per room per tick
	QualityFlux     float64 // per participant per tick
}

func DefaultConfig() Config {
	return Config{
		Interval:        time.Second,
		TargetRooms:     5,
		MinParticipants: 2,
		MaxParticipants: 8,
		MinRoomLifetime: 60 * time.Second,
		MaxRoomLifetime: 300 * time.Second,
		ChurnRate:       0.1,
		QualityFlux:     0.05,
	}
}

// Simulator generates synthetic room traffic for demos and local
// development. It only mutates the registry and reports room lifecycle
// events; metrics and alerts come from the regular monitor pipeline.
type Simulator struct {
	cfg      Config
	registry ports.RoomRegistry
	sink     ports.RoomEventSink

	mu        sync.Mutex
	rng       *rand.Rand
	lifetimes map[string]time.Duration

	now    func() time.Time
	logger *zap.SugaredLogger
}

type Option func(*Simulator)

// WithSeed makes the generated traffic reproducible.
func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.rng = rand.New(rand.NewSource(seed)) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

func New(cfg Config, registry ports.RoomRegistry, sink ports.RoomEventSink, logger *zap.SugaredLogger, opts ...Option) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxParticipants < cfg.MinParticipants {
		cfg.MaxParticipants = cfg.MinParticipants
	}
	if cfg.MaxRoomLifetime < cfg.MinRoomLifetime {
		cfg.MaxRoomLifetime = cfg.MinRoomLifetime
	}

	s := &Simulator{
		cfg:       cfg,
		registry:  registry,
		sink:      sink,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		lifetimes: make(map[string]time.Duration),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run seeds the initial rooms and ticks until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	s.logger.Infow("simulator started", "target_rooms", s.cfg.TargetRooms, "interval", s.cfg.Interval)
	s.Seed(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopped")
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

func (s *Simulator) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("simulator tick panic", "panic", r)
		}
	}()
	s.Tick(ctx)
}

// Seed creates rooms up to the target count.
func (s *Simulator) Seed(ctx context.Context) {
	for len(s.registry.ListRooms()) < s.cfg.TargetRooms {
		s.createRoom(ctx)
	}
}

// Tick ends expired rooms, tops the room count back up, applies
// participant churn and fluctuates connection quality.
func (s *Simulator) Tick(ctx context.Context) {
	now := s.now()
	for _, room := range s.registry.ListRooms() {
		if room.Duration(now) > s.lifetime(room.SID) {
			s.endRoom(ctx, room.SID)
		}
	}

	s.Seed(ctx)

	for _, room := range s.registry.ListRooms() {
		s.churn(room)
		s.fluctuate(room)
	}
}

func (s *Simulator) createRoom(ctx context.Context) {
	s.mu.Lock()
	sid := "RM_" + uuid.NewString()
	name := fmt.Sprintf("%s-%s-%s", pick(s.rng, roomPrefixes), pick(s.rng, roomSuffixes), sid[3:7])
	n := s.cfg.MinParticipants + s.rng.Intn(s.cfg.MaxParticipants-s.cfg.MinParticipants+1)
	s.lifetimes[sid] = s.drawLifetimeLocked()
	s.mu.Unlock()

	s.registry.AddRoom(domain.Room{SID: sid, Name: name, CreatedAt: s.now()})
	for i := 0; i < n; i++ {
		s.registry.AddParticipant(sid, s.newParticipant())
	}

	room, ok := s.registry.GetRoom(sid)
	if !ok {
		return
	}
	s.logger.Debugw("created simulated room", "room", name, "participants", n)
	s.sink.HandleRoomEvent(ctx, domain.RoomEvent{Type: domain.RoomStarted, Room: &room})
}

func (s *Simulator) endRoom(ctx context.Context, sid string) {
	room, ok := s.registry.RemoveRoom(sid)

	s.mu.Lock()
	delete(s.lifetimes, sid)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.logger.Debugw("ended simulated room", "room", room.Name)
	s.sink.HandleRoomEvent(ctx, domain.RoomEvent{Type: domain.RoomFinished, Room: &room})
}

func (s *Simulator) newParticipant() domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	name := pick(s.rng, participantNames)
	tracks := 0
	if s.rng.Float64() > 0.3 {
		tracks = 1 + s.rng.Intn(2)
	}

	return domain.Participant{
		SID:               "PA_" + id,
		Identity:          fmt.Sprintf("%s-%s", strings.ToLower(name), id[:4]),
		Name:              name,
		JoinedAt:          s.now(),
		ConnectionQuality: pick(s.rng, initialQuality),
		IsPublisher:       tracks > 0,
		TracksPublished:   tracks,
	}
}

type churnAction int

const (
	churnNone churnAction = iota
	churnJoin
	churnLeave
	churnDisconnect
)

func (s *Simulator) churn(room domain.Room) {
	s.mu.Lock()
	action := churnNone
	var victim string
	if s.rng.Float64() < s.cfg.ChurnRate {
		// add 40%, leave 40%, disconnect 20%
		switch r := s.rng.Float64(); {
		case r < 0.4:
			action = churnJoin
		case r < 0.8:
			action = churnLeave
		default:
			action = churnDisconnect
		}
		if len(room.Participants) > 0 {
			victim = room.Participants[s.rng.Intn(len(room.Participants))].SID
		}
	}
	s.mu.Unlock()

	switch action {
	case churnJoin:
		if room.ParticipantCount < s.cfg.MaxParticipants {
			s.registry.AddParticipant(room.SID, s.newParticipant())
		}
	case churnLeave, churnDisconnect:
		if room.ParticipantCount > s.cfg.MinParticipants && victim != "" {
			s.registry.RemoveParticipant(room.SID, victim, action == churnDisconnect)
		}
	}
}

func (s *Simulator) fluctuate(room domain.Room) {
	for _, p := range room.Participants {
		s.mu.Lock()
		change := s.rng.Float64() < s.cfg.QualityFlux
		var next domain.ConnectionQuality
		if change {
			next = nextQuality(s.rng, p.ConnectionQuality)
		}
		s.mu.Unlock()

		if change {
			s.registry.UpdateParticipant(room.SID, p.SID, func(pt *domain.Participant) {
				pt.ConnectionQuality = next
			})
		}
	}
}

// nextQuality moves at most one bucket away from q.
func nextQuality(rng *rand.Rand, q domain.ConnectionQuality) domain.ConnectionQuality {
	switch q {
	case domain.QualityExcellent:
		return pick(rng, []domain.ConnectionQuality{domain.QualityExcellent, domain.QualityGood})
	case domain.QualityGood:
		return pick(rng, []domain.ConnectionQuality{domain.QualityExcellent, domain.QualityGood, domain.QualityPoor})
	default:
		return pick(rng, []domain.ConnectionQuality{domain.QualityGood, domain.QualityPoor})
	}
}

func (s *Simulator) lifetime(sid string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.lifetimes[sid]
	if !ok {
		// rooms created before this simulator started
		d = s.drawLifetimeLocked()
		s.lifetimes[sid] = d
	}
	return d
}

func (s *Simulator) drawLifetimeLocked() time.Duration {
	span := s.cfg.MaxRoomLifetime - s.cfg.MinRoomLifetime
	if span <= 0 {
		return s.cfg.MinRoomLifetime
	}
	return s.cfg.MinRoomLifetime + time.Duration(s.rng.Int63n(int64(span)))
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.Intn(len(items))]
}
