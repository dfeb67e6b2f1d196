package livekit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"opsconsole/internal/core/domain"
	"opsconsole/internal/core/ports"
	"opsconsole/pkg/circuitbreaker"
	apperrors "opsconsole/pkg/errors"
	"opsconsole/pkg/retry"
	"opsconsole/pkg/tracing"

	"github.com/livekit/protocol/auth"
	lkproto "github.com/livekit/protocol/livekit"
	"github.com/twitchtv/twirp"
	"go.uber.org/zap"
)

// RoomServiceClient is the part of the LiveKit RoomService the poller uses.
type RoomServiceClient interface {
	ListRooms(ctx context.Context, req *lkproto.ListRoomsRequest) (*lkproto.ListRoomsResponse, error)
	ListParticipants(ctx context.Context, req *lkproto.ListParticipantsRequest) (*lkproto.ListParticipantsResponse, error)
}

type PollObserver interface {
	RecordPoll(d time.Duration)
}

type PollerConfig struct {
	URL            string
	APIKey         string
	APISecret      string
	Interval       time.Duration
	RequestTimeout time.Duration
	Retry          retry.Config
	Breaker        circuitbreaker.Config
}

// Poller periodically reconciles the registry with the rooms the LiveKit
// server reports. Differences are applied as ordinary store operations so
// joins and leaves show up in the rates.
type Poller struct {
	cfg      PollerConfig
	client   RoomServiceClient
	registry ports.RoomRegistry
	sink     ports.RoomEventSink
	breaker  *circuitbreaker.CircuitBreaker
	observer PollObserver
	now      func() time.Time
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	lastErr error
}

type PollerOption func(*Poller)

func WithRoomServiceClient(c RoomServiceClient) PollerOption {
	return func(p *Poller) { p.client = c }
}

func WithPollObserver(o PollObserver) PollerOption {
	return func(p *Poller) { p.observer = o }
}

func NewPoller(cfg PollerConfig, registry ports.RoomRegistry, sink ports.RoomEventSink, logger *zap.SugaredLogger, opts ...PollerOption) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = retryable
	}

	p := &Poller{
		cfg:      cfg,
		registry: registry,
		sink:     sink,
		breaker:  circuitbreaker.New(cfg.Breaker),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = lkproto.NewRoomServiceProtobufClient(httpURL(cfg.URL), &http.Client{Timeout: cfg.RequestTimeout})
	}

	p.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("livekit circuit breaker state changed", "from", from.String(), "to", to.String())
	})
	return p
}

// Run syncs immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Infow("livekit poller started", "url", p.cfg.URL, "interval", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.safeSync(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("livekit poller stopped")
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) safeSync(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("livekit sync panic", "panic", r)
		}
	}()

	synced, err := p.Sync(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Errorw("livekit sync failed", "error", err)
			p.setLastErr(apperrors.NewUpstreamError(err, "livekit sync failed"))
		}
		return
	}
	p.setLastErr(nil)
	if synced > 0 {
		p.logger.Debugw("synced rooms from livekit", "rooms", synced)
	}
}

// Health returns the error of the latest sync, nil once a sync succeeds.
func (p *Poller) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Poller) setLastErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

// Sync fetches all rooms and their participants and reconciles the
// registry. It returns the number of rooms seen.
func (p *Poller) Sync(ctx context.Context) (int, error) {
	start := p.now()
	defer func() {
		if p.observer != nil {
			p.observer.RecordPoll(p.now().Sub(start))
		}
	}()

	rooms, err := p.listRooms(ctx)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(rooms))
	for _, lkRoom := range rooms {
		participants, err := p.listParticipants(ctx, lkRoom.Name)
		if err != nil {
			return 0, err
		}
		seen[lkRoom.Sid] = struct{}{}
		p.reconcileRoom(ctx, lkRoom, participants)
	}

	for _, room := range p.registry.ListRooms() {
		if _, ok := seen[room.SID]; ok {
			continue
		}
		if removed, ok := p.registry.RemoveRoom(room.SID); ok {
			p.logger.Infow("room no longer reported by livekit", "room", removed.Name, "room_sid", removed.SID)
			p.sink.HandleRoomEvent(ctx, domain.RoomEvent{Type: domain.RoomFinished, Room: &removed})
		}
	}

	return len(rooms), nil
}

func (p *Poller) reconcileRoom(ctx context.Context, lkRoom *lkproto.Room, participants []*lkproto.ParticipantInfo) {
	existing, known := p.registry.GetRoom(lkRoom.Sid)
	if !known {
		createdAt := p.now()
		if lkRoom.CreationTime > 0 {
			createdAt = time.Unix(lkRoom.CreationTime, 0)
		}
		p.registry.AddRoom(domain.Room{
			SID:       lkRoom.Sid,
			Name:      lkRoom.Name,
			CreatedAt: createdAt.UTC(),
		})
	}

	current := make(map[string]struct{}, len(participants))
	for _, info := range participants {
		current[info.Sid] = struct{}{}
		incoming := toParticipant(info, p.now())
		if known && existing.Participant(info.Sid) != nil {
			p.registry.UpdateParticipant(lkRoom.Sid, info.Sid, func(pt *domain.Participant) {
				pt.Name = incoming.Name
				pt.IsPublisher = incoming.IsPublisher
				pt.TracksPublished = incoming.TracksPublished
			})
			continue
		}
		p.registry.AddParticipant(lkRoom.Sid, incoming)
	}

	if known {
		for _, pt := range existing.Participants {
			if _, ok := current[pt.SID]; !ok {
				p.registry.RemoveParticipant(lkRoom.Sid, pt.SID, false)
			}
		}
		return
	}

	if stored, ok := p.registry.GetRoom(lkRoom.Sid); ok {
		p.sink.HandleRoomEvent(ctx, domain.RoomEvent{Type: domain.RoomStarted, Room: &stored})
	}
}

func (p *Poller) listRooms(ctx context.Context) ([]*lkproto.Room, error) {
	ctx, span := tracing.TraceLiveKitCall(ctx, "ListRooms")
	defer span.End()

	var rooms []*lkproto.Room
	err := p.call(ctx, auth.VideoGrant{RoomList: true}, func(ctx context.Context) error {
		resp, err := p.client.ListRooms(ctx, &lkproto.ListRoomsRequest{})
		if err != nil {
			return err
		}
		rooms = resp.Rooms
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

func (p *Poller) listParticipants(ctx context.Context, roomName string) ([]*lkproto.ParticipantInfo, error) {
	ctx, span := tracing.TraceLiveKitCall(ctx, "ListParticipants")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RoomNameKey.String(roomName))

	var participants []*lkproto.ParticipantInfo
	err := p.call(ctx, auth.VideoGrant{RoomAdmin: true, Room: roomName}, func(ctx context.Context) error {
		resp, err := p.client.ListParticipants(ctx, &lkproto.ListParticipantsRequest{Room: roomName})
		if err != nil {
			return err
		}
		participants = resp.Participants
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to list participants for room %s: %w", roomName, err)
	}
	return participants, nil
}

// call runs fn through the circuit breaker with retries, attaching a fresh
// access token for grant.
func (p *Poller) call(ctx context.Context, grant auth.VideoGrant, fn func(ctx context.Context) error) error {
	ctx, err := p.withToken(ctx, &grant)
	if err != nil {
		return err
	}

	return retry.Retry(ctx, p.cfg.Retry, func() error {
		return p.breaker.Execute(ctx, func() error {
			reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
			defer cancel()
			return fn(reqCtx)
		})
	})
}

func (p *Poller) withToken(ctx context.Context, grant *auth.VideoGrant) (context.Context, error) {
	token, err := auth.NewAccessToken(p.cfg.APIKey, p.cfg.APISecret).
		AddGrant(grant).
		SetValidFor(time.Minute).
		ToJWT()
	if err != nil {
		return ctx, fmt.Errorf("failed to sign access token: %w", err)
	}

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)
	return twirp.WithHTTPRequestHeaders(ctx, header)
}

func toParticipant(info *lkproto.ParticipantInfo, now time.Time) domain.Participant {
	joinedAt := now
	if info.JoinedAt > 0 {
		joinedAt = time.Unix(info.JoinedAt, 0)
	}
	name := info.Name
	if name == "" {
		name = info.Identity
	}
	return domain.Participant{
		SID:               info.Sid,
		Identity:          info.Identity,
		Name:              name,
		JoinedAt:          joinedAt.UTC(),
		ConnectionQuality: domain.QualityUnknown,
		IsPublisher:       len(info.Tracks) > 0,
		TracksPublished:   len(info.Tracks),
	}
}

// retryable skips errors another attempt cannot fix: an open breaker and
// twirp client errors such as bad credentials.
func retryable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var terr twirp.Error
	if errors.As(err, &terr) {
		switch terr.Code() {
		case twirp.Unauthenticated, twirp.PermissionDenied, twirp.InvalidArgument, twirp.NotFound:
			return false
		}
	}
	return true
}

// httpURL maps a ws(s):// server URL to the http(s) endpoint twirp expects.
func httpURL(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}
