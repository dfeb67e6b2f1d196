package livekit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"opsconsole/internal/core/domain"
	"opsconsole/internal/core/ports"
	"opsconsole/pkg/tracing"

	"github.com/livekit/protocol/auth"
	lkproto "github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
)

const maxWebhookBody = 1 << 20

// Webhook event names sent by the LiveKit server.
const (
	EventRoomStarted       = "room_started"
	EventRoomFinished      = "room_finished"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventTrackPublished    = "track_published"
	EventTrackUnpublished  = "track_unpublished"
)

type WebhookObserver interface {
	RecordWebhookEvent(event string, ok bool)
}

// WebhookProcessor turns LiveKit webhook deliveries into store mutations
// and room_update events.
type WebhookProcessor struct {
	registry ports.RoomRegistry
	sink     ports.RoomEventSink
	keys     auth.KeyProvider
	observer WebhookObserver
	now      func() time.Time
	logger   *zap.SugaredLogger
}

type WebhookOption func(*WebhookProcessor)

// WithWebhookKeys requires every delivery to be signed with the given API
// key pair.
func WithWebhookKeys(apiKey, apiSecret string) WebhookOption {
	return func(p *WebhookProcessor) {
		if apiKey != "" && apiSecret != "" {
			p.keys = auth.NewSimpleKeyProvider(apiKey, apiSecret)
		}
	}
}

func WithWebhookObserver(o WebhookObserver) WebhookOption {
	return func(p *WebhookProcessor) { p.observer = o }
}

func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(p *WebhookProcessor) { p.now = now }
}

func NewWebhookProcessor(registry ports.RoomRegistry, sink ports.RoomEventSink, logger *zap.SugaredLogger, opts ...WebhookOption) *WebhookProcessor {
	p := &WebhookProcessor{
		registry: registry,
		sink:     sink,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Signed reports whether deliveries are verified against an API key.
func (p *WebhookProcessor) Signed() bool {
	return p.keys != nil
}

// Decode reads the event from r. With keys configured the Authorization
// token and body checksum are verified; otherwise the body is parsed as
// protobuf JSON.
func (p *WebhookProcessor) Decode(r *http.Request) (*lkproto.WebhookEvent, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxWebhookBody)

	if p.keys != nil {
		event, err := webhook.ReceiveWebhookEvent(r, p.keys)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
		}
		return event, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	event := &lkproto.WebhookEvent{}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(body, event); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if event.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", domain.ErrMalformedEvent)
	}
	return event, nil
}

// Receive decodes, applies and relays one webhook delivery.
func (p *WebhookProcessor) Receive(ctx context.Context, r *http.Request) error {
	event, err := p.Decode(r)
	if err != nil {
		p.record("invalid", false)
		return err
	}

	ctx, span := tracing.TraceWebhook(ctx, event.Event)
	defer span.End()

	result, err := p.Process(event)
	if err != nil {
		tracing.RecordError(ctx, err)
		p.record(event.Event, false)
		return err
	}
	p.record(event.Event, true)

	if result != nil {
		p.sink.HandleRoomEvent(ctx, *result)
	}
	return nil
}

// Process applies event to the registry. It returns the room event to
// broadcast, or nil when there is nothing to relay. Events the console does
// not track, and events about rooms it does not know, are ignored. Tracked
// events missing the room or participant sid fail with ErrMalformedEvent.
func (p *WebhookProcessor) Process(event *lkproto.WebhookEvent) (*domain.RoomEvent, error) {
	p.logger.Debugw("processing webhook event", "event", event.Event, "id", event.Id)

	if err := checkSIDs(event); err != nil {
		return nil, err
	}

	switch event.Event {
	case EventRoomStarted:
		return p.roomStarted(event), nil
	case EventRoomFinished:
		return p.roomFinished(event), nil
	case EventParticipantJoined:
		return p.participantJoined(event), nil
	case EventParticipantLeft:
		return p.participantLeft(event), nil
	case EventTrackPublished:
		p.trackChanged(event, 1)
		return nil, nil
	case EventTrackUnpublished:
		p.trackChanged(event, -1)
		return nil, nil
	default:
		p.logger.Debugw("unhandled webhook event", "event", event.Event)
		return nil, nil
	}
}

func (p *WebhookProcessor) roomStarted(event *lkproto.WebhookEvent) *domain.RoomEvent {
	createdAt := p.now()
	switch {
	case event.CreatedAt > 0:
		createdAt = time.Unix(event.CreatedAt, 0)
	case event.Room.CreationTime > 0:
		createdAt = time.Unix(event.Room.CreationTime, 0)
	}

	room := domain.Room{
		SID:       event.Room.Sid,
		Name:      event.Room.Name,
		CreatedAt: createdAt.UTC(),
	}
	p.registry.AddRoom(room)
	stored, _ := p.registry.GetRoom(room.SID)

	p.logger.Infow("room started", "room", room.Name, "room_sid", room.SID)
	return &domain.RoomEvent{Type: domain.RoomStarted, Room: &stored}
}

func (p *WebhookProcessor) roomFinished(event *lkproto.WebhookEvent) *domain.RoomEvent {
	room, ok := p.registry.RemoveRoom(event.Room.Sid)
	if !ok {
		return nil
	}

	p.logger.Infow("room finished", "room", room.Name, "room_sid", room.SID)
	return &domain.RoomEvent{Type: domain.RoomFinished, Room: &room}
}

func (p *WebhookProcessor) participantJoined(event *lkproto.WebhookEvent) *domain.RoomEvent {
	participant := toParticipant(event.Participant, p.now())
	participant.IsPublisher = false
	participant.TracksPublished = 0

	if !p.registry.AddParticipant(event.Room.Sid, participant) {
		return nil
	}

	p.logger.Infow("participant joined",
		"identity", participant.Identity,
		"room", roomLabel(event.Room),
	)
	return &domain.RoomEvent{
		Type:        domain.ParticipantJoined,
		RoomSID:     event.Room.Sid,
		Participant: &participant,
	}
}

func (p *WebhookProcessor) participantLeft(event *lkproto.WebhookEvent) *domain.RoomEvent {
	isDisconnect := event.Participant.State == lkproto.ParticipantInfo_DISCONNECTED
	if !p.registry.RemoveParticipant(event.Room.Sid, event.Participant.Sid, isDisconnect) {
		return nil
	}

	p.logger.Infow("participant left",
		"identity", event.Participant.Identity,
		"room", roomLabel(event.Room),
		"disconnect", isDisconnect,
	)
	return &domain.RoomEvent{
		Type:           domain.ParticipantLeft,
		RoomSID:        event.Room.Sid,
		ParticipantSID: event.Participant.Sid,
		IsDisconnect:   isDisconnect,
	}
}

// trackChanged adjusts the publisher's track count by delta.
func (p *WebhookProcessor) trackChanged(event *lkproto.WebhookEvent, delta int) {
	p.registry.UpdateParticipant(event.Room.Sid, event.Participant.Sid, func(pt *domain.Participant) {
		pt.TracksPublished += delta
		if pt.TracksPublished < 0 {
			pt.TracksPublished = 0
		}
		pt.IsPublisher = pt.TracksPublished > 0
	})
}

func checkSIDs(event *lkproto.WebhookEvent) error {
	var needParticipant bool
	switch event.Event {
	case EventRoomStarted, EventRoomFinished:
	case EventParticipantJoined, EventParticipantLeft, EventTrackPublished, EventTrackUnpublished:
		needParticipant = true
	default:
		return nil
	}

	if event.Room.GetSid() == "" {
		return fmt.Errorf("%w: %s without room.sid", domain.ErrMalformedEvent, event.Event)
	}
	if needParticipant && event.Participant.GetSid() == "" {
		return fmt.Errorf("%w: %s without participant.sid", domain.ErrMalformedEvent, event.Event)
	}
	return nil
}

func (p *WebhookProcessor) record(event string, ok bool) {
	if p.observer != nil {
		p.observer.RecordWebhookEvent(event, ok)
	}
}

func roomLabel(room *lkproto.Room) string {
	if room.Name != "" {
		return room.Name
	}
	return room.Sid
}

// IsClientError reports whether err was caused by the delivery itself.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrMalformedEvent) || errors.Is(err, domain.ErrInvalidSignature)
}
