package livekit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"opsconsole/internal/core/domain"
	"opsconsole/internal/core/services"

	"github.com/livekit/protocol/auth"
	lkproto "github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protojson"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.RoomEvent
}

func (s *recordingSink) HandleRoomEvent(ctx context.Context, ev domain.RoomEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []domain.RoomEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RoomEvent(nil), s.events...)
}

type countingWebhookObserver struct {
	ok, failed map[string]int
}

func (o *countingWebhookObserver) RecordWebhookEvent(event string, ok bool) {
	if ok {
		o.ok[event]++
	} else {
		o.failed[event]++
	}
}

func newTestProcessor(t *testing.T, opts ...WebhookOption) (*WebhookProcessor, *services.MetricsStore, *recordingSink) {
	t.Helper()
	store := services.NewMetricsStore(10, services.WithClock(func() time.Time { return testNow }))
	sink := &recordingSink{}
	opts = append([]WebhookOption{WithWebhookClock(func() time.Time { return testNow })}, opts...)
	return NewWebhookProcessor(store, sink, zaptest.NewLogger(t).Sugar(), opts...), store, sink
}

func webhookRequest(t *testing.T, event *lkproto.WebhookEvent) *http.Request {
	t.Helper()
	body, err := protojson.Marshal(event)
	require.NoError(t, err)
	return httptest.NewRequest(http.MethodPost, "/api/livekit/webhook", bytes.NewReader(body))
}

func TestWebhook_RoomLifecycle(t *testing.T) {
	p, store, sink := newTestProcessor(t)
	ctx := context.Background()

	room := &lkproto.Room{Sid: "RM_1", Name: "standup", CreationTime: testNow.Add(-time.Minute).Unix()}

	require.NoError(t, p.Receive(ctx, webhookRequest(t, &lkproto.WebhookEvent{Event: EventRoomStarted, Room: room})))
	stored, ok := store.GetRoom("RM_1")
	require.True(t, ok)
	assert.Equal(t, "standup", stored.Name)
	assert.Equal(t, testNow.Add(-time.Minute), stored.CreatedAt)

	require.NoError(t, p.Receive(ctx, webhookRequest(t, &lkproto.WebhookEvent{
		Event:       EventParticipantJoined,
		Room:        room,
		Participant: &lkproto.ParticipantInfo{Sid: "PA_1", Identity: "alice"},
	})))
	stored, _ = store.GetRoom("RM_1")
	require.Len(t, stored.Participants, 1)
	assert.Equal(t, "alice", stored.Participants[0].Name, "name falls back to identity")
	assert.Equal(t, domain.QualityUnknown, stored.Participants[0].ConnectionQuality)
	assert.Equal(t, testNow, stored.Participants[0].JoinedAt)

	require.NoError(t, p.Receive(ctx, webhookRequest(t, &lkproto.WebhookEvent{
		Event:       EventParticipantLeft,
		Room:        room,
		Participant: &lkproto.ParticipantInfo{Sid: "PA_1", Identity: "alice", State: lkproto.ParticipantInfo_DISCONNECTED},
	})))
	assert.Equal(t, 1.0, store.ComputeCurrentMetrics().DisconnectRate)

	require.NoError(t, p.Receive(ctx, webhookRequest(t, &lkproto.WebhookEvent{Event: EventRoomFinished, Room: room})))
	_, ok = store.GetRoom("RM_1")
	assert.False(t, ok)

	events := sink.all()
	require.Len(t, events, 4)
	assert.Equal(t, domain.RoomStarted, events[0].Type)
	assert.Equal(t, domain.ParticipantJoined, events[1].Type)
	assert.Equal(t, "RM_1", events[1].RoomSID)
	assert.Equal(t, domain.ParticipantLeft, events[2].Type)
	assert.Equal(t, "PA_1", events[2].ParticipantSID)
	assert.True(t, events[2].IsDisconnect)
	assert.Equal(t, domain.RoomFinished, events[3].Type)
	require.NotNil(t, events[3].Room)
	assert.Equal(t, "standup", events[3].Room.Name)
}

func TestWebhook_RoomStartedCreatedAtPrecedence(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	eventTime := testNow.Add(-2 * time.Minute)

	_, err := p.Process(&lkproto.WebhookEvent{
		Event:     EventRoomStarted,
		CreatedAt: eventTime.Unix(),
		Room:      &lkproto.Room{Sid: "RM_a", Name: "a", CreationTime: testNow.Add(-time.Hour).Unix()},
	})
	require.NoError(t, err)
	_, err = p.Process(&lkproto.WebhookEvent{Event: EventRoomStarted, Room: &lkproto.Room{Sid: "RM_b", Name: "b"}})
	require.NoError(t, err)

	a, _ := store.GetRoom("RM_a")
	b, _ := store.GetRoom("RM_b")
	assert.Equal(t, eventTime, a.CreatedAt)
	assert.Equal(t, testNow, b.CreatedAt)
}

func TestWebhook_TrackEventsAdjustPublisher(t *testing.T) {
	p, store, sink := newTestProcessor(t)
	room := &lkproto.Room{Sid: "RM_1", Name: "demo"}
	pa := &lkproto.ParticipantInfo{Sid: "PA_1", Identity: "bob"}

	for _, ev := range []*lkproto.WebhookEvent{
		{Event: EventRoomStarted, Room: room},
		{Event: EventParticipantJoined, Room: room, Participant: pa},
		{Event: EventTrackPublished, Room: room, Participant: pa},
		{Event: EventTrackPublished, Room: room, Participant: pa},
	} {
		_, err := p.Process(ev)
		require.NoError(t, err)
	}

	stored, _ := store.GetRoom("RM_1")
	assert.True(t, stored.Participants[0].IsPublisher)
	assert.Equal(t, 2, stored.Participants[0].TracksPublished)

	for i := 0; i < 3; i++ {
		result, err := p.Process(&lkproto.WebhookEvent{Event: EventTrackUnpublished, Room: room, Participant: pa})
		require.NoError(t, err)
		assert.Nil(t, result, "track events are not broadcast")
	}

	stored, _ = store.GetRoom("RM_1")
	assert.False(t, stored.Participants[0].IsPublisher)
	assert.Equal(t, 0, stored.Participants[0].TracksPublished)
	assert.Empty(t, sink.all())
}

func TestWebhook_IgnoredEvents(t *testing.T) {
	p, store, sink := newTestProcessor(t)
	ctx := context.Background()

	cases := []*lkproto.WebhookEvent{
		{Event: "egress_started"},
		{Event: EventRoomFinished, Room: &lkproto.Room{Sid: "RM_unknown"}},
		{Event: EventParticipantJoined, Room: &lkproto.Room{Sid: "RM_unknown"}, Participant: &lkproto.ParticipantInfo{Sid: "PA_1"}},
		{Event: EventParticipantLeft, Room: &lkproto.Room{Sid: "RM_unknown"}, Participant: &lkproto.ParticipantInfo{Sid: "PA_1"}},
	}
	for _, ev := range cases {
		assert.NoError(t, p.Receive(ctx, webhookRequest(t, ev)), ev.Event)
	}

	assert.Empty(t, sink.all())
	assert.Empty(t, store.ListRooms())
	assert.Zero(t, store.ComputeCurrentMetrics().LeaveRate)
}

func TestWebhook_MissingSIDs(t *testing.T) {
	obs := &countingWebhookObserver{ok: map[string]int{}, failed: map[string]int{}}
	p, store, sink := newTestProcessor(t, WithWebhookObserver(obs))
	ctx := context.Background()

	cases := []*lkproto.WebhookEvent{
		{Event: EventRoomStarted},
		{Event: EventRoomStarted, Room: &lkproto.Room{Name: "no-sid"}},
		{Event: EventRoomFinished, Room: &lkproto.Room{}},
		{Event: EventParticipantJoined, Room: &lkproto.Room{Sid: "RM_1"}},
		{Event: EventParticipantLeft, Room: &lkproto.Room{Sid: "RM_1"}, Participant: &lkproto.ParticipantInfo{Identity: "alice"}},
		{Event: EventTrackPublished, Participant: &lkproto.ParticipantInfo{Sid: "PA_1"}},
	}
	for _, ev := range cases {
		err := p.Receive(ctx, webhookRequest(t, ev))
		require.Error(t, err, ev.Event)
		assert.ErrorIs(t, err, domain.ErrMalformedEvent)
		assert.True(t, IsClientError(err))
	}

	assert.Equal(t, 2, obs.failed[EventRoomStarted])
	assert.Equal(t, 1, obs.failed[EventTrackPublished])
	assert.Empty(t, sink.all())
	assert.Empty(t, store.ListRooms())
}

func TestWebhook_MalformedBody(t *testing.T) {
	obs := &countingWebhookObserver{ok: map[string]int{}, failed: map[string]int{}}
	p, _, _ := newTestProcessor(t, WithWebhookObserver(obs))

	for _, body := range []string{"", "not json", `{"room":{"sid":"RM_1"}}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/livekit/webhook", bytes.NewBufferString(body))
		err := p.Receive(context.Background(), req)
		require.Error(t, err, body)
		assert.ErrorIs(t, err, domain.ErrMalformedEvent)
		assert.True(t, IsClientError(err))
	}
	assert.Equal(t, 3, obs.failed["invalid"])
}

func TestWebhook_AcceptsSnakeCaseJSON(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	body := `{"event":"room_started","room":{"sid":"RM_9","name":"ops","creation_time":"1709287200"},"unknown_field":1}`

	req := httptest.NewRequest(http.MethodPost, "/api/livekit/webhook", bytes.NewBufferString(body))
	require.NoError(t, p.Receive(context.Background(), req))

	room, ok := store.GetRoom("RM_9")
	require.True(t, ok)
	assert.Equal(t, int64(1709287200), room.CreatedAt.Unix())
}

func signedRequest(t *testing.T, key, secret string, event *lkproto.WebhookEvent) *http.Request {
	t.Helper()
	body, err := protojson.Marshal(event)
	require.NoError(t, err)

	sum := sha256.Sum256(body)
	token, err := auth.NewAccessToken(key, secret).
		SetValidFor(time.Minute).
		SetSha256(base64.StdEncoding.EncodeToString(sum[:])).
		ToJWT()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/livekit/webhook", bytes.NewReader(body))
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/webhook+json")
	return req
}

func TestWebhook_SignedDeliveries(t *testing.T) {
	p, store, _ := newTestProcessor(t, WithWebhookKeys("APIkey", "a-very-long-secret-for-signing-tokens"))
	require.True(t, p.Signed())

	event := &lkproto.WebhookEvent{Event: EventRoomStarted, Room: &lkproto.Room{Sid: "RM_1", Name: "signed"}}

	require.NoError(t, p.Receive(context.Background(), signedRequest(t, "APIkey", "a-very-long-secret-for-signing-tokens", event)))
	_, ok := store.GetRoom("RM_1")
	assert.True(t, ok)

	err := p.Receive(context.Background(), signedRequest(t, "APIkey", "some-other-secret-of-similar-length!!", event))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	err = p.Receive(context.Background(), webhookRequest(t, event))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestWithWebhookKeys_RequiresBothParts(t *testing.T) {
	p, _, _ := newTestProcessor(t, WithWebhookKeys("APIkey", ""))
	assert.False(t, p.Signed())
}
