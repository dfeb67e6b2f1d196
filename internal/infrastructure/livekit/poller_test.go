package livekit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"opsconsole/internal/core/domain"
	"opsconsole/internal/core/services"
	"opsconsole/pkg/circuitbreaker"
	apperrors "opsconsole/pkg/errors"
	"opsconsole/pkg/retry"

	lkproto "github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twitchtv/twirp"
	"go.uber.org/zap/zaptest"
)

type fakeRoomService struct {
	mu           sync.Mutex
	rooms        []*lkproto.Room
	participants map[string][]*lkproto.ParticipantInfo
	failures     int
	calls        int
	authHeaders  []string
}

func (f *fakeRoomService) ListRooms(ctx context.Context, req *lkproto.ListRoomsRequest) (*lkproto.ListRoomsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if header, ok := twirp.HTTPRequestHeaders(ctx); ok {
		f.authHeaders = append(f.authHeaders, header.Get("Authorization"))
	}
	if f.failures > 0 {
		f.failures--
		return nil, twirp.NewError(twirp.Unavailable, "livekit unavailable")
	}
	return &lkproto.ListRoomsResponse{Rooms: f.rooms}, nil
}

func (f *fakeRoomService) ListParticipants(ctx context.Context, req *lkproto.ListParticipantsRequest) (*lkproto.ListParticipantsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &lkproto.ListParticipantsResponse{Participants: f.participants[req.Room]}, nil
}

func (f *fakeRoomService) set(rooms []*lkproto.Room, participants map[string][]*lkproto.ParticipantInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = rooms
	f.participants = participants
}

func newTestPoller(t *testing.T, client *fakeRoomService) (*Poller, *services.MetricsStore, *recordingSink) {
	t.Helper()
	store := services.NewMetricsStore(10, services.WithClock(func() time.Time { return testNow }))
	sink := &recordingSink{}
	cfg := PollerConfig{
		URL:       "ws://localhost:7880",
		APIKey:    "APIkey",
		APISecret: "a-very-long-secret-for-signing-tokens",
		Interval:  10 * time.Millisecond,
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		Breaker: circuitbreaker.DefaultConfig(),
	}
	p := NewPoller(cfg, store, sink, zaptest.NewLogger(t).Sugar(), WithRoomServiceClient(client))
	return p, store, sink
}

func tracks(n int) []*lkproto.TrackInfo {
	out := make([]*lkproto.TrackInfo, n)
	for i := range out {
		out[i] = &lkproto.TrackInfo{Sid: "TR_" + string(rune('a'+i))}
	}
	return out
}

func TestPoller_SyncReconcilesRooms(t *testing.T) {
	client := &fakeRoomService{}
	p, store, sink := newTestPoller(t, client)
	ctx := context.Background()

	client.set(
		[]*lkproto.Room{{Sid: "RM_1", Name: "standup", CreationTime: testNow.Add(-time.Hour).Unix()}},
		map[string][]*lkproto.ParticipantInfo{
			"standup": {
				{Sid: "PA_1", Identity: "alice", Tracks: tracks(2)},
				{Sid: "PA_2", Identity: "bob", Name: "Bob"},
			},
		},
	)

	n, err := p.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	room, ok := store.GetRoom("RM_1")
	require.True(t, ok)
	assert.Equal(t, 2, room.ParticipantCount)
	assert.Equal(t, testNow.Add(-time.Hour), room.CreatedAt)
	assert.True(t, room.Participant("PA_1").IsPublisher)
	assert.Equal(t, 2, room.Participant("PA_1").TracksPublished)
	assert.Equal(t, "Bob", room.Participant("PA_2").Name)
	assert.Equal(t, 2.0, store.ComputeCurrentMetrics().JoinRate)

	// bob leaves, carol joins, alice unpublishes a track
	client.set(
		[]*lkproto.Room{{Sid: "RM_1", Name: "standup"}},
		map[string][]*lkproto.ParticipantInfo{
			"standup": {
				{Sid: "PA_1", Identity: "alice", Tracks: tracks(1)},
				{Sid: "PA_3", Identity: "carol"},
			},
		},
	)
	_, err = p.Sync(ctx)
	require.NoError(t, err)

	room, _ = store.GetRoom("RM_1")
	assert.Equal(t, 2, room.ParticipantCount)
	assert.Nil(t, room.Participant("PA_2"))
	assert.Equal(t, 1, room.Participant("PA_1").TracksPublished)
	metrics := store.ComputeCurrentMetrics()
	assert.Equal(t, 3.0, metrics.JoinRate)
	assert.Equal(t, 1.0, metrics.LeaveRate)

	// room gone from the server
	client.set(nil, nil)
	_, err = p.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, store.ListRooms())

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.RoomStarted, events[0].Type)
	assert.Equal(t, domain.RoomFinished, events[1].Type)
	assert.Equal(t, "RM_1", events[1].Room.SID)
}

func TestPoller_AttachesBearerToken(t *testing.T) {
	client := &fakeRoomService{}
	p, _, _ := newTestPoller(t, client)

	_, err := p.Sync(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, client.authHeaders)
	assert.Regexp(t, `^Bearer .+\..+\..+$`, client.authHeaders[0])
}

func TestPoller_RetriesTransientFailures(t *testing.T) {
	client := &fakeRoomService{failures: 1}
	p, _, _ := newTestPoller(t, client)

	_, err := p.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestPoller_SyncErrorLeavesStoreUntouched(t *testing.T) {
	client := &fakeRoomService{failures: 10}
	p, store, _ := newTestPoller(t, client)
	store.AddRoom(domain.Room{SID: "RM_keep", Name: "keep", CreatedAt: testNow})

	_, err := p.Sync(context.Background())
	require.Error(t, err)
	assert.Len(t, store.ListRooms(), 1)
}

func TestPoller_HealthReflectsLastSync(t *testing.T) {
	client := &fakeRoomService{failures: 10}
	p, _, _ := newTestPoller(t, client)
	ctx := context.Background()

	require.NoError(t, p.Health(ctx), "healthy before the first sync")

	p.safeSync(ctx)
	err := p.Health(ctx)
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeUpstream, appErr.Code)

	client.mu.Lock()
	client.failures = 0
	client.mu.Unlock()

	p.safeSync(ctx)
	assert.NoError(t, p.Health(ctx))
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	client := &fakeRoomService{}
	p, _, _ := newTestPoller(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.calls >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestHTTPURL(t *testing.T) {
	assert.Equal(t, "http://localhost:7880", httpURL("ws://localhost:7880"))
	assert.Equal(t, "https://lk.example.com", httpURL("wss://lk.example.com"))
	assert.Equal(t, "https://lk.example.com", httpURL("https://lk.example.com"))
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(twirp.NewError(twirp.Unavailable, "down")))
	assert.True(t, retryable(errors.New("connection reset")))
	assert.False(t, retryable(twirp.NewError(twirp.Unauthenticated, "bad token")))
	assert.False(t, retryable(fmt.Errorf("wrapped: %w", circuitbreaker.ErrOpen)))
}
