package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/watchroom-live/backend/internal/v1/advancer"
	"github.com/watchroom-live/backend/internal/v1/auth"
	"github.com/watchroom-live/backend/internal/v1/bus"
	"github.com/watchroom-live/backend/internal/v1/config"
	"github.com/watchroom-live/backend/internal/v1/playback"
	"github.com/watchroom-live/backend/internal/v1/ratelimit"
	"github.com/watchroom-live/backend/internal/v1/store"
)

// mockConn is a scriptable wsConnection for tests.
type mockConn struct {
	written chan []byte
	closed  chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	<-m.closed
	return 0, nil, errors.New("connection closed")
}

func (m *mockConn) WriteMessage(_ int, data []byte) error {
	select {
	case m.written <- data:
	default:
	}
	return nil
}

func (m *mockConn) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

// fakeDurable is an in-memory durable store.
type fakeDurable struct {
	rooms map[string]store.RoomRecord
	roles map[string]string
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		rooms: make(map[string]store.RoomRecord),
		roles: make(map[string]string),
	}
}

func (f *fakeDurable) GetRoom(_ context.Context, roomID string) (*store.RoomRecord, error) {
	rec, ok := f.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeDurable) CreateRoom(_ context.Context, rec store.RoomRecord) error {
	if _, ok := f.rooms[rec.ID]; !ok {
		f.rooms[rec.ID] = rec
	}
	return nil
}

func (f *fakeDurable) PersistSnapshot(context.Context, playback.Snapshot) error { return nil }

func (f *fakeDurable) StageRoleFor(_ context.Context, roomID, userID string) (string, error) {
	return f.roles[roomID+":"+userID], nil
}

func (f *fakeDurable) Ping(context.Context) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		ExecBufferMs:                2000,
		SeekBufferMs:                2500,
		AudienceDelaySecondsDefault: 0,
		ChatMaxMessages:             200,
		ChatTTLSec:                  21600,
		RoomMaxStage:                20,
		RoomMaxTable:                8,
		PresenceBroadcastEveryMs:    50,
		ConnBucketCapacity:          20,
		ConnBucketRefill:            1,
		CmdBucketCapacity:           10,
		CmdBucketRefill:             2,
		ChatBucketCapacity:          5,
		ChatBucketRefill:            1,
		LiveKitURL:                  "wss://livekit.example.com",
	}
}

type testEnv struct {
	hub     *Hub
	store   *store.Store
	durable *fakeDurable
	mr      *miniredis.Miniredis
}

func newTestHub(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	busSvc, err := bus.NewService(mr.Addr(), "", "node-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = busSvc.Close() })

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	durable := newFakeDurable()
	st := store.New(store.NewHot(rc), durable, 0)
	adv := advancer.New(st)
	t.Cleanup(adv.Stop)

	hub := NewHub(Deps{
		Validator:      &auth.MockValidator{},
		Bus:            busSvc,
		Store:          st,
		Buckets:        ratelimit.NewBuckets(rc),
		Advancer:       adv,
		Config:         testConfig(),
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})

	return &testEnv{hub: hub, store: st, durable: durable, mr: mr}
}

func newTestClient(hub *Hub, userID, displayName string) (*Client, *mockConn) {
	conn := newMockConn()
	c := &Client{
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		hub:         hub,
		UserID:      userID,
		DisplayName: displayName,
		done:        make(chan struct{}),
	}
	return c, conn
}

// recvFrame pops the next outbound envelope from the client's queue.
func recvFrame(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return Envelope{}
	}
}

// recvEvent pops frames until one matches the wanted event.
func recvEvent(t *testing.T, c *Client, event string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", event)
			return Envelope{}
		}
	}
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func mustEnvelope(t *testing.T, id int64, event string, payload any) Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Envelope{ID: id, Event: event, Data: data}
}

func joinedClient(t *testing.T, env *testEnv, userID, displayName string) (*Client, string) {
	t.Helper()
	roomID := uuid.NewString()
	c, _ := newTestClient(env.hub, userID, displayName)
	env.hub.route(context.Background(), c, mustEnvelope(t, 1, EventRoomJoin, joinRequest{RoomID: roomID}))
	ack := recvEvent(t, c, EventAck)
	state := decodeData[roomStateAck](t, ack)
	require.True(t, state.OK)
	return c, roomID
}
