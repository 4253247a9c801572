package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/watchroom-live/backend/internal/v1/advancer"
	"github.com/watchroom-live/backend/internal/v1/auth"
	"github.com/watchroom-live/backend/internal/v1/bus"
	"github.com/watchroom-live/backend/internal/v1/config"
	"github.com/watchroom-live/backend/internal/v1/logging"
	"github.com/watchroom-live/backend/internal/v1/metrics"
	"github.com/watchroom-live/backend/internal/v1/ratelimit"
	"github.com/watchroom-live/backend/internal/v1/store"
	"github.com/watchroom-live/backend/pkg/livekit"
)

// Deps are the collaborators a Hub needs. LiveKit and ConnLimiter may be nil;
// the corresponding surfaces degrade (token events fail with
// livekit_not_configured, no ingress connection limit).
type Deps struct {
	Validator      auth.TokenValidator
	Bus            *bus.Service
	Store          *store.Store
	Buckets        *ratelimit.Buckets
	ConnLimiter    *ratelimit.ConnLimiter
	Advancer       *advancer.Advancer
	LiveKit        *livekit.Client
	Config         *config.Config
	AllowedOrigins []string
}

// Hub coordinates every room this node hosts: WebSocket upgrades, the event
// router, the per-room fan-out endpoints, and the presence broadcast loop.
type Hub struct {
	rooms               map[string]*localRoom
	mu                  sync.Mutex
	pendingRoomCleanups map[string]*time.Timer
	cleanupGracePeriod  time.Duration

	validator   auth.TokenValidator
	bus         *bus.Service
	store       *store.Store
	buckets     *ratelimit.Buckets
	connLimiter *ratelimit.ConnLimiter
	advancer    *advancer.Advancer
	livekit     *livekit.Client
	cfg         *config.Config
	origins     []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// nowMs is the clock, replaceable in tests.
	nowMs func() int64
}

// NewHub wires a hub from its dependencies.
func NewHub(deps Deps) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:               make(map[string]*localRoom),
		pendingRoomCleanups: make(map[string]*time.Timer),
		cleanupGracePeriod:  5 * time.Second,
		validator:           deps.Validator,
		bus:                 deps.Bus,
		store:               deps.Store,
		buckets:             deps.Buckets,
		connLimiter:         deps.ConnLimiter,
		advancer:            deps.Advancer,
		livekit:             deps.LiveKit,
		cfg:                 deps.Config,
		origins:             deps.AllowedOrigins,
		ctx:                 ctx,
		cancel:              cancel,
		nowMs:               func() int64 { return time.Now().UnixMilli() },
	}
}

// Start launches the presence broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.presenceLoop()
}

// presenceLoop drains the shared dirty set on a fixed tick and fans the
// refreshed online counts out. The dirty set is shared across nodes, so
// whichever node pops a room publishes for the whole cluster.
func (h *Hub) presenceLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(time.Duration(h.cfg.PresenceBroadcastEveryMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.broadcastPresence()
		}
	}
}

func (h *Hub) broadcastPresence() {
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()

	rooms, err := h.store.Hot.PopDirtyRooms(ctx)
	if err != nil {
		logging.Error(ctx, "Presence dirty-set read failed", zap.Error(err))
		return
	}

	for _, roomID := range rooms {
		count, err := h.store.Hot.PresenceCount(ctx, roomID)
		if err != nil {
			logging.Error(ctx, "Presence count failed", zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		h.fanOut(ctx, roomID, EventPresenceUpdate, presencePush{RoomID: roomID, OnlineCount: count})
	}
}

// fanOut delivers an event to this node's subscribers and publishes it for
// every other node.
func (h *Hub) fanOut(ctx context.Context, roomID, event string, payload any) {
	h.mu.Lock()
	room := h.rooms[roomID]
	h.mu.Unlock()

	if room != nil {
		room.broadcast(event, payload)
	}
	if err := h.bus.Publish(ctx, roomID, event, payload); err != nil {
		logging.Warn(ctx, "Bus publish failed", zap.String("room_id", roomID), zap.String("event", event), zap.Error(err))
	}
}

// ServeWs authenticates the request and upgrades it to a WebSocket
// connection.
//
// Responses:
//   - 429 when the per-IP connection rate is exceeded.
//   - 401 when the token is missing or invalid.
//   - Upgrades to WebSocket on success.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.connLimiter != nil && !h.connLimiter.Check(c) {
		return
	}

	// Short-window burst control on top of the formatted ingress limit.
	res := h.buckets.Consume(c.Request.Context(), ratelimit.ConnKey(c.ClientIP()), ratelimit.Policy{
		Capacity:     h.cfg.ConnBucketCapacity,
		RefillPerSec: h.cfg.ConnBucketRefill,
		TTL:          time.Minute,
	}, h.nowMs())
	if !res.Allowed {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": ErrCodeRateLimited, "retryAfterMs": res.RetryAfterMs})
		return
	}

	tokenString := c.Query("token")
	identity, err := h.validator.Validate(c.Request.Context(), tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": ErrCodeUnauthorized})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range h.origins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	displayName := c.Query("displayName")
	if displayName == "" {
		displayName = identity.DisplayName
	}

	client := &Client{
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		hub:         h,
		UserID:      identity.UserID,
		DisplayName: displayName,
		IsAnonymous: identity.IsAnonymous,
		done:        make(chan struct{}),
	}

	// Per-user direct channel for targeted pushes (call signaling).
	userCtx, cancelUser := context.WithCancel(h.ctx)
	client.cancelUser = cancelUser
	h.bus.SubscribeUser(userCtx, client.UserID, &h.wg, func(env bus.Envelope) {
		client.sendEvent(0, env.Event, json.RawMessage(env.Payload))
	})

	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
}

// getOrCreateRoom returns this node's fan-out endpoint for roomID, creating
// it (and its bus subscription) on first use. Cancels a pending cleanup when
// a client reconnects inside the grace period.
func (h *Hub) getOrCreateRoom(roomID string) *localRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[roomID]; ok {
		if timer, pending := h.pendingRoomCleanups[roomID]; pending {
			timer.Stop()
			delete(h.pendingRoomCleanups, roomID)
		}
		return room
	}

	room := newLocalRoom(roomID, h)
	h.rooms[roomID] = room
	metrics.ActiveRooms.Inc()
	return room
}

// removeRoom schedules removal of an empty room after a grace period, so a
// page refresh does not tear down and recreate the bus subscription.
func (h *Hub) removeRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingRoomCleanups[roomID]; ok {
		existing.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		room, ok := h.rooms[roomID]
		if !ok {
			delete(h.pendingRoomCleanups, roomID)
			return
		}
		if room.size() > 0 {
			delete(h.pendingRoomCleanups, roomID)
			return
		}

		room.close()
		delete(h.rooms, roomID)
		delete(h.pendingRoomCleanups, roomID)
		metrics.ActiveRooms.Dec()
		metrics.RoomSubscribers.DeleteLabelValues(roomID)
		h.advancer.Evict(roomID)
	})
	h.pendingRoomCleanups[roomID] = timer
}

// handleClientDisconnect runs when a client's read pump exits.
func (h *Hub) handleClientDisconnect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h.leaveRoom(ctx, c)
}

// leaveRoom detaches the client from its current room: presence, call
// membership, local fan-out.
func (h *Hub) leaveRoom(ctx context.Context, c *Client) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	c.setRoomID("")

	if c.isInCall() {
		c.setInCall(false)
		if err := h.store.Hot.CallLeave(ctx, roomID, c.UserID); err != nil {
			logging.Warn(ctx, "Call membership cleanup failed", zap.String("room_id", roomID), zap.Error(err))
		} else {
			h.broadcastCallPresence(ctx, roomID)
		}
	}

	if err := h.store.Hot.PresenceDecr(ctx, roomID, c.UserID); err != nil {
		logging.Warn(ctx, "Presence decrement failed", zap.String("room_id", roomID), zap.Error(err))
	}

	h.mu.Lock()
	room := h.rooms[roomID]
	h.mu.Unlock()
	if room != nil && room.remove(c) {
		h.removeRoom(roomID)
	}
}

func (h *Hub) broadcastCallPresence(ctx context.Context, roomID string) {
	members, err := h.store.Hot.CallMembers(ctx, roomID)
	if err != nil {
		logging.Warn(ctx, "Call membership read failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	h.fanOut(ctx, roomID, EventCallPresence, callPresencePush{RoomID: roomID, Participants: members})
}

// Shutdown stops the presence loop, closes every room's bus relay, and
// disconnects all clients.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()

	h.mu.Lock()
	for roomID, room := range h.rooms {
		room.close()

		room.mu.RLock()
		for c := range room.subscribers {
			c.Disconnect()
		}
		room.mu.RUnlock()

		if timer, ok := h.pendingRoomCleanups[roomID]; ok {
			timer.Stop()
			delete(h.pendingRoomCleanups, roomID)
		}
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
