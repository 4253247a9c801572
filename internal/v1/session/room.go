package session

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/watchroom-live/backend/internal/v1/bus"
	"github.com/watchroom-live/backend/internal/v1/logging"
	"github.com/watchroom-live/backend/internal/v1/metrics"
)

// localRoom tracks this node's subscribers for one room and relays the
// room's bus traffic to them. Authoritative room state lives in the store;
// the localRoom is purely a fan-out endpoint.
type localRoom struct {
	id  string
	hub *Hub

	mu          sync.RWMutex
	subscribers map[*Client]struct{}

	cancelBus context.CancelFunc
}

func newLocalRoom(id string, hub *Hub) *localRoom {
	r := &localRoom{
		id:          id,
		hub:         hub,
		subscribers: make(map[*Client]struct{}),
	}

	// Bus envelopes from other nodes feed straight into the local fan-out.
	busCtx, cancel := context.WithCancel(context.Background())
	r.cancelBus = cancel
	hub.bus.Subscribe(busCtx, id, &hub.wg, func(env bus.Envelope) {
		r.broadcastRaw(env.Event, env.Payload)
	})

	return r
}

func (r *localRoom) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[c] = struct{}{}
	metrics.RoomSubscribers.WithLabelValues(r.id).Set(float64(len(r.subscribers)))
}

// remove drops the client and reports whether the room is now empty.
func (r *localRoom) remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, c)
	metrics.RoomSubscribers.WithLabelValues(r.id).Set(float64(len(r.subscribers)))
	return len(r.subscribers) == 0
}

func (r *localRoom) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// broadcast fans a payload out to every local subscriber.
func (r *localRoom) broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal broadcast payload",
			zap.String("room_id", r.id), zap.String("event", event), zap.Error(err))
		return
	}
	r.broadcastRaw(event, data)
}

func (r *localRoom) broadcastRaw(event string, data json.RawMessage) {
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return
	}

	var slow []*Client
	r.mu.RLock()
	for c := range r.subscribers {
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range slow {
		metrics.SubscriberDisconnects.Inc()
		logging.Warn(context.Background(), "Disconnecting slow subscriber",
			zap.String("room_id", r.id), zap.String("user_id", c.UserID), zap.String("event", event))
		c.Disconnect()
	}
}

// close stops the bus relay. Called by the hub once the room has no local
// subscribers left.
func (r *localRoom) close() {
	if r.cancelBus != nil {
		r.cancelBus()
	}
}
