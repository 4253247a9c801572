package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/watchroom-live/backend/internal/v1/logging"
	"github.com/watchroom-live/backend/internal/v1/metrics"
)

// Envelope is the standardized container for moving room events between nodes.
type Envelope struct {
	RoomID  string          `json:"roomId,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	// NodeID identifies the publishing process. Subscribers drop envelopes
	// carrying their own node id: the publisher already delivered the event
	// to its local subscribers.
	NodeID string `json:"nodeId"`
}

// Service handles pub/sub interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	nodeID string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NodeID returns the identifier this service stamps on published envelopes.
func (s *Service) NodeID() string {
	if s == nil {
		return ""
	}
	return s.nodeID
}

// NewService creates a Redis connection for cross-node fan-out.
func NewService(addr, password, nodeID string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis pub/sub", zap.String("addr", addr), zap.String("nodeId", nodeID))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		nodeID: nodeID,
	}, nil
}

func roomChannel(roomID string) string {
	return "sync:room:" + roomID
}

func userChannel(userID string) string {
	return "sync:user:" + userID
}

// Publish broadcasts a room event to subscribers on all other nodes.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.publish(ctx, roomChannel(roomID), Envelope{RoomID: roomID, Event: event, NodeID: s.nodeID}, payload)
}

// PublishUser sends an event to a specific user's direct channel on every
// node; the node hosting that user's connections delivers it.
func (s *Service) PublishUser(ctx context.Context, userID string, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.publish(ctx, userChannel(userID), Envelope{Event: event, NodeID: s.nodeID}, payload)
}

func (s *Service) publish(ctx context.Context, channel string, env Envelope, payload any) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}
		env.Payload = inner

		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-bus").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: dropping publish", zap.String("channel", channel))
			return nil // Graceful degradation: drop, don't crash caller
		}
		logging.Error(ctx, "Redis publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}

	return nil
}

// Subscribe starts a background goroutine that delivers room envelopes from
// other nodes to handler. Cancel ctx to stop the listener.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(Envelope)) {
	s.subscribe(ctx, roomChannel(roomID), wg, handler)
}

// SubscribeUser listens on a user's direct channel.
func (s *Service) SubscribeUser(ctx context.Context, userID string, wg *sync.WaitGroup, handler func(Envelope)) {
	s.subscribe(ctx, userChannel(userID), wg, handler)
}

func (s *Service) subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to Redis channel", zap.String("channel", channel))

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(context.Background(), "Redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(context.Background(), "Failed to unmarshal Redis envelope", zap.Error(err), zap.String("raw", msg.Payload))
					continue
				}

				if env.NodeID == s.nodeID {
					continue // our own publish, already delivered locally
				}

				handler(env)
			}
		}
	}()
}

// Ping checks Redis connectivity; used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-bus").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
