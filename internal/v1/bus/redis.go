package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatrouter/engine/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// PubSubPayload is the standardized container for moving events between Pods.
// Channel schema: "room:{visitor_id}" (visitor-room fan-out), "org:{org_id}"
// (staff-facing org broadcast), "monitor:{org_id}" (supervisor/admin monitor
// stream), "sid:{sid}" (direct delivery to a single session; a staff ID in
// place of the sid reaches every open session of that staff member).
type PubSubPayload struct {
	RoomID   string          `json:"roomId"` // visitor_id the event concerns
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"` // used to prevent echo back to sender
	Roles    []string        `json:"roles,omitempty"`
}

// Service handles all interaction with the Redis cluster: pub/sub fan-out,
// ephemeral key/value state, and the durable task queues backing C7.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// OnlineStaffKey backs the flat Redis Set of currently-connected staff ids,
// maintained by session.Hub on staff connect/disconnect and consulted by
// room.Manager and reassign.Timer to pick in-app vs e-mail notification.
const OnlineStaffKey = "online_staff"

// IsStaffOnline reports whether staffID currently has a live connection.
func (s *Service) IsStaffOnline(ctx context.Context, staffID string) (bool, error) {
	return s.SetIsMember(ctx, OnlineStaffKey, staffID)
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
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
		Name:        "redis",
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
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts an event to every Pod watching a visitor's room.
// The roles parameter specifies which role types should receive this event (nil/empty = all roles).
func (s *Service) Publish(ctx context.Context, visitorID string, event string, payload any, senderID string, roles []string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			RoomID:   visitorID,
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
			Roles:    roles,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		channel := fmt.Sprintf("room:%s", visitorID)
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "visitorID", visitorID)
			return nil // Graceful degradation: drop message, don't crash caller
		}
		slog.Error("Redis Publish Failed", "visitorID", visitorID, "error", err)
		return err
	}

	return nil
}

// PublishOrg broadcasts an event to every staff member of an organisation
// (e.g. queue-depth changes, new unclaimed chats).
func (s *Service) PublishOrg(ctx context.Context, orgID string, event string, payload any, senderID string) error {
	return s.publishToChannel(ctx, fmt.Sprintf("org:%s", orgID), event, payload, senderID)
}

// PublishMonitor broadcasts an event to supervisors/admins monitoring an
// organisation's chats (take_over_chat announcements, priority changes).
func (s *Service) PublishMonitor(ctx context.Context, orgID string, event string, payload any, senderID string) error {
	return s.publishToChannel(ctx, fmt.Sprintf("monitor:%s", orgID), event, payload, senderID)
}

// PublishDirect sends a message directly to a single session.
func (s *Service) PublishDirect(ctx context.Context, sid string, event string, payload any, senderID string) error {
	return s.publishToChannel(ctx, fmt.Sprintf("sid:%s", sid), event, payload, senderID)
}

func (s *Service) publishToChannel(ctx context.Context, channel string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "channel", channel)
			return nil
		}
		slog.Error("Redis publish failed", "channel", channel, "senderID", senderID, "event", event, "error", err)
		return err
	}

	slog.Debug("Published message via Redis", "channel", channel, "senderID", senderID, "event", event)
	return nil
}

// Subscribe starts a background goroutine that listens for events on a
// visitor's room channel, published by other Pods.
func (s *Service) Subscribe(ctx context.Context, visitorID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	s.subscribeChannel(ctx, fmt.Sprintf("room:%s", visitorID), wg, handler)
}

// SubscribeOrg listens for org-wide staff broadcasts.
func (s *Service) SubscribeOrg(ctx context.Context, orgID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	s.subscribeChannel(ctx, fmt.Sprintf("org:%s", orgID), wg, handler)
}

// SubscribeMonitor listens for supervisor/admin monitor-stream broadcasts.
func (s *Service) SubscribeMonitor(ctx context.Context, orgID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	s.subscribeChannel(ctx, fmt.Sprintf("monitor:%s", orgID), wg, handler)
}

// SubscribeDirect listens for events addressed to this session only.
func (s *Service) SubscribeDirect(ctx context.Context, sid string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	s.subscribeChannel(ctx, fmt.Sprintf("sid:%s", sid), wg, handler)
}

func (s *Service) subscribeChannel(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
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

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("Failed to unmarshal Redis message", "error", err, "raw", msg.Payload)
					continue
				}

				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity using the PING command.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
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

// SetAdd adds a member to a Redis Set. Backs the online_visitors and
// online_staff presence sets.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping SetAdd", "key", key)
			return nil
		}
		slog.Error("Redis SetAdd failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis Set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping SetRem", "key", key)
			return nil
		}
		slog.Error("Redis SetRem failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis Set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: returning empty set members", "key", key)
			return nil, nil
		}
		slog.Error("Redis SetMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}

// SetIsMember reports whether member is currently in a Redis Set.
func (s *Service) SetIsMember(ctx context.Context, key string, member string) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SIsMember(ctx, key, member).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: assuming not a member", "key", key)
			return false, nil
		}
		slog.Error("Redis SetIsMember failed", "key", key, "member", member, "error", err)
		return false, fmt.Errorf("failed to check set membership: %w", err)
	}
	return res.(bool), nil
}

// Get fetches an ephemeral value (visitor_info:{visitor_id},
// unclaimed:{org}). Returns ("", nil) on a cache miss so callers
// fall back to the persistent store.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.client == nil {
		return "", nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		v, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return "", nil
		}
		return v, err
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: treating Get as cache miss", "key", key)
			return "", nil
		}
		slog.Error("Redis Get failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return res.(string), nil
}

// Set writes an ephemeral value with no expiry.
func (s *Service) Set(ctx context.Context, key, value string) error {
	return s.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL writes an ephemeral value that expires after ttl (ttl<=0 means no expiry).
func (s *Service) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping Set", "key", key)
			return nil
		}
		slog.Error("Redis Set failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Delete removes an ephemeral key.
func (s *Service) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, key).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping Delete", "key", key)
			return nil
		}
		slog.Error("Redis Delete failed", "key", key, "error", err)
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// MultiGet fetches several ephemeral keys in one round trip. Missing keys
// come back as empty strings rather than errors.
func (s *Service) MultiGet(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if s == nil || s.client == nil || len(keys) == 0 {
		return out, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.MGet(ctx, keys...).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: returning empty MultiGet", "keys", keys)
			return out, nil
		}
		slog.Error("Redis MultiGet failed", "keys", keys, "error", err)
		return nil, fmt.Errorf("failed to multi-get keys: %w", err)
	}

	values := res.([]interface{})
	for i, key := range keys {
		if i >= len(values) || values[i] == nil {
			out[key] = ""
			continue
		}
		if str, ok := values[i].(string); ok {
			out[key] = str
		}
	}
	return out, nil
}

// EnqueueTask pushes a durable task (e.g. a C7 e-mail notification) onto a
// named Redis list, to be drained by BRPOP-based workers.
func (s *Service) EnqueueTask(ctx context.Context, queue string, task any) error {
	if s == nil || s.client == nil {
		return nil
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.LPush(ctx, queue, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping task", "queue", queue)
			return nil
		}
		slog.Error("Redis EnqueueTask failed", "queue", queue, "error", err)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// DequeueTask blocks up to timeout waiting for a task on queue, returning
// its raw JSON payload. A zero-length, nil-error result means the timeout
// elapsed with nothing to do.
func (s *Service) DequeueTask(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.client.BRPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}
