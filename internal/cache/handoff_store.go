package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wanderlust/booking-backend/internal/config"
)

// NewRedisClient creates a Redis client from configuration
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

// HandoffStore keeps the client handoff signals in Redis.
// While the gateway window is open the UI refreshes a heartbeat key with a short TTL.
// The window counts as closed after an explicit close notice, or once a heartbeat
// was seen and then expired.
type HandoffStore struct {
	client       *redis.Client
	heartbeatTTL time.Duration
	markerTTL    time.Duration
}

// NewHandoffStore creates a HandoffStore. markerTTL bounds how long close and
// trigger markers outlive a watch.
func NewHandoffStore(client *redis.Client, heartbeatTTL, markerTTL time.Duration) *HandoffStore {
	return &HandoffStore{
		client:       client,
		heartbeatTTL: heartbeatTTL,
		markerTTL:    markerTTL,
	}
}

// Heartbeat records that the gateway window for reference is still open
func (s *HandoffStore) Heartbeat(ctx context.Context, reference string) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, heartbeatKey(reference), "1", s.heartbeatTTL)
	pipe.Set(ctx, seenKey(reference), "1", s.markerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record handoff heartbeat: %w", err)
	}
	return nil
}

// MarkClosed records an explicit "window closed" notice from the UI
func (s *HandoffStore) MarkClosed(ctx context.Context, reference string) error {
	if err := s.client.Set(ctx, closedKey(reference), "1", s.markerTTL).Err(); err != nil {
		return fmt.Errorf("failed to record handoff close: %w", err)
	}
	return nil
}

// WindowClosed reports whether the gateway window for reference has closed
func (s *HandoffStore) WindowClosed(ctx context.Context, reference string) (bool, error) {
	counts, err := s.existsEach(ctx, closedKey(reference), seenKey(reference), heartbeatKey(reference))
	if err != nil {
		return false, fmt.Errorf("failed to probe handoff window: %w", err)
	}
	closed, seen, alive := counts[0], counts[1], counts[2]

	if closed {
		return true, nil
	}
	return seen && !alive, nil
}

// TryTrigger claims the single manual query allowed for reference
func (s *HandoffStore) TryTrigger(ctx context.Context, reference string) (bool, error) {
	ok, err := s.client.SetNX(ctx, triggeredKey(reference), time.Now().UTC().Format(time.RFC3339), s.markerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim handoff trigger: %w", err)
	}
	return ok, nil
}

// Clear drops the window signals once a watch ends. The trigger marker is kept
// so a late duplicate watch cannot query again.
func (s *HandoffStore) Clear(ctx context.Context, reference string) error {
	return s.client.Del(ctx, heartbeatKey(reference), seenKey(reference), closedKey(reference)).Err()
}

func (s *HandoffStore) existsEach(ctx context.Context, keys ...string) ([]bool, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Exists(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]bool, len(keys))
	for i, cmd := range cmds {
		out[i] = cmd.Val() > 0
	}
	return out, nil
}

func heartbeatKey(reference string) string {
	return fmt.Sprintf("handoff:hb:%s", reference)
}

func seenKey(reference string) string {
	return fmt.Sprintf("handoff:seen:%s", reference)
}

func closedKey(reference string) string {
	return fmt.Sprintf("handoff:closed:%s", reference)
}

func triggeredKey(reference string) string {
	return fmt.Sprintf("handoff:triggered:%s", reference)
}
