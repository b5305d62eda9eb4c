// Package redis persists audit events in Redis so they survive restarts of
// the in-memory pipeline.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/apiregistry/internal/audit"
)

const (
	// DefaultEventTTL is the default TTL for event entries (7 days)
	DefaultEventTTL = 7 * 24 * time.Hour
	// DefaultMaxEvents caps the recent and per-service id lists
	DefaultMaxEvents = 10000
)

// Store handles Redis operations for audit events
type Store struct {
	client *redis.Client
	ttl    time.Duration
	maxLen int64
}

// NewStore creates a new Redis event store
func NewStore(client *redis.Client, ttl time.Duration, maxLen int) *Store {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxEvents
	}
	return &Store{
		client: client,
		ttl:    ttl,
		maxLen: int64(maxLen),
	}
}

// Forward stores ev and indexes it. It implements audit.Sink.
func (s *Store) Forward(ctx context.Context, ev audit.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, EventKey(ev.ID), data, s.ttl)
	pipe.LPush(ctx, RecentEventsKey(), ev.ID)
	pipe.LTrim(ctx, RecentEventsKey(), 0, s.maxLen-1)
	if ev.ServiceID != 0 {
		key := ServiceEventsKey(ev.ServiceID)
		pipe.LPush(ctx, key, ev.ID)
		pipe.LTrim(ctx, key, 0, s.maxLen-1)
		pipe.Expire(ctx, key, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store event %d: %w", ev.ID, err)
	}
	return nil
}

// GetEvent retrieves an event by ID
func (s *Store) GetEvent(ctx context.Context, id int64) (*audit.Event, error) {
	data, err := s.client.Get(ctx, EventKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %d", audit.ErrEventNotFound, id)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	var ev audit.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &ev, nil
}

// Recent returns up to limit events, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	return s.list(ctx, RecentEventsKey(), limit)
}

// ByService returns up to limit events of a service, newest first
func (s *Store) ByService(ctx context.Context, serviceID int64, limit int) ([]audit.Event, error) {
	return s.list(ctx, ServiceEventsKey(serviceID), limit)
}

func (s *Store) list(ctx context.Context, key string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.LRange(ctx, key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list event ids: %w", err)
	}
	if len(ids) == 0 {
		return []audit.Event{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = KeyPrefixEvent + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]audit.Event, 0, len(values))
	for _, v := range values {
		// Expired entries come back nil
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var ev audit.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
