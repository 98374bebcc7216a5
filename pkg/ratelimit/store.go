// Package ratelimit enforces per-key requests-per-second and daily quota
// windows against a shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SecondWindowTTL keeps a per-second counter just past its second.
	SecondWindowTTL = 2 * time.Second
	// DayWindowTTL keeps a daily counter for a full day.
	DayWindowTTL = 24 * time.Hour
)

// Counts are the post-increment values of both windows.
type Counts struct {
	Second int64
	Day    int64
}

// CounterStore increments both windows of a request as one atomic step.
// The returned counts include the current request.
type CounterStore interface {
	Incr(ctx context.Context, secondKey, dayKey string) (Counts, error)
}

// RedisStore keeps counters in Redis using a MULTI/EXEC transaction.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

var _ CounterStore = (*RedisStore)(nil)

// Incr runs INCR and EXPIRE on both keys inside a single transaction.
func (s *RedisStore) Incr(ctx context.Context, secondKey, dayKey string) (Counts, error) {
	var secondCmd, dayCmd *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		secondCmd = pipe.Incr(ctx, secondKey)
		pipe.Expire(ctx, secondKey, SecondWindowTTL)
		dayCmd = pipe.Incr(ctx, dayKey)
		pipe.Expire(ctx, dayKey, DayWindowTTL)
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("counter transaction failed: %w", err)
	}
	return Counts{Second: secondCmd.Val(), Day: dayCmd.Val()}, nil
}

// MemoryStore keeps counters in process memory. It is only correct for a
// single gateway instance.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

var _ CounterStore = (*MemoryStore)(nil)

// Incr increments both keys under one lock.
func (s *MemoryStore) Incr(_ context.Context, secondKey, dayKey string) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	return Counts{
		Second: s.incrLocked(secondKey, SecondWindowTTL, now),
		Day:    s.incrLocked(dayKey, DayWindowTTL, now),
	}, nil
}

func (s *MemoryStore) incrLocked(key string, ttl time.Duration, now time.Time) int64 {
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &memoryCounter{}
		s.counters[key] = c
	}
	c.value++
	c.expiresAt = now.Add(ttl)
	return c.value
}

// sweepLocked drops expired counters so the map does not grow with every second.
func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, k)
		}
	}
}
