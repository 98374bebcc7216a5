package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestLimiter(clock *fakeClock) *Limiter {
	return NewLimiter(NewMemoryStore(), zap.NewNop(), WithClock(clock.Now))
}

func TestLimiter_SixRequestsInOneSecond(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 100, time.UTC)}
	l := newTestLimiter(clock)
	keyID := uuid.New()

	var exceeded int
	for i := 0; i < 6; i++ {
		_, err := l.Admit(context.Background(), keyID, 5, 1000)
		if err != nil {
			require.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
			assert.Equal(t, 5, i, "only the 6th request should be refused")
			exceeded++
		}
	}
	assert.Equal(t, 1, exceeded)
}

func TestLimiter_FiveRequestsAcrossSeconds(t *testing.T) {
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	l := newTestLimiter(clock)
	keyID := uuid.New()

	for i := 0; i < 5; i++ {
		clock.Set(start.Add(time.Duration(i) * time.Second))
		d, err := l.Admit(context.Background(), keyID, 1, 1000)
		require.NoError(t, err)
		assert.Equal(t, 0, d.Remaining)
	}
}

func TestLimiter_DailyQuota(t *testing.T) {
	start := time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	l := newTestLimiter(clock)
	keyID := uuid.New()

	for i := 0; i < 10; i++ {
		clock.Set(start.Add(time.Duration(i) * time.Second))
		d, err := l.Admit(context.Background(), keyID, 100, 10)
		require.NoError(t, err, "request %d", i+1)
		assert.Equal(t, 10-(i+1), d.DailyRemaining)
	}

	clock.Set(start.Add(10 * time.Second))
	d, err := l.Admit(context.Background(), keyID, 100, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)
	assert.Equal(t, 0, d.DailyRemaining)

	var limitErr *apperrors.LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, 50*time.Second, limitErr.RetryAfter)

	clock.Set(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC))
	d, err = l.Admit(context.Background(), keyID, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 9, d.DailyRemaining)
}

func TestLimiter_RateCheckedBeforeQuota(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newTestLimiter(clock)
	keyID := uuid.New()

	_, err := l.Admit(context.Background(), keyID, 1, 1)
	require.NoError(t, err)

	_, err = l.Admit(context.Background(), keyID, 1, 1)
	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)

	var limitErr *apperrors.LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, time.Second, limitErr.RetryAfter)
}

func TestLimiter_DecisionHeadersValues(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(&fakeClock{now: now})

	d, err := l.Admit(context.Background(), uuid.New(), 5, 100)
	require.NoError(t, err)
	assert.Equal(t, &Decision{
		Enforced:       true,
		Limit:          5,
		Remaining:      4,
		Reset:          now.Unix() + 1,
		DailyLimit:     100,
		DailyRemaining: 99,
	}, d)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter(&fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)})

	_, err := l.Admit(context.Background(), uuid.New(), 1, 10)
	require.NoError(t, err)
	_, err = l.Admit(context.Background(), uuid.New(), 1, 10)
	require.NoError(t, err)
}

func TestLimiter_ConcurrentAdmitsCountEveryRequest(t *testing.T) {
	l := newTestLimiter(&fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)})
	keyID := uuid.New()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Admit(context.Background(), keyID, 10, 1000); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), admitted.Load())
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, string) (Counts, error) {
	return Counts{}, errors.New("connection refused")
}

func TestLimiter_FailsClosed(t *testing.T) {
	l := NewLimiter(failingStore{}, zap.NewNop())

	d, err := l.Admit(context.Background(), uuid.New(), 5, 10)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, apperrors.ErrLimiterUnavailable)
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(failingStore{}, zap.NewNop(), Disabled(true))

	for i := 0; i < 10; i++ {
		d, err := l.Admit(context.Background(), uuid.New(), 1, 1)
		require.NoError(t, err)
		assert.False(t, d.Enforced)
	}
}

func TestUntilNextUTCDay(t *testing.T) {
	assert.Equal(t, 24*time.Hour, UntilNextUTCDay(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Second, UntilNextUTCDay(time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)))

	// Non-UTC inputs are converted first.
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, time.Hour, UntilNextUTCDay(time.Date(2024, 6, 1, 18, 0, 0, 0, est)))
}

func TestKeys(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	assert.Equal(t, "rl:rps:00000000-0000-0000-0000-000000000001:1700000000", SecondKey(id, 1700000000))
	assert.Equal(t, "rl:day:00000000-0000-0000-0000-000000000001:2024-03-10",
		DayKey(id, time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC)))
}
