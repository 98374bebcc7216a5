package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
)

// Decision reports the state of both windows after a request was counted.
// It is returned for admitted and refused requests alike.
type Decision struct {
	// Enforced is false when limiting is disabled; the other fields are then zero.
	Enforced       bool
	Limit          int
	Remaining      int
	Reset          int64 // unix seconds at which the per-second window rolls over
	DailyLimit     int
	DailyRemaining int
}

// Limiter admits or refuses requests for an API key.
type Limiter struct {
	store    CounterStore
	disabled bool
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Disabled turns enforcement off. Requests pass through without touching the store.
func Disabled(disabled bool) Option {
	return func(l *Limiter) { l.disabled = disabled }
}

// NewLimiter creates a Limiter backed by store.
func NewLimiter(store CounterStore, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: logger.Named("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SecondKey is the counter key for the per-second window.
func SecondKey(keyID uuid.UUID, unixSec int64) string {
	return fmt.Sprintf("rl:rps:%s:%d", keyID, unixSec)
}

// DayKey is the counter key for the daily window.
func DayKey(keyID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("rl:day:%s:%s", keyID, day.UTC().Format("2006-01-02"))
}

// Admit counts the request and checks it against rateRPS and dailyQuota.
// The per-second limit is checked first. A refused request returns its
// Decision together with an *apperrors.LimitError. If the counter store
// fails the request is refused with ErrLimiterUnavailable.
func (l *Limiter) Admit(ctx context.Context, keyID uuid.UUID, rateRPS, dailyQuota int) (*Decision, error) {
	if l.disabled {
		return &Decision{}, nil
	}

	now := l.now().UTC()
	nowSec := now.Unix()

	counts, err := l.store.Incr(ctx, SecondKey(keyID, nowSec), DayKey(keyID, now))
	if err != nil {
		l.logger.Error("Counter store unavailable",
			zap.String("api_key_id", keyID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", apperrors.ErrLimiterUnavailable, err)
	}

	d := &Decision{
		Enforced:       true,
		Limit:          rateRPS,
		Remaining:      remaining(rateRPS, counts.Second),
		Reset:          nowSec + 1,
		DailyLimit:     dailyQuota,
		DailyRemaining: remaining(dailyQuota, counts.Day),
	}

	if counts.Second > int64(rateRPS) {
		return d, &apperrors.LimitError{Kind: apperrors.ErrRateLimitExceeded, RetryAfter: time.Second}
	}
	if counts.Day > int64(dailyQuota) {
		return d, &apperrors.LimitError{Kind: apperrors.ErrQuotaExceeded, RetryAfter: UntilNextUTCDay(now)}
	}
	return d, nil
}

// UntilNextUTCDay returns the time left until the next UTC midnight.
func UntilNextUTCDay(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

func remaining(limit int, used int64) int {
	r := int64(limit) - used
	if r < 0 {
		return 0
	}
	return int(r)
}
