package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	throttleEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_export_throttle_events_total",
		Help: "Total throttling responses carrying Retry-After",
	})

	throttleWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_export_throttle_waits_total",
		Help: "Total requests held by the throttle gate",
	})

	throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_export_throttle_wait_seconds",
		Help:    "Time requests spent held by the throttle gate",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// Tracker records throttle deadlines and gates requests on them. A nil
// Redis client keeps the deadline in process.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	local ThrottleState
}

// NewTracker creates a new throttle tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the current throttle deadline.
func (t *Tracker) GetState(ctx context.Context) (*ThrottleState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		state := t.local
		return &state, nil
	}

	millis, err := t.redis.Get(ctx, RedisKeyThrottleUntil).Int64()
	if errors.Is(err, redis.Nil) {
		return &ThrottleState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get throttle deadline: %w", err)
	}
	return &ThrottleState{Until: time.UnixMilli(millis)}, nil
}

// UpdateFromResponse extends the throttle deadline when status is a
// throttling response with a usable Retry-After header. A deadline is never
// shortened.
func (t *Tracker) UpdateFromResponse(ctx context.Context, status int, headers http.Header) error {
	if !IsThrottleStatus(status) {
		return nil
	}
	now := t.now()
	delay, ok := ParseRetryAfter(headers.Get("Retry-After"), now)
	if !ok {
		return nil
	}

	throttleEventsTotal.Inc()
	until := now.Add(delay)

	if err := t.extend(ctx, until, now, delay); err != nil {
		return err
	}

	t.logger.Warn().
		Int("status", status).
		Dur("retry_after", delay).
		Time("until", until).
		Msg("Graph throttling - holding requests")
	return nil
}

func (t *Tracker) extend(ctx context.Context, until, now time.Time, ttl time.Duration) error {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if until.After(t.local.Until) {
			t.local = ThrottleState{Until: until, LastUpdate: now}
		}
		return nil
	}

	current, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	if !until.After(current.Until) {
		return nil
	}
	if err := t.redis.Set(ctx, RedisKeyThrottleUntil, until.UnixMilli(), ttl+time.Second).Err(); err != nil {
		return fmt.Errorf("store throttle deadline: %w", err)
	}
	return nil
}

// Wait blocks until the throttle deadline has passed or ctx is done.
// A failing state lookup is logged and does not block.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Throttle state lookup failed")
		return nil
	}

	remaining := state.Remaining(t.now())
	if remaining == 0 {
		return nil
	}

	throttleWaitsTotal.Inc()
	throttleWaitSeconds.Observe(remaining.Seconds())
	t.logger.Debug().Dur("wait", remaining).Msg("Request held by throttle gate")

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
