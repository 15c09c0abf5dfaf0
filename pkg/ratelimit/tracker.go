package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrThrottled is returned by Acquire when the active cooldown is longer
// than the tracker is allowed to wait.
var ErrThrottled = errors.New("request blocked: rate limit cooldown exceeds max wait")

// Prometheus metrics for throttle tracking.
var (
	planetThrottledUntil = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planet_throttled_until_seconds",
		Help: "Unix time until which requests are held back after a 429",
	})

	planetRateLimitedResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planet_rate_limited_responses_total",
		Help: "Total number of 429 responses observed",
	})

	planetRateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planet_rate_limit_waits_total",
		Help: "Total number of requests delayed by an active cooldown",
	})

	planetRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planet_rate_limit_blocks_total",
		Help: "Total number of requests rejected because the cooldown exceeded the max wait",
	})
)

// Tracker records 429 cooldowns and gates requests on them.
// With a nil Redis client the state is kept in process memory.
type Tracker struct {
	redis   *redis.Client
	keys    RedisKeys
	maxWait time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	local ThrottleState
}

// NewTracker creates a new throttle tracker. Redis state is scoped to
// account, so trackers for different API keys never share a cooldown.
// maxWait bounds how long Acquire will sleep; zero means no bound.
func NewTracker(redisClient *redis.Client, account string, maxWait time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:   redisClient,
		keys:    KeysFor(account),
		maxWait: maxWait,
		logger:  logger,
	}
}

// GetState returns the current throttle state. Redis errors are returned
// together with the in-process state so callers can fall back to it.
func (t *Tracker) GetState(ctx context.Context) (*ThrottleState, error) {
	t.mu.Lock()
	local := t.local
	t.mu.Unlock()

	if t.redis == nil {
		return &local, nil
	}

	vals, err := t.redis.MGet(ctx, t.keys.ThrottledUntil, t.keys.LastThrottle, t.keys.ThrottleCount).Result()
	if err != nil {
		return &local, fmt.Errorf("get throttle state: %w", err)
	}

	state := &ThrottleState{
		ThrottledUntil: unixMilli(vals[0]),
		LastThrottle:   unixMilli(vals[1]),
	}
	if s, ok := vals[2].(string); ok {
		state.Count, _ = strconv.ParseInt(s, 10, 64)
	}

	// A cooldown seen locally but not yet visible in Redis still applies.
	if local.ThrottledUntil.After(state.ThrottledUntil) {
		state.ThrottledUntil = local.ThrottledUntil
	}

	return state, nil
}

func unixMilli(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Observe inspects a response and records a cooldown when it is a 429.
// Other statuses are ignored.
func (t *Tracker) Observe(ctx context.Context, status int, headers http.Header) error {
	if status != http.StatusTooManyRequests {
		return nil
	}

	now := time.Now()
	cooldown, ok := ParseRetryAfter(headers.Get("Retry-After"), now)
	if !ok {
		cooldown = DefaultCooldown
	}
	until := now.Add(cooldown)

	t.mu.Lock()
	if until.After(t.local.ThrottledUntil) {
		t.local.ThrottledUntil = until
	}
	t.local.LastThrottle = now
	t.local.Count++
	t.mu.Unlock()

	planetRateLimitedResponsesTotal.Inc()
	planetThrottledUntil.Set(float64(until.Unix()))

	t.logger.Warn().
		Dur("cooldown", cooldown).
		Time("throttled_until", until).
		Msg("Planet API rate limit hit")

	if t.redis == nil {
		return nil
	}

	current, err := t.redis.Get(ctx, t.keys.ThrottledUntil).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get throttled until: %w", err)
	}

	pipe := t.redis.Pipeline()
	if until.UnixMilli() > current {
		pipe.Set(ctx, t.keys.ThrottledUntil, until.UnixMilli(), cooldown+time.Minute)
	}
	pipe.Set(ctx, t.keys.LastThrottle, now.UnixMilli(), 0)
	pipe.Incr(ctx, t.keys.ThrottleCount)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}

	return nil
}

// Acquire blocks until no cooldown is active. It returns ErrThrottled
// without waiting when the cooldown is longer than the configured max wait,
// and the context error if ctx ends first.
func (t *Tracker) Acquire(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Throttle state unavailable, using local state")
	}

	if !state.Active() {
		return nil
	}

	wait := state.TimeUntilReset()
	if t.maxWait > 0 && wait > t.maxWait {
		planetRateLimitBlocksTotal.Inc()
		t.logger.Error().
			Dur("cooldown", wait).
			Dur("max_wait", t.maxWait).
			Msg("Rate limit cooldown too long - blocking request")
		return fmt.Errorf("%w (%s > %s)", ErrThrottled, wait.Round(time.Millisecond), t.maxWait)
	}

	planetRateLimitWaitsTotal.Inc()
	t.logger.Debug().Dur("wait", wait).Msg("Waiting out rate limit cooldown")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
