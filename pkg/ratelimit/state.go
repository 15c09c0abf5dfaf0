// Package ratelimit tracks Planet API rate-limit cooldowns and gates
// requests until they have passed. A 429 response records a "throttled
// until" instant derived from its Retry-After header; the state is shared
// through Redis when a client is configured, so every process using the
// same API key backs off together.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RedisKeyPrefix namespaces throttle state in Redis.
const RedisKeyPrefix = "planet:rate_limit:"

// RedisKeys names the Redis keys holding one account's throttle state.
type RedisKeys struct {
	ThrottledUntil string
	LastThrottle   string
	ThrottleCount  string
}

// KeysFor returns the Redis keys for an account fingerprint, for example
// "planet:rate_limit:<account>:throttled_until". An empty account uses the
// bare prefix.
func KeysFor(account string) RedisKeys {
	prefix := RedisKeyPrefix
	if account != "" {
		prefix += account + ":"
	}
	return RedisKeys{
		ThrottledUntil: prefix + "throttled_until",
		LastThrottle:   prefix + "last_throttle",
		ThrottleCount:  prefix + "throttle_count",
	}
}

// DefaultCooldown applies when a 429 carries no usable Retry-After header.
const DefaultCooldown = 1 * time.Second

// MaxRetryAfter caps the cooldown taken from a Retry-After header.
const MaxRetryAfter = 24 * time.Hour

// ThrottleState represents the current cooldown imposed by the API.
type ThrottleState struct {
	// ThrottledUntil is the instant before which no request should be sent.
	ThrottledUntil time.Time `json:"throttled_until"`

	// LastThrottle is when the most recent 429 was observed.
	LastThrottle time.Time `json:"last_throttle"`

	// Count is the number of 429 responses observed.
	Count int64 `json:"count"`
}

// Active reports whether a cooldown is in effect.
func (s *ThrottleState) Active() bool {
	return time.Now().Before(s.ThrottledUntil)
}

// TimeUntilReset returns the remaining cooldown.
// Returns 0 if the cooldown has already passed.
func (s *ThrottleState) TimeUntilReset() time.Duration {
	d := time.Until(s.ThrottledUntil)
	if d < 0 {
		return 0
	}
	return d
}

// ParseRetryAfter interprets a Retry-After header value, given either as
// delay-seconds or as an HTTP date relative to now. The result is clamped to
// MaxRetryAfter.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		if secs > int(MaxRetryAfter/time.Second) {
			return MaxRetryAfter, true
		}
		return time.Duration(secs) * time.Second, true
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	switch {
	case d < 0:
		d = 0
	case d > MaxRetryAfter:
		d = MaxRetryAfter
	}
	return d, true
}
