// Package ratelimit implements the Graph throttling gate. When the service
// answers 429 or 503 with a Retry-After header, every worker holds its next
// request until the advertised time has passed. The deadline is shared via
// Redis when one is configured so parallel exporters back off together.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RedisKeyThrottleUntil stores the throttle deadline in Unix milliseconds.
const RedisKeyThrottleUntil = "graph:throttle:until"

// MaxRetryAfter caps an advertised Retry-After so a bogus header cannot
// stall the run indefinitely.
const MaxRetryAfter = 5 * time.Minute

// ThrottleState is the current throttle deadline.
type ThrottleState struct {
	// Until is the earliest time the next request may be sent.
	Until time.Time `json:"until"`

	// LastUpdate is when the deadline was last extended.
	LastUpdate time.Time `json:"last_update"`
}

// Active reports whether requests must still wait at now.
func (s *ThrottleState) Active(now time.Time) bool {
	return now.Before(s.Until)
}

// Remaining returns how long requests must wait at now. Returns 0 once the
// deadline has passed.
func (s *ThrottleState) Remaining(now time.Time) time.Duration {
	d := s.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ParseRetryAfter interprets a Retry-After header value, either delay
// seconds or an HTTP date. The result is capped at MaxRetryAfter.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		if secs > int(MaxRetryAfter/time.Second) {
			secs = int(MaxRetryAfter / time.Second)
		}
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
		if d < 0 {
			d = 0
		}
	} else {
		return 0, false
	}

	if d > MaxRetryAfter {
		d = MaxRetryAfter
	}
	return d, true
}

// IsThrottleStatus reports whether status signals service throttling.
func IsThrottleStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}
