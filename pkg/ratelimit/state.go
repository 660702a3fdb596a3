// Package ratelimit tracks the rate limit announced by the search service and
// gates requests before the limit is exhausted.
//
// The service reports the requests left in the current window in the
// X-RateLimit-Remaining header and the seconds until the window resets in
// X-RateLimit-Reset. The state lives in memory and, when a Redis client is
// given, is shared with every other harvester process through Redis.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining      = "istex:rate_limit:remaining"
	RedisKeyResetTimestamp = "istex:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "istex:rate_limit:last_update"
)

// Rate limit headers.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderLimit     = "X-RateLimit-Limit"
)

// Unknown is the remaining count before any header was seen.
const Unknown = -1

// State is the rate limit state of the current window.
type State struct {
	// Remaining is the number of requests left in the window, Unknown before
	// the first response carrying the header.
	Remaining int `json:"remaining"`

	// Limit is the size of the window, 0 when not announced.
	Limit int `json:"limit"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining is unknown or at or above the healthy
	// threshold.
	IsHealthy bool `json:"is_healthy"`
}

// Known reports whether the service announced a limit.
func (s *State) Known() bool {
	return s.Remaining != Unknown
}

// IsStale reports whether the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock reports whether requests must wait for the reset.
func (s *State) NeedsCriticalBlock(cfg Config) bool {
	return s.Known() && s.Remaining < cfg.Critical && s.TimeUntilReset() > 0
}

// NeedsThrottling reports whether requests must be slowed down.
func (s *State) NeedsThrottling(cfg Config) bool {
	return s.Known() && s.Remaining < cfg.Warning && !s.NeedsCriticalBlock(cfg)
}

// TimeUntilReset returns the duration until the window resets, 0 if it
// already did.
func (s *State) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth recomputes IsHealthy.
func (s *State) UpdateHealth(cfg Config) {
	s.IsHealthy = !s.Known() || s.Remaining >= cfg.Healthy
}
