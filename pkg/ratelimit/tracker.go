package ratelimit

import (
	"context"
	"encoding/json"
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

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "istex_rate_limit_remaining",
		Help: "Number of requests remaining in the current rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "istex_rate_limit_blocks_total",
		Help: "Total number of requests held until the rate limit window reset",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "istex_rate_limit_throttles_total",
		Help: "Total number of requests throttled under the warning threshold",
	})
)

// epochThreshold separates reset values given in seconds from Unix times.
const epochThreshold = 1_000_000_000

// Config holds the thresholds of the tracker.
type Config struct {
	// Critical holds requests until the reset below this many remaining.
	Critical int

	// Warning throttles requests below this many remaining.
	Warning int

	// Healthy marks the state healthy at or above this many remaining.
	Healthy int

	// ThrottleDelay is the pause applied to throttled requests.
	ThrottleDelay time.Duration

	// MaxBlock caps the time a request is held in the critical state.
	MaxBlock time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Critical:      5,
		Warning:       20,
		Healthy:       50,
		ThrottleDelay: 1 * time.Second,
		MaxBlock:      2 * time.Minute,
	}
}

// Tracker monitors the rate limit and gates requests.
type Tracker struct {
	redis  *redis.Client
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewTracker creates a tracker. redisClient may be nil to keep the state in
// memory only.
func NewTracker(redisClient *redis.Client, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.Critical == 0 && cfg.Warning == 0 && cfg.Healthy == 0 {
		def := DefaultConfig()
		cfg.Critical, cfg.Warning, cfg.Healthy = def.Critical, def.Warning, def.Healthy
	}
	if cfg.ThrottleDelay <= 0 {
		cfg.ThrottleDelay = DefaultConfig().ThrottleDelay
	}
	if cfg.MaxBlock <= 0 {
		cfg.MaxBlock = DefaultConfig().MaxBlock
	}

	return &Tracker{
		redis:  redisClient,
		cfg:    cfg,
		logger: logger,
		state: State{
			Remaining:  Unknown,
			LastUpdate: time.Now(),
			IsHealthy:  true,
		},
	}
}

// GetState returns the current state, read from Redis when configured.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	if t.redis == nil {
		t.mu.Lock()
		state := t.state
		t.mu.Unlock()
		return &state, nil
	}

	remaining, err := t.redis.Get(ctx, RedisKeyRemaining).Int()
	if errors.Is(err, redis.Nil) {
		t.mu.Lock()
		state := t.state
		t.mu.Unlock()
		return &state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remaining: %w", err)
	}

	resetTimestamp, err := t.redis.Get(ctx, RedisKeyResetTimestamp).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	var lastUpdate time.Time
	raw, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &State{
		Remaining:  remaining,
		ResetAt:    time.Unix(resetTimestamp, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth(t.cfg)
	return state, nil
}

// UpdateFromHeaders records the rate limit headers of a response. Responses
// without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}
	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	now := time.Now()
	state := State{
		Remaining:  remaining,
		LastUpdate: now,
	}
	if reset >= epochThreshold {
		state.ResetAt = time.Unix(reset, 0)
	} else {
		state.ResetAt = now.Add(time.Duration(reset) * time.Second)
	}
	if limit, err := strconv.Atoi(headers.Get(HeaderLimit)); err == nil {
		state.Limit = limit
	}
	state.UpdateHealth(t.cfg)

	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	if t.redis != nil {
		lastUpdate, err := json.Marshal(state.LastUpdate)
		if err != nil {
			return fmt.Errorf("marshal last update: %w", err)
		}

		ttl := state.TimeUntilReset() + time.Minute
		pipe := t.redis.Pipeline()
		pipe.Set(ctx, RedisKeyRemaining, remaining, ttl)
		pipe.Set(ctx, RedisKeyResetTimestamp, state.ResetAt.Unix(), ttl)
		pipe.Set(ctx, RedisKeyLastUpdate, lastUpdate, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store rate limit state in redis: %w", err)
		}
	}

	rateLimitRemaining.Set(float64(remaining))

	switch {
	case state.NeedsCriticalBlock(t.cfg):
		t.logger.Error().
			Int("remaining", remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit CRITICAL - requests will be held until reset")
	case state.NeedsThrottling(t.cfg):
		t.logger.Warn().
			Int("remaining", remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remaining).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}

	return nil
}

// Wait gates a request: it returns at once in the healthy state, after the
// throttle delay in the warning state, and after the window reset (at most
// MaxBlock) in the critical state. It returns early with an error when ctx is
// done.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	var delay time.Duration
	switch {
	case state.NeedsCriticalBlock(t.cfg):
		delay = min(state.TimeUntilReset(), t.cfg.MaxBlock)
		rateLimitBlocksTotal.Inc()
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", delay).
			Msg("Rate limit critical - holding request")
	case state.NeedsThrottling(t.cfg):
		delay = t.cfg.ThrottleDelay
		rateLimitThrottlesTotal.Inc()
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Rate limit warning - throttling request")
	default:
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
