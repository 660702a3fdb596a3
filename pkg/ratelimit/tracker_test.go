package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker(cfg Config) *Tracker {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return NewTracker(nil, cfg, logger)
}

func rateHeaders(remaining, reset string) http.Header {
	headers := http.Header{}
	if remaining != "" {
		headers.Set(HeaderRemaining, remaining)
	}
	if reset != "" {
		headers.Set(HeaderReset, reset)
	}
	return headers
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	tests := []struct {
		name          string
		headers       http.Header
		wantErr       bool
		wantRemaining int
		wantHealthy   bool
	}{
		{name: "healthy", headers: rateHeaders("100", "60"), wantRemaining: 100, wantHealthy: true},
		{name: "warning", headers: rateHeaders("15", "30"), wantRemaining: 15},
		{name: "critical", headers: rateHeaders("3", "45"), wantRemaining: 3},
		{name: "no headers ignored", headers: http.Header{}, wantRemaining: Unknown, wantHealthy: true},
		{name: "invalid remaining", headers: rateHeaders("many", "60"), wantErr: true, wantRemaining: Unknown, wantHealthy: true},
		{name: "missing reset", headers: rateHeaders("10", ""), wantErr: true, wantRemaining: Unknown, wantHealthy: true},
		{name: "invalid reset", headers: rateHeaders("10", "soon"), wantErr: true, wantRemaining: Unknown, wantHealthy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker(DefaultConfig())
			ctx := context.Background()

			err := tracker.UpdateFromHeaders(ctx, tt.headers)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UpdateFromHeaders() error = %v, wantErr %v", err, tt.wantErr)
			}

			state, err := tracker.GetState(ctx)
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if state.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.wantRemaining)
			}
			if state.IsHealthy != tt.wantHealthy {
				t.Errorf("IsHealthy = %v, want %v", state.IsHealthy, tt.wantHealthy)
			}
		})
	}
}

func TestTracker_ResetAsUnixTime(t *testing.T) {
	tracker := newTestTracker(DefaultConfig())
	resetAt := time.Now().Add(90 * time.Second).Truncate(time.Second)

	headers := rateHeaders("40", strconv.FormatInt(resetAt.Unix(), 10))
	headers.Set(HeaderLimit, "1000")
	if err := tracker.UpdateFromHeaders(context.Background(), headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, _ := tracker.GetState(context.Background())
	if !state.ResetAt.Equal(resetAt) {
		t.Errorf("ResetAt = %v, want %v", state.ResetAt, resetAt)
	}
	if state.Limit != 1000 {
		t.Errorf("Limit = %d, want 1000", state.Limit)
	}
}

func TestTracker_WaitHealthy(t *testing.T) {
	tracker := newTestTracker(DefaultConfig())

	start := time.Now()
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Wait() took %v in healthy state", elapsed)
	}
}

func TestTracker_WaitThrottles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleDelay = 30 * time.Millisecond
	tracker := newTestTracker(cfg)

	if err := tracker.UpdateFromHeaders(context.Background(), rateHeaders("10", "60")); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	start := time.Now()
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Wait() took %v, want >= 30ms throttle", elapsed)
	}
}

func TestTracker_WaitBlocksUntilMaxBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBlock = 40 * time.Millisecond
	tracker := newTestTracker(cfg)

	if err := tracker.UpdateFromHeaders(context.Background(), rateHeaders("1", "60")); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	start := time.Now()
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Wait() took %v, want >= 40ms block", elapsed)
	}
}

func TestTracker_WaitHonorsContext(t *testing.T) {
	tracker := newTestTracker(DefaultConfig())
	if err := tracker.UpdateFromHeaders(context.Background(), rateHeaders("0", "60")); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tracker.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestNewTracker_Defaults(t *testing.T) {
	tracker := newTestTracker(Config{})
	if tracker.cfg != DefaultConfig() {
		t.Errorf("cfg = %+v, want %+v", tracker.cfg, DefaultConfig())
	}
}
