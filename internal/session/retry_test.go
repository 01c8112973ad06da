package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/provider"
)

func TestGetBoundedDelayGrowsExponentially(t *testing.T) {
	err := errors.New("transient")
	start := time.Now()
	// With ±25% jitter, attempt n is bounded by base<<(n-1) * 1.25.
	for attempt := 1; attempt <= 5; attempt++ {
		delay := getBoundedDelay(err, attempt, start)
		upper := time.Duration(float64(retryBaseDelay<<uint(attempt-1)) * 1.3)
		if delay < 0 || delay > upper {
			t.Errorf("attempt %d: delay %v outside [0, %v]", attempt, delay, upper)
		}
	}
}

func TestGetBoundedDelayCapsAtMax(t *testing.T) {
	delay := getBoundedDelay(errors.New("x"), 30, time.Now())
	if delay > retryMaxDelay+retryMaxDelay/4 {
		t.Errorf("delay %v exceeds cap", delay)
	}
}

func TestGetBoundedDelayHonorsRetryAfter(t *testing.T) {
	err := &provider.APIError{Status: 429, RetryAfter: 10 * time.Second}
	delay := getBoundedDelay(err, 1, time.Now())
	if delay < 10*time.Second {
		t.Errorf("delay %v below server hint", delay)
	}
}

func TestGetBoundedDelayCapsHint(t *testing.T) {
	err := &provider.APIError{Status: 429, RetryAfter: 10 * time.Minute}
	delay := getBoundedDelay(err, 1, time.Now())
	if delay > retryHintCap {
		t.Errorf("delay %v exceeds hint cap", delay)
	}
}

func TestGetBoundedDelayClipsToWallBudget(t *testing.T) {
	start := time.Now().Add(-retryWallBudget + 100*time.Millisecond)
	delay := getBoundedDelay(errors.New("x"), 6, start)
	if delay > 100*time.Millisecond {
		t.Errorf("delay %v exceeds remaining budget", delay)
	}

	exhausted := time.Now().Add(-2 * retryWallBudget)
	if delay := getBoundedDelay(errors.New("x"), 1, exhausted); delay != 0 {
		t.Errorf("delay %v with exhausted budget, want 0", delay)
	}
}

func TestSleepRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := sleepRetry(ctx, time.Minute); !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
}

func TestSleepRetryZeroDelay(t *testing.T) {
	if err := sleepRetry(context.Background(), 0); err != nil {
		t.Fatalf("err = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepRetry(ctx, 0); !errors.Is(err, ErrAborted) {
		t.Fatalf("cancelled zero-delay err = %v, want ErrAborted", err)
	}
}
