package bridge

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/sigbus/internal/testutil/testlog"
)

func TestNextDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	want := map[int]time.Duration{
		1: 250 * time.Millisecond,
		2: 500 * time.Millisecond,
		3: time.Second,
		6: 5 * time.Second,
	}
	for n, d := range want {
		if got := nextDelay(cfg, n, nil); got != d {
			t.Fatalf("attempt%d got=%v want %v", n, got, d)
		}
	}
}

func TestNextDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 32; i++ {
		got := nextDelay(cfg, 1, rng)
		if got < 125*time.Millisecond || got > 375*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}

func TestNextDelayZeroInitialAndLowMultiplier(t *testing.T) {
	testlog.Start(t)
	if got := nextDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("zero initial delay got=%v", got)
	}
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 0.5}
	if got := nextDelay(cfg, 4, nil); got != time.Second {
		t.Fatalf("multiplier below one must not shrink delay, got=%v", got)
	}
}
