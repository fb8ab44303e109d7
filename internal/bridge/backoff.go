package bridge

import (
	"math"
	"math/rand"
	"time"
)

// nextDelay returns the wait before reconnect attempt n (1-based). Jitter
// scales the delay by a factor in [0.5, 1.5).
func nextDelay(cfg BackoffConfig, n int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if n <= 1 {
		return jitter(cfg, float64(cfg.InitialDelay), rng)
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(n-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return jitter(cfg, delay, rng)
}

func jitter(cfg BackoffConfig, delay float64, rng *rand.Rand) time.Duration {
	if !cfg.Jitter {
		return time.Duration(delay)
	}
	f := 1.0
	if rng != nil {
		f = 0.5 + rng.Float64()
	}
	return time.Duration(delay * f)
}
