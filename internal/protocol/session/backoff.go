package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based). MaxDelay
// bounds the result after jitter.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
	}
	return time.Duration(delay)
}

// Backoff tracks consecutive failures for one reconnect loop. Not safe for concurrent use.
type Backoff struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

func NewBackoff(cfg BackoffConfig, seed int64) *Backoff {
	return &Backoff{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Next records a failure and returns how long to wait before the next try.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return NextBackoffDelay(b.cfg, b.attempt, b.rng)
}

func (b *Backoff) Attempts() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
