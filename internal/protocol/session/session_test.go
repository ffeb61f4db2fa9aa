package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/c3sync/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 9, nil); got != 5*time.Second {
		t.Fatalf("attempt9 got=%v", got)
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 8 * time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 10; attempt++ {
		base := NextBackoffDelay(BackoffConfig{InitialDelay: cfg.InitialDelay, Multiplier: 2, MaxDelay: cfg.MaxDelay}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		hi := min(base*3/2, cfg.MaxDelay)
		if got < base/2 || got > hi {
			t.Fatalf("attempt %d: %v outside [%v,%v]", attempt, got, base/2, hi)
		}
	}
}

func TestJitteredDelayNeverExceedsCap(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(42))
	sawCap := false
	for i := 0; i < 500; i++ {
		got := NextBackoffDelay(cfg, 3+i%8, rng)
		if got > cfg.MaxDelay {
			t.Fatalf("delay %v exceeds cap %v", got, cfg.MaxDelay)
		}
		sawCap = sawCap || got == cfg.MaxDelay
	}
	if !sawCap {
		t.Fatalf("upward jitter never reached the cap")
	}
}

func TestBackoffResets(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2}, 1)
	b.Next()
	b.Next()
	if got := b.Next(); got != 400*time.Millisecond {
		t.Fatalf("third delay=%v", got)
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond || b.Attempts() != 1 {
		t.Fatalf("after reset delay=%v attempts=%d", got, b.Attempts())
	}
}

func TestSequenceSkipsZero(t *testing.T) {
	testlog.Start(t)
	var s Sequence
	s.n.Store(0xFFFE)
	if got := s.Next(); got != 0xFFFF {
		t.Fatalf("got=%#x", got)
	}
	if got := s.Next(); got != 1 {
		t.Fatalf("wrap got=%#x", got)
	}
}

func TestConfigWithDefaultsAndValidate(t *testing.T) {
	testlog.Start(t)
	cfg := Config{ReadTimeout: time.Second}.WithDefaults()
	if cfg.ReadTimeout != time.Second || cfg.MaxCodecErrors != 3 || cfg.Limits.MaxPayloadBytes != 4096 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cfg.SessionDeadAfter = time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected dead-after < heartbeat error")
	}
}
