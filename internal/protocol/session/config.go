package session

import (
	"fmt"
	"time"

	"github.com/danmuck/c3sync/internal/protocol/frame"
)

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines panel session reliability settings.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SessionDeadAfter  time.Duration
	// MaxCodecErrors consecutive codec errors reset the session.
	MaxCodecErrors int
	// DegradeAfter consecutive codec-driven resets mark the panel degraded.
	DegradeAfter int
	// ReadAttempts bounds automatic retries of idempotent reads.
	ReadAttempts int
	Limits       frame.Limits
	Backoff      BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		SessionDeadAfter:  30 * time.Second,
		MaxCodecErrors:    3,
		DegradeAfter:      5,
		ReadAttempts:      3,
		Limits:            frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     60 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills every zero field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SessionDeadAfter <= 0 {
		c.SessionDeadAfter = d.SessionDeadAfter
	}
	if c.MaxCodecErrors <= 0 {
		c.MaxCodecErrors = d.MaxCodecErrors
	}
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = d.DegradeAfter
	}
	if c.ReadAttempts <= 0 {
		c.ReadAttempts = d.ReadAttempts
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		c.Limits = d.Limits
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.SessionDeadAfter < c.HeartbeatInterval {
		return fmt.Errorf("session: session_dead_after %v shorter than heartbeat_interval %v", c.SessionDeadAfter, c.HeartbeatInterval)
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		return fmt.Errorf("session: backoff multiplier %v < 1", c.Backoff.Multiplier)
	}
	if c.Backoff.MaxDelay > 0 && c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("session: backoff max_delay %v below initial_delay %v", c.Backoff.MaxDelay, c.Backoff.InitialDelay)
	}
	return nil
}
