// Package config loads the c3syncd TOML file. Keys that are present override
// the defaults; absent keys keep them.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/protocol/records"
	"github.com/danmuck/c3sync/internal/protocol/session"
	"github.com/danmuck/c3sync/internal/reconcile"
)

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

type Config struct {
	Server      ServerConfig
	Store       StoreConfig
	Session     session.Config
	Coordinator CoordinatorConfig
	Auth        AuthConfig
	Panels      []model.PanelConfig
	// Desired seeds the desired access config on first start. Once the daemon
	// has persisted its own copy, this section is ignored.
	Desired reconcile.Desired
}

type ServerConfig struct {
	Addr        string
	CorsOrigins []string
}

type StoreConfig struct {
	Driver string
	Path   string
}

type CoordinatorConfig struct {
	PollInterval   time.Duration
	SyncInterval   time.Duration
	AuditInterval  time.Duration
	DebounceWindow time.Duration
	CommandTimeout time.Duration
	SyncTimeout    time.Duration
	QueueDepth     int
	PageSize       int
	MaxPages       int
}

type AuthConfig struct {
	// TokenHash is a bcrypt hash of the API bearer token; empty disables auth.
	TokenHash string
}

func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8470"},
		Store:   StoreConfig{Driver: DriverFile, Path: "data"},
		Session: session.DefaultConfig(),
		Coordinator: CoordinatorConfig{
			PollInterval:   5 * time.Second,
			SyncInterval:   30 * time.Second,
			AuditInterval:  time.Hour,
			DebounceWindow: 750 * time.Millisecond,
			CommandTimeout: 15 * time.Second,
			SyncTimeout:    2 * time.Minute,
			QueueDepth:     64,
		},
	}
}

func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("server", "addr") {
		cfg.Server.Addr = strings.TrimSpace(raw.Server.Addr)
	}
	if meta.IsDefined("server", "cors_origins") {
		cfg.Server.CorsOrigins = normalizeList(raw.Server.CorsOrigins)
	}
	if meta.IsDefined("store", "driver") {
		cfg.Store.Driver = strings.ToLower(strings.TrimSpace(raw.Store.Driver))
	}
	if meta.IsDefined("store", "path") {
		cfg.Store.Path = strings.TrimSpace(raw.Store.Path)
	}
	if meta.IsDefined("auth", "token_hash") {
		cfg.Auth.TokenHash = strings.TrimSpace(raw.Auth.TokenHash)
	}

	s := raw.Session
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", s.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", s.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"read_timeout", s.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", s.WriteTimeout, &cfg.Session.WriteTimeout},
		{"heartbeat_interval", s.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
		{"session_dead_after", s.SessionDeadAfter, &cfg.Session.SessionDeadAfter},
		{"backoff_initial", s.BackoffInitial, &cfg.Session.Backoff.InitialDelay},
		{"backoff_max", s.BackoffMax, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := parseDuration("session."+d.key, d.raw)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "max_codec_errors") {
		cfg.Session.MaxCodecErrors = s.MaxCodecErrors
	}
	if meta.IsDefined("session", "degrade_after") {
		cfg.Session.DegradeAfter = s.DegradeAfter
	}
	if meta.IsDefined("session", "read_attempts") {
		cfg.Session.ReadAttempts = s.ReadAttempts
	}
	if meta.IsDefined("session", "max_payload_bytes") {
		cfg.Session.Limits.MaxPayloadBytes = s.MaxPayloadBytes
	}
	if meta.IsDefined("session", "backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = s.BackoffMultiplier
	}
	if meta.IsDefined("session", "backoff_jitter") {
		cfg.Session.Backoff.Jitter = s.BackoffJitter
	}

	c := raw.Coordinator
	durations = []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poll_interval", c.PollInterval, &cfg.Coordinator.PollInterval},
		{"sync_interval", c.SyncInterval, &cfg.Coordinator.SyncInterval},
		{"audit_interval", c.AuditInterval, &cfg.Coordinator.AuditInterval},
		{"debounce_window", c.DebounceWindow, &cfg.Coordinator.DebounceWindow},
		{"command_timeout", c.CommandTimeout, &cfg.Coordinator.CommandTimeout},
		{"sync_timeout", c.SyncTimeout, &cfg.Coordinator.SyncTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("coordinator", d.key) {
			continue
		}
		v, err := parseDuration("coordinator."+d.key, d.raw)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}
	if meta.IsDefined("coordinator", "queue_depth") {
		cfg.Coordinator.QueueDepth = c.QueueDepth
	}
	if meta.IsDefined("coordinator", "page_size") {
		cfg.Coordinator.PageSize = c.PageSize
	}
	if meta.IsDefined("coordinator", "max_pages") {
		cfg.Coordinator.MaxPages = c.MaxPages
	}

	for i, p := range raw.Panels {
		pc, err := p.model()
		if err != nil {
			return Config{}, fmt.Errorf("panels[%d]: %w", i, err)
		}
		cfg.Panels = append(cfg.Panels, pc)
	}
	for i, u := range raw.Users {
		mu, err := u.model()
		if err != nil {
			return Config{}, fmt.Errorf("users[%d]: %w", i, err)
		}
		cfg.Desired.Users = append(cfg.Desired.Users, mu)
	}
	for _, g := range raw.Groups {
		cfg.Desired.Groups = append(cfg.Desired.Groups, g.model())
	}
	for i, s := range raw.Schedules {
		ms, err := s.model()
		if err != nil {
			return Config{}, fmt.Errorf("schedules[%d]: %w", i, err)
		}
		cfg.Desired.Schedules = append(cfg.Desired.Schedules, ms)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("server config missing addr")
	}
	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store driver %q requires path", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q (want memory, file or sqlite)", cfg.Store.Driver)
	}
	if err := cfg.Session.Validate(); err != nil {
		return err
	}
	if err := ValidateCoordinator(cfg.Coordinator); err != nil {
		return err
	}
	if limit := records.MaxEventsPerFrame(cfg.Session.Limits); cfg.Coordinator.PageSize > limit {
		return fmt.Errorf("coordinator page_size %d exceeds %d events per frame at max_payload_bytes %d",
			cfg.Coordinator.PageSize, limit, cfg.Session.Limits.MaxPayloadBytes)
	}
	ids := make(map[string]int, len(cfg.Panels))
	for i, p := range cfg.Panels {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("panel[%d] invalid: %w", i, err)
		}
		if _, dup := ids[p.ID]; dup {
			return fmt.Errorf("panel[%d] duplicate id %q", i, p.ID)
		}
		ids[p.ID] = p.Doors
		for door := range p.DoorNames {
			if door < 1 || door > model.MaxDoors || (p.Doors > 0 && door > p.Doors) {
				return fmt.Errorf("panel %q door_names names door %d", p.ID, door)
			}
		}
	}
	for _, g := range cfg.Desired.Groups {
		doors, ok := ids[g.Panel]
		if !ok {
			return fmt.Errorf("group %d names unconfigured panel %q", g.ID, g.Panel)
		}
		for _, door := range g.Doors {
			if doors > 0 && door > doors {
				return fmt.Errorf("group %d door %d exceeds panel %q doors=%d", g.ID, door, g.Panel, doors)
			}
		}
	}
	if err := cfg.Desired.Validate(); err != nil {
		return err
	}
	return nil
}

func ValidateCoordinator(c CoordinatorConfig) error {
	for name, d := range map[string]time.Duration{
		"poll_interval":   c.PollInterval,
		"sync_interval":   c.SyncInterval,
		"debounce_window": c.DebounceWindow,
		"command_timeout": c.CommandTimeout,
		"sync_timeout":    c.SyncTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("coordinator %s must be positive, got %v", name, d)
		}
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("coordinator queue_depth must be at least 1, got %d", c.QueueDepth)
	}
	if c.PageSize < 0 || c.MaxPages < 0 {
		return fmt.Errorf("coordinator page_size/max_pages must not be negative")
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func doorIndex(key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil {
		return 0, fmt.Errorf("door_names key %q is not a door index", key)
	}
	return n, nil
}
