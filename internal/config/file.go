package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/c3sync/internal/model"
)

// fileConfig mirrors the TOML layout. Durations are Go duration strings.
type fileConfig struct {
	Server      fileServer      `toml:"server"`
	Store       fileStore       `toml:"store"`
	Session     fileSession     `toml:"session"`
	Coordinator fileCoordinator `toml:"coordinator"`
	Auth        fileAuth        `toml:"auth"`
	Panels      []filePanel     `toml:"panels"`
	Schedules   []fileSchedule  `toml:"schedules"`
	Groups      []fileGroup     `toml:"groups"`
	Users       []fileUser      `toml:"users"`
}

type fileServer struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type fileStore struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type fileAuth struct {
	TokenHash string `toml:"token_hash"`
}

type fileSession struct {
	ConnectTimeout    string  `toml:"connect_timeout"`
	HandshakeTimeout  string  `toml:"handshake_timeout"`
	ReadTimeout       string  `toml:"read_timeout"`
	WriteTimeout      string  `toml:"write_timeout"`
	HeartbeatInterval string  `toml:"heartbeat_interval"`
	SessionDeadAfter  string  `toml:"session_dead_after"`
	MaxCodecErrors    int     `toml:"max_codec_errors"`
	DegradeAfter      int     `toml:"degrade_after"`
	ReadAttempts      int     `toml:"read_attempts"`
	MaxPayloadBytes   int     `toml:"max_payload_bytes"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
}

type fileCoordinator struct {
	PollInterval   string `toml:"poll_interval"`
	SyncInterval   string `toml:"sync_interval"`
	AuditInterval  string `toml:"audit_interval"`
	DebounceWindow string `toml:"debounce_window"`
	CommandTimeout string `toml:"command_timeout"`
	SyncTimeout    string `toml:"sync_timeout"`
	QueueDepth     int    `toml:"queue_depth"`
	PageSize       int    `toml:"page_size,omitempty"`
	MaxPages       int    `toml:"max_pages,omitempty"`
}

type filePanel struct {
	ID        string            `toml:"id"`
	Name      string            `toml:"name,omitempty"`
	Host      string            `toml:"host"`
	Port      int               `toml:"port,omitempty"`
	Password  string            `toml:"password,omitempty"`
	Doors     int               `toml:"doors,omitempty"`
	DoorNames map[string]string `toml:"door_names,omitempty"`
}

type fileSchedule struct {
	ID        uint16         `toml:"id"`
	Name      string         `toml:"name,omitempty"`
	Intervals []fileInterval `toml:"intervals"`
	// Holidays are YYYY-MM-DD dates.
	Holidays []string `toml:"holidays,omitempty"`
}

type fileInterval struct {
	Day   string `toml:"day"`
	Start string `toml:"start"`
	End   string `toml:"end"`
}

type fileGroup struct {
	ID       uint16 `toml:"id"`
	Name     string `toml:"name,omitempty"`
	Panel    string `toml:"panel"`
	Doors    []int  `toml:"doors"`
	Schedule uint16 `toml:"schedule"`
}

type fileUser struct {
	ID         uint32   `toml:"id"`
	Name       string   `toml:"name,omitempty"`
	Card       string   `toml:"card,omitempty"`
	PIN        string   `toml:"pin,omitempty"`
	Verify     string   `toml:"verify,omitempty"`
	Groups     []uint16 `toml:"groups"`
	ValidFrom  string   `toml:"valid_from,omitempty"`
	ValidUntil string   `toml:"valid_until,omitempty"`
	Status     string   `toml:"status,omitempty"`
}

func (p filePanel) model() (model.PanelConfig, error) {
	out := model.PanelConfig{
		ID:       strings.TrimSpace(p.ID),
		Name:     strings.TrimSpace(p.Name),
		Host:     strings.TrimSpace(p.Host),
		Port:     p.Port,
		Password: p.Password,
		Doors:    p.Doors,
	}
	if len(p.DoorNames) > 0 {
		out.DoorNames = make(map[int]string, len(p.DoorNames))
		for k, name := range p.DoorNames {
			idx, err := doorIndex(k)
			if err != nil {
				return model.PanelConfig{}, err
			}
			out.DoorNames[idx] = name
		}
	}
	return out, nil
}

func (u fileUser) model() (model.User, error) {
	out := model.User{
		ID:     u.ID,
		Name:   u.Name,
		Card:   model.CanonicalCard(strings.TrimSpace(u.Card)),
		PIN:    strings.TrimSpace(u.PIN),
		Groups: append([]uint16(nil), u.Groups...),
	}
	var err error
	if out.Verify, err = model.ParseVerifyMode(u.Verify); err != nil {
		return model.User{}, err
	}
	if out.Status, err = model.ParseUserStatus(u.Status); err != nil {
		return model.User{}, err
	}
	if out.ValidFrom, err = parseTime("valid_from", u.ValidFrom); err != nil {
		return model.User{}, err
	}
	if out.ValidUntil, err = parseTime("valid_until", u.ValidUntil); err != nil {
		return model.User{}, err
	}
	return out, nil
}

func (g fileGroup) model() model.AccessGroup {
	return model.AccessGroup{
		ID:       g.ID,
		Name:     g.Name,
		Panel:    strings.TrimSpace(g.Panel),
		Doors:    append([]int(nil), g.Doors...),
		Schedule: g.Schedule,
	}
}

func (s fileSchedule) model() (model.Schedule, error) {
	out := model.Schedule{ID: s.ID, Name: s.Name}
	for i, iv := range s.Intervals {
		day, err := parseWeekday(iv.Day)
		if err != nil {
			return model.Schedule{}, fmt.Errorf("intervals[%d]: %w", i, err)
		}
		start, err := parseClock(iv.Start)
		if err != nil {
			return model.Schedule{}, fmt.Errorf("intervals[%d] start: %w", i, err)
		}
		end, err := parseClock(iv.End)
		if err != nil {
			return model.Schedule{}, fmt.Errorf("intervals[%d] end: %w", i, err)
		}
		out.Intervals = append(out.Intervals, model.Interval{Day: day, Start: start, End: end})
	}
	for _, h := range s.Holidays {
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(h))
		if err != nil {
			return model.Schedule{}, fmt.Errorf("holiday %q: %w", h, err)
		}
		out.Holidays = append(out.Holidays, d)
	}
	return out, nil
}

func parseWeekday(raw string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if key == name || key == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", raw)
}

// parseClock reads HH:MM as minutes from midnight. "24:00" is end of day.
func parseClock(raw string) (int, error) {
	t := strings.TrimSpace(raw)
	if t == "24:00" {
		return model.MinutesPerDay, nil
	}
	v, err := time.Parse("15:04", t)
	if err != nil {
		return 0, fmt.Errorf("clock %q: want HH:MM", raw)
	}
	return v.Hour()*60 + v.Minute(), nil
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// parseTime accepts RFC 3339 timestamps or bare dates. Empty is the zero time.
func parseTime(key, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: want RFC 3339 or YYYY-MM-DD", key, raw)
	}
	return t, nil
}
