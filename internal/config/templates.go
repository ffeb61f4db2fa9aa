package config

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/danmuck/c3sync/internal/model"
	pelletier "github.com/pelletier/go-toml/v2"
)

const templateHeader = `# c3syncd configuration.
# Durations use Go syntax (500ms, 5s, 1h). audit_interval < 0 disables audits.
# users, groups and schedules seed the desired access config on first start only.

`

// Template renders a starter config built from the defaults plus one example
// panel and a minimal access config.
func Template() ([]byte, error) {
	cfg := Default()
	cfg.Server.CorsOrigins = []string{"http://localhost:3000"}
	cfg.Panels = []model.PanelConfig{{
		ID:        "lobby",
		Name:      "Lobby controller",
		Host:      "192.168.1.201",
		Port:      model.DefaultPort,
		Doors:     2,
		DoorNames: map[int]string{1: "Front door", 2: "Loading dock"},
	}}
	var weekdays []model.Interval
	for d := time.Monday; d <= time.Friday; d++ {
		weekdays = append(weekdays, model.Interval{Day: d, Start: 7 * 60, End: 19 * 60})
	}
	cfg.Desired.Schedules = []model.Schedule{{ID: 1, Name: "business hours", Intervals: weekdays}}
	cfg.Desired.Groups = []model.AccessGroup{
		{ID: 1, Name: "staff", Panel: "lobby", Doors: []int{1}, Schedule: 1},
		{ID: 2, Name: "facilities", Panel: "lobby", Doors: []int{1, 2}, Schedule: model.AlwaysSchedule},
	}
	cfg.Desired.Users = []model.User{
		{ID: 1001, Name: "example user", Card: "12345678", Verify: model.VerifyCard, Groups: []uint16{1}},
	}
	return Render(cfg)
}

// Render encodes cfg in the layout Load reads.
func Render(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(templateHeader)
	enc := pelletier.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(toFile(cfg)); err != nil {
		return nil, fmt.Errorf("config render failed: %w", err)
	}
	return buf.Bytes(), nil
}

func WriteTemplate(path string, overwrite bool) error {
	body, err := Template()
	if err != nil {
		return err
	}
	if !overwrite && exists(path) {
		return fmt.Errorf("config already exists: %s", path)
	}
	return os.WriteFile(path, body, 0o600)
}

func toFile(cfg Config) fileConfig {
	s := cfg.Session
	c := cfg.Coordinator
	out := fileConfig{
		Server: fileServer{Addr: cfg.Server.Addr, CorsOrigins: cfg.Server.CorsOrigins},
		Store:  fileStore{Driver: cfg.Store.Driver, Path: cfg.Store.Path},
		Auth:   fileAuth{TokenHash: cfg.Auth.TokenHash},
		Session: fileSession{
			ConnectTimeout:    s.ConnectTimeout.String(),
			HandshakeTimeout:  s.HandshakeTimeout.String(),
			ReadTimeout:       s.ReadTimeout.String(),
			WriteTimeout:      s.WriteTimeout.String(),
			HeartbeatInterval: s.HeartbeatInterval.String(),
			SessionDeadAfter:  s.SessionDeadAfter.String(),
			MaxCodecErrors:    s.MaxCodecErrors,
			DegradeAfter:      s.DegradeAfter,
			ReadAttempts:      s.ReadAttempts,
			MaxPayloadBytes:   s.Limits.MaxPayloadBytes,
			BackoffInitial:    s.Backoff.InitialDelay.String(),
			BackoffMultiplier: s.Backoff.Multiplier,
			BackoffMax:        s.Backoff.MaxDelay.String(),
			BackoffJitter:     s.Backoff.Jitter,
		},
		Coordinator: fileCoordinator{
			PollInterval:   c.PollInterval.String(),
			SyncInterval:   c.SyncInterval.String(),
			AuditInterval:  c.AuditInterval.String(),
			DebounceWindow: c.DebounceWindow.String(),
			CommandTimeout: c.CommandTimeout.String(),
			SyncTimeout:    c.SyncTimeout.String(),
			QueueDepth:     c.QueueDepth,
			PageSize:       c.PageSize,
			MaxPages:       c.MaxPages,
		},
	}
	for _, p := range cfg.Panels {
		fp := filePanel{ID: p.ID, Name: p.Name, Host: p.Host, Port: p.Port, Password: p.Password, Doors: p.Doors}
		if len(p.DoorNames) > 0 {
			fp.DoorNames = make(map[string]string, len(p.DoorNames))
			for idx, name := range p.DoorNames {
				fp.DoorNames[strconv.Itoa(idx)] = name
			}
		}
		out.Panels = append(out.Panels, fp)
	}
	for _, sc := range cfg.Desired.Schedules {
		fs := fileSchedule{ID: sc.ID, Name: sc.Name}
		for _, iv := range sc.Intervals {
			fs.Intervals = append(fs.Intervals, fileInterval{
				Day:   iv.Day.String(),
				Start: formatClock(iv.Start),
				End:   formatClock(iv.End),
			})
		}
		for _, h := range sc.Holidays {
			fs.Holidays = append(fs.Holidays, h.Format(time.DateOnly))
		}
		out.Schedules = append(out.Schedules, fs)
	}
	for _, g := range cfg.Desired.Groups {
		out.Groups = append(out.Groups, fileGroup{ID: g.ID, Name: g.Name, Panel: g.Panel, Doors: slices.Clone(g.Doors), Schedule: g.Schedule})
	}
	for _, u := range cfg.Desired.Users {
		fu := fileUser{
			ID:     u.ID,
			Name:   u.Name,
			Card:   u.Card,
			PIN:    u.PIN,
			Verify: u.Verify.String(),
			Groups: slices.Clone(u.Groups),
			Status: u.Status.String(),
		}
		if !u.ValidFrom.IsZero() {
			fu.ValidFrom = u.ValidFrom.Format(time.RFC3339)
		}
		if !u.ValidUntil.IsZero() {
			fu.ValidUntil = u.ValidUntil.Format(time.RFC3339)
		}
		out.Users = append(out.Users, fu)
	}
	return out
}
