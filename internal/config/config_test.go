package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "c3syncd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[server]
addr = "127.0.0.1:9470"
cors_origins = ["http://a", " http://a ", ""]

[store]
driver = "SQLite"
path = "/var/lib/c3sync/state.db"

[session]
read_timeout = "2s"
backoff_jitter = false

[coordinator]
poll_interval = "1s"
audit_interval = "-1s"

[[panels]]
id = "lobby"
host = "10.0.0.5"
doors = 2
door_names = { "1" = "Front", "2" = "Dock" }

[[schedules]]
id = 3
name = "nights"
holidays = ["2026-12-25"]
  [[schedules.intervals]]
  day = "mon"
  start = "18:00"
  end = "24:00"

[[groups]]
id = 1
panel = "lobby"
doors = [1, 2]
schedule = 3

[[users]]
id = 7
name = "ada"
card = "4242"
verify = "card_or_pin"
pin = "1234"
groups = [1]
valid_until = "2027-01-01"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9470" || len(cfg.Server.CorsOrigins) != 1 {
		t.Fatalf("server=%+v", cfg.Server)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Fatalf("driver=%q", cfg.Store.Driver)
	}
	if cfg.Session.ReadTimeout != 2*time.Second || cfg.Session.Backoff.Jitter {
		t.Fatalf("session overrides not applied: %+v", cfg.Session)
	}
	if cfg.Session.WriteTimeout != 5*time.Second || cfg.Session.HeartbeatInterval != 10*time.Second {
		t.Fatalf("session defaults lost: %+v", cfg.Session)
	}
	if cfg.Coordinator.PollInterval != time.Second || cfg.Coordinator.AuditInterval >= 0 {
		t.Fatalf("coordinator=%+v", cfg.Coordinator)
	}
	if cfg.Coordinator.SyncInterval != 30*time.Second || cfg.Coordinator.QueueDepth != 64 {
		t.Fatalf("coordinator defaults lost: %+v", cfg.Coordinator)
	}
	if len(cfg.Panels) != 1 || cfg.Panels[0].DoorNames[2] != "Dock" {
		t.Fatalf("panels=%+v", cfg.Panels)
	}
	sched := cfg.Desired.Schedules[0]
	if sched.Intervals[0] != (model.Interval{Day: time.Monday, Start: 18 * 60, End: model.MinutesPerDay}) {
		t.Fatalf("interval=%+v", sched.Intervals[0])
	}
	if len(sched.Holidays) != 1 || sched.Holidays[0].Month() != time.December {
		t.Fatalf("holidays=%v", sched.Holidays)
	}
	u := cfg.Desired.Users[0]
	if u.Verify != model.VerifyCardOrPIN || u.Status != model.StatusActive || u.ValidUntil.Year() != 2027 {
		t.Fatalf("user=%+v", u)
	}
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown key", body: "[server]\nadress = \":1\"\n", want: "unknown key"},
		{name: "bad duration", body: "[session]\nread_timeout = \"soon\"\n", want: "session.read_timeout"},
		{name: "unknown driver", body: "[store]\ndriver = \"redis\"\n", want: "unknown store driver"},
		{name: "path required", body: "[store]\ndriver = \"file\"\npath = \"\"\n", want: "requires path"},
		{name: "heartbeat outlives session", body: "[session]\nheartbeat_interval = \"1m\"\n", want: "session_dead_after"},
		{name: "duplicate panel", body: "[[panels]]\nid = \"a\"\nhost = \"h\"\n[[panels]]\nid = \"a\"\nhost = \"h\"\n", want: "duplicate id"},
		{name: "door name out of range", body: "[[panels]]\nid = \"a\"\nhost = \"h\"\ndoors = 2\ndoor_names = { \"3\" = \"x\" }\n", want: "door_names"},
		{name: "group on unknown panel", body: "[[groups]]\nid = 1\npanel = \"ghost\"\ndoors = [1]\nschedule = 0\n", want: "unconfigured panel"},
		{name: "bad clock", body: "[[schedules]]\nid = 1\n[[schedules.intervals]]\nday = \"mon\"\nstart = \"8am\"\nend = \"17:00\"\n", want: "HH:MM"},
		{name: "bad verify", body: "[[users]]\nid = 1\ncard = \"1\"\nverify = \"retina\"\ngroups = []\n", want: "verify mode"},
		{name: "zero poll interval", body: "[coordinator]\npoll_interval = \"0s\"\n", want: "poll_interval"},
		{name: "group door past panel", body: "[[panels]]\nid = \"a\"\nhost = \"h\"\ndoors = 2\n[[groups]]\nid = 1\npanel = \"a\"\ndoors = [4]\nschedule = 0\n", want: "exceeds panel"},
		{name: "event page over frame", body: "[coordinator]\npage_size = 200\n", want: "events per frame"},
		{name: "event page over small frame", body: "[session]\nmax_payload_bytes = 512\n[coordinator]\npage_size = 32\n", want: "events per frame"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTemplateLoadsBack(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "c3syncd.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	def := Default()
	if cfg.Session != def.Session {
		t.Fatalf("session drifted through template:\n got %+v\nwant %+v", cfg.Session, def.Session)
	}
	if cfg.Coordinator != def.Coordinator {
		t.Fatalf("coordinator drifted: %+v", cfg.Coordinator)
	}
	if len(cfg.Panels) != 1 || cfg.Panels[0].DoorNames[1] != "Front door" {
		t.Fatalf("panels=%+v", cfg.Panels)
	}
	if len(cfg.Desired.Schedules[0].Intervals) != 5 || len(cfg.Desired.Groups) != 2 || cfg.Desired.Users[0].Card != "12345678" {
		t.Fatalf("desired=%+v", cfg.Desired)
	}

	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}

func TestCoordinatorConfigCopiesDesired(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.Panels = []model.PanelConfig{{ID: "p", Host: "h"}}
	cfg.Desired.Users = []model.User{{ID: 1, Card: "1", Groups: []uint16{}}}
	cc := cfg.CoordinatorConfig(nil, nil)
	cc.Desired.Users[0].Name = "changed"
	if cfg.Desired.Users[0].Name != "" {
		t.Fatalf("coordinator config shares desired slices")
	}
	if cc.PollInterval != cfg.Coordinator.PollInterval || cc.Session != cfg.Session {
		t.Fatalf("coordinator config=%+v", cc)
	}
}
