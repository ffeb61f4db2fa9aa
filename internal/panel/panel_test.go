package panel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/protocol/frame"
	"github.com/danmuck/c3sync/internal/protocol/records"
	"github.com/danmuck/c3sync/internal/protocol/session"
	"github.com/danmuck/c3sync/internal/testutil/fakepanel"
	"github.com/danmuck/c3sync/internal/testutil/testlog"
)

func testSessionConfig() session.Config {
	return session.Config{
		ConnectTimeout:   time.Second,
		HandshakeTimeout: time.Second,
		ReadTimeout:      200 * time.Millisecond,
		WriteTimeout:     200 * time.Millisecond,
		Backoff: session.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     50 * time.Millisecond,
		},
	}.WithDefaults()
}

type stateLog struct {
	mu     sync.Mutex
	states []model.ConnState
}

func (l *stateLog) observe(_ string, state model.ConnState, _ error) {
	l.mu.Lock()
	l.states = append(l.states, state)
	l.mu.Unlock()
}

func (l *stateLog) list() []model.ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ConnState(nil), l.states...)
}

func newTestExecutor(t *testing.T, fp *fakepanel.Panel, mutate func(*ManagerConfig)) (*Executor, *stateLog) {
	t.Helper()
	states := &stateLog{}
	cfg := ManagerConfig{
		Panel:    fp.PanelConfig("p1"),
		Session:  testSessionConfig(),
		Observer: states.observe,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return NewExecutor(m), states
}

func corrupt(b []byte) []byte {
	b[len(b)-3] ^= 0xFF
	return b
}

func emptyEventLog() []byte {
	b, _ := records.EventLogResponse(nil)
	return b
}

func TestConnectHandshakeReadsCapabilities(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{Doors: 2, Password: "1234", Serial: "SN42"})
	ex, states := newTestExecutor(t, fp, nil)

	s, err := ex.Manager().Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.Token() != 0x1234 {
		t.Fatalf("token=%#x", s.Token())
	}
	caps := s.Capabilities()
	if caps.DoorCount != 2 || caps.SerialNumber != "SN42" {
		t.Fatalf("caps=%+v", caps)
	}
	if fp.Count(frame.CmdAuth) != 1 {
		t.Fatalf("auth requests=%d", fp.Count(frame.CmdAuth))
	}
	got := states.list()
	if len(got) != 2 || got[0] != model.StateConnecting || got[1] != model.StateOnline {
		t.Fatalf("states=%v", got)
	}
	again, err := ex.Manager().Connect(context.Background())
	if err != nil || again != s || fp.Connects() != 1 {
		t.Fatalf("expected session reuse; err=%v connects=%d", err, fp.Connects())
	}
}

func TestConnectAuthRejected(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{Password: "1234"})
	ex, _ := newTestExecutor(t, fp, func(c *ManagerConfig) { c.Panel.Password = "9999" })

	_, err := ex.Manager().Connect(context.Background())
	if !errors.Is(err, ErrConnection) || !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected auth rejection, got %v", err)
	}
	if ex.Manager().State() != model.StateOffline {
		t.Fatalf("state=%s", ex.Manager().State())
	}
}

func TestConnectRefusedIsConnectionError(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	cfg := fp.PanelConfig("p1")
	fp.Close()
	m, err := NewManager(ManagerConfig{Panel: cfg, Session: testSessionConfig()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()
	if _, err := m.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := m.ConnectWithRetry(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected retry loop to end with ctx, got %v", err)
	}
}

func TestDoorCountMismatchDegrades(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{Doors: 2})
	ex, _ := newTestExecutor(t, fp, func(c *ManagerConfig) { c.Panel.Doors = 4 })

	if _, err := ex.Manager().Connect(context.Background()); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected protocol mismatch, got %v", err)
	}
	if ex.Manager().State() != model.StateDegraded {
		t.Fatalf("state=%s", ex.Manager().State())
	}
	if _, err := ex.Manager().Connect(context.Background()); !errors.Is(err, ErrDegraded) {
		t.Fatalf("expected sticky degraded, got %v", err)
	}
}

func TestExecutorDiscardsLateResponse(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	fp.SetHook(func(req frame.Frame) ([]byte, bool) {
		if req.Header.Command != frame.CmdGetEventLog {
			return nil, false
		}
		late := req
		late.Header.Sequence = req.Header.Sequence - 1
		out := fp.Reply(late, frame.CmdNak, records.NAKPayload(-9))
		return append(out, fp.Reply(req, frame.CmdAck, emptyEventLog())...), true
	})
	ex, _ := newTestExecutor(t, fp, nil)

	recs, err := ex.EventLog(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("records=%d", len(recs))
	}
}

func TestExecutorRetriesIdempotentReadOnFreshSession(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	var calls atomic.Int32
	fp.SetHook(func(req frame.Frame) ([]byte, bool) {
		if req.Header.Command == frame.CmdGetEventLog && calls.Add(1) == 1 {
			return nil, true
		}
		return nil, false
	})
	ex, _ := newTestExecutor(t, fp, nil)

	if _, err := ex.EventLog(context.Background(), 0, 10); err != nil {
		t.Fatalf("event log: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("event log attempts=%d", calls.Load())
	}
	if fp.Connects() != 2 {
		t.Fatalf("connects=%d, want a fresh session after timeout", fp.Connects())
	}
}

func TestExecutorDoesNotRetryControl(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	fp.SetHook(func(req frame.Frame) ([]byte, bool) {
		return nil, req.Header.Command == frame.CmdControl
	})
	ex, _ := newTestExecutor(t, fp, nil)

	err := ex.Control(context.Background(), 1, records.OutputDoor, 5)
	var ee *ExecError
	if !errors.As(err, &ee) || ee.Kind != KindTimeout || !ee.Retryable() {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
	if fp.Count(frame.CmdControl) != 1 {
		t.Fatalf("control sent %d times", fp.Count(frame.CmdControl))
	}
}

func TestExecutorRejectedCarriesCode(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	fp.SetHook(func(req frame.Frame) ([]byte, bool) {
		if req.Header.Command == frame.CmdSetData {
			return fp.Nak(req, -5), true
		}
		return nil, false
	})
	ex, _ := newTestExecutor(t, fp, nil)

	b, _ := records.EncodeGroup(model.AccessGroup{ID: 1, Doors: []int{1}}, fp.Capabilities())
	err := ex.WriteRecords(context.Background(), records.TableGroup, [][]byte{b})
	code, rejected := IsRejected(err)
	if !rejected || code != -5 || IsRetryable(err) {
		t.Fatalf("expected rejected code -5, got %v", err)
	}
}

func TestChecksumErrorKeepsSession(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	var calls atomic.Int32
	fp.SetHook(func(req frame.Frame) ([]byte, bool) {
		if req.Header.Command == frame.CmdGetEventLog && calls.Add(1) == 1 {
			return corrupt(fp.Reply(req, frame.CmdAck, emptyEventLog())), true
		}
		return nil, false
	})
	ex, _ := newTestExecutor(t, fp, nil)

	s, err := ex.Manager().Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err = ex.Exchange(context.Background(), s, Request{Command: frame.CmdGetEventLog, Payload: records.EventLogRequest(0, 5)})
	var ee *ExecError
	if !errors.As(err, &ee) || ee.Kind != KindCodec || !errors.Is(err, frame.ErrChecksum) {
		t.Fatalf("expected codec error, got %v", err)
	}
	if !s.Valid() {
		t.Fatalf("single checksum error must not reset the session")
	}
	if _, err := ex.Exchange(context.Background(), s, Request{Command: frame.CmdGetEventLog, Payload: records.EventLogRequest(0, 5)}); err != nil {
		t.Fatalf("second exchange: %v", err)
	}
}

func TestRepeatedCodecErrorsResetThenDegrade(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	fp.SetHook(func(req frame.Frame) ([]byte, bool) {
		if req.Header.Command == frame.CmdGetEventLog {
			return corrupt(fp.Reply(req, frame.CmdAck, emptyEventLog())), true
		}
		return nil, false
	})
	ex, states := newTestExecutor(t, fp, func(c *ManagerConfig) {
		c.Session.MaxCodecErrors = 2
		c.Session.DegradeAfter = 2
		c.Session.ReadAttempts = 1
	})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = ex.EventLog(ctx, 0, 5)
	}
	if fp.Connects() != 2 {
		t.Fatalf("connects=%d", fp.Connects())
	}
	if !errors.Is(ex.Manager().Degraded(), ErrDegraded) {
		t.Fatalf("expected degraded after two codec resets, state=%s", ex.Manager().State())
	}
	if _, err := ex.EventLog(ctx, 0, 5); !errors.Is(err, ErrDegraded) {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
	got := states.list()
	if got[len(got)-1] != model.StateDegraded {
		t.Fatalf("states=%v", got)
	}
}

func TestHeartbeatInvalidatesUnresponsiveSession(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	ex, _ := newTestExecutor(t, fp, nil)
	ctx := context.Background()
	if _, err := ex.Manager().Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ex.Manager().Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	fp.SetHook(func(req frame.Frame) ([]byte, bool) {
		return nil, req.Header.Command == frame.CmdGetParam
	})
	if err := ex.Manager().Heartbeat(ctx); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if ex.Manager().Session() != nil {
		t.Fatalf("stale session still published")
	}
	if ex.Manager().State() != model.StateOffline {
		t.Fatalf("state=%s", ex.Manager().State())
	}
}

func TestCancelUnblocksExchange(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	fp.SetHook(func(req frame.Frame) ([]byte, bool) {
		return nil, req.Header.Command == frame.CmdGetData
	})
	ex, _ := newTestExecutor(t, fp, func(c *ManagerConfig) { c.Session.ReadTimeout = 10 * time.Second })
	if _, err := ex.Manager().Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err := ex.ReadTable(ctx, records.TableUser)
	var ee *ExecError
	if !errors.As(err, &ee) || ee.Kind != KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancel took %v", time.Since(start))
	}
}

func TestDoorsAndControl(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{Doors: 2})
	ex, _ := newTestExecutor(t, fp, nil)
	ctx := context.Background()

	doors, err := ex.Doors(ctx)
	if err != nil {
		t.Fatalf("doors: %v", err)
	}
	if len(doors) != 2 || doors[1].ID.String() != "p1/2" || doors[1].Relay != model.RelayLocked {
		t.Fatalf("doors=%+v", doors)
	}
	if err := ex.Control(ctx, 2, records.OutputDoor, 5); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if fp.Door(2).Relay != model.RelayUnlocked {
		t.Fatalf("relay=%s", fp.Door(2).Relay)
	}
	if err := ex.Control(ctx, 3, records.OutputDoor, 5); !errors.Is(err, model.ErrInvalidDoorID) {
		t.Fatalf("door 3 on 2-door panel: %v", err)
	}
	set := records.ParamSet{Version: records.ParamSetVersion, Params: []records.Param{{Kind: records.ParamDoorDriveTime, Door: 1, Value: 9}}}
	if err := ex.SetParams(ctx, set); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if fp.Door(1).UnlockDuration != 9 {
		t.Fatalf("drive time=%d", fp.Door(1).UnlockDuration)
	}
}
