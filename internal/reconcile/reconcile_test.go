package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/panel"
	"github.com/danmuck/c3sync/internal/protocol/frame"
	"github.com/danmuck/c3sync/internal/protocol/records"
	"github.com/danmuck/c3sync/internal/protocol/session"
	"github.com/danmuck/c3sync/internal/reconcile"
	"github.com/danmuck/c3sync/internal/store"
	"github.com/danmuck/c3sync/internal/testutil/fakepanel"
	"github.com/danmuck/c3sync/internal/testutil/testlog"
)

var twoDoors = model.Capabilities{DoorCount: 2, ReaderCount: 2}

func sampleDesired() reconcile.Desired {
	return reconcile.Desired{
		Schedules: []model.Schedule{{
			ID:   1,
			Name: "office hours",
			Intervals: []model.Interval{
				{Day: time.Monday, Start: 8 * 60, End: 18 * 60},
				{Day: time.Tuesday, Start: 8 * 60, End: 18 * 60},
			},
		}, {
			ID:   9,
			Name: "other panel",
			Intervals: []model.Interval{
				{Day: time.Sunday, Start: 0, End: 60},
			},
		}},
		Groups: []model.AccessGroup{
			{ID: 1, Name: "front", Panel: "p1", Doors: []int{1}, Schedule: 1},
			{ID: 2, Name: "all", Panel: "p1", Doors: []int{1, 2}},
			{ID: 7, Name: "warehouse", Panel: "p2", Doors: []int{1}, Schedule: 9},
		},
		Users: []model.User{
			{ID: 10, Name: "ada", Card: "1001", Verify: model.VerifyCard, Groups: []uint16{1, 7}},
			{ID: 11, Name: "grace", Card: "1002", Verify: model.VerifyCard, Groups: []uint16{2}},
			{ID: 12, Name: "linus", Card: "1003", Verify: model.VerifyCard, Groups: []uint16{7}},
		},
	}
}

func newExecutor(t *testing.T, fp *fakepanel.Panel) *panel.Executor {
	t.Helper()
	m, err := panel.NewManager(panel.ManagerConfig{
		Panel: fp.PanelConfig("p1"),
		Session: session.Config{
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		}.WithDefaults(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return panel.NewExecutor(m)
}

func TestScopeNarrowsToPanel(t *testing.T) {
	testlog.Start(t)
	d := sampleDesired()
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	s := d.Scope("p1")
	if len(s.Groups) != 2 || len(s.Schedules) != 1 || s.Schedules[0].ID != 1 {
		t.Fatalf("scoped groups=%v schedules=%v", s.Groups, s.Schedules)
	}
	if len(s.Users) != 2 || s.Users[0].ID != 10 || len(s.Users[0].Groups) != 1 || s.Users[0].Groups[0] != 1 {
		t.Fatalf("scoped users=%+v", s.Users)
	}
	if len(d.Users[0].Groups) != 2 {
		t.Fatalf("scope mutated input: %v", d.Users[0].Groups)
	}
	if s.Hash() != d.Scope("p1").Hash() || s.Hash() == d.Scope("p2").Hash() {
		t.Fatalf("hash not stable per scope")
	}
}

func TestValidateRejectsBrokenReferences(t *testing.T) {
	testlog.Start(t)
	cases := map[string]func(*reconcile.Desired){
		"unknown schedule": func(d *reconcile.Desired) { d.Groups[0].Schedule = 44 },
		"unknown group":    func(d *reconcile.Desired) { d.Users[0].Groups = []uint16{99} },
		"duplicate user":   func(d *reconcile.Desired) { d.Users[1].ID = 10 },
		"shared card":      func(d *reconcile.Desired) { d.Users[1].Card = "1001" },
		"zero padded card": func(d *reconcile.Desired) { d.Users[1].Card = "0001001" },
		"too many groups":  func(d *reconcile.Desired) { d.Users[0].Groups = []uint16{1, 2, 7, 1, 2} },
		"groupless panel":  func(d *reconcile.Desired) { d.Groups[0].Panel = "" },
	}
	for name, mutate := range cases {
		d := sampleDesired()
		mutate(&d)
		if err := d.Validate(); !errors.Is(err, reconcile.ErrInvalidDesired) {
			t.Fatalf("%s: expected ErrInvalidDesired, got %v", name, err)
		}
	}
	d := sampleDesired()
	d.Users[2].Card = "1002"
	if err := d.Validate(); err != nil {
		t.Fatalf("cards on different panels should not collide: %v", err)
	}
}

func TestReconcileConvergesThenIssuesZeroCommands(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	ex := newExecutor(t, fp)
	ctx := context.Background()
	caps, err := ex.Capabilities(ctx)
	if err != nil {
		t.Fatalf("caps: %v", err)
	}
	r := reconcile.New(ex, reconcile.Config{PanelID: "p1"})

	var checkpoints []store.SyncState
	opts := reconcile.Options{Checkpoint: func(_ context.Context, st store.SyncState) error {
		checkpoints = append(checkpoints, st)
		return nil
	}}
	rep, err := r.Reconcile(ctx, caps, sampleDesired(), store.NewSyncState("p1"), opts)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.Written != 5 || rep.Deleted != 0 || rep.State.Pending || rep.State.ConfigVersion != rep.Hash {
		t.Fatalf("report=%+v state=%+v", rep, rep.State)
	}
	if len(checkpoints) != 1 || !checkpoints[0].Pending {
		t.Fatalf("checkpoints=%+v", checkpoints)
	}
	if len(fp.Users()) != 2 || len(fp.Groups()) != 2 || len(fp.Schedules()) != 1 {
		t.Fatalf("panel users=%v groups=%v schedules=%v", fp.Users(), fp.Groups(), fp.Schedules())
	}
	if got := fp.Users()[10].Groups; len(got) != 1 || got[0] != 1 {
		t.Fatalf("user 10 groups on panel=%v", got)
	}
	if len(rep.State.Written) != 5 {
		t.Fatalf("written=%v", rep.State.Written)
	}

	fp.ResetRequests()
	again, err := r.Reconcile(ctx, caps, sampleDesired(), rep.State, reconcile.Options{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !again.Skipped || again.Commands != 0 || len(fp.Requests()) != 0 {
		t.Fatalf("second pass report=%+v requests=%d", again, len(fp.Requests()))
	}

	audit, err := r.Reconcile(ctx, caps, sampleDesired(), rep.State, reconcile.Options{Audit: true})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if audit.Unchanged != 5 || audit.Written != 0 || fp.DataCommands() != 0 || len(audit.Conflicts) != 0 {
		t.Fatalf("audit report=%+v data commands=%d", audit, fp.DataCommands())
	}
}

func TestConflictingRecordsAreOverwritten(t *testing.T) {
	testlog.Start(t)
	fp := fakepanel.Start(t, fakepanel.Options{})
	ex := newExecutor(t, fp)
	ctx := context.Background()
	caps, _ := ex.Capabilities(ctx)
	r := reconcile.New(ex, reconcile.Config{PanelID: "p1"})
	rep, err := r.Reconcile(ctx, caps, sampleDesired(), store.NewSyncState("p1"), reconcile.Options{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// Another tool edits user 11 with a valid stamp; user 10's bytes are damaged in place.
	edited := sampleDesired().Users[1]
	edited.Name = "grace h"
	edited.Groups = []uint16{2}
	b, err := records.EncodeUser(edited)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fp.PutRaw(records.TableUser, 11, b)
	damaged, _ := fp.Raw(records.TableUser, 10)
	damaged[14] ^= 0x01
	fp.PutRaw(records.TableUser, 10, damaged)

	fixed, err := r.Reconcile(ctx, caps, sampleDesired(), rep.State, reconcile.Options{Audit: true})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(fixed.Conflicts) != 2 {
		t.Fatalf("conflicts=%+v", fixed.Conflicts)
	}
	reasons := map[uint32]reconcile.ConflictReason{}
	for _, c := range fixed.Conflicts {
		reasons[c.ID] = c.Reason
	}
	if reasons[10] != reconcile.ConflictCorrupt || reasons[11] != reconcile.ConflictDrift {
		t.Fatalf("reasons=%v", reasons)
	}
	if fixed.Written != 2 || fp.Users()[11].Name != "grace" || fp.Users()[10].Name != "ada" {
		t.Fatalf("report=%+v users=%v", fixed, fp.Users())
	}
}

func TestInvalidDesiredSendsNothing(t *testing.T) {
	testlog.Start(t)
	tgt := newStubTarget(nil)
	r := reconcile.New(tgt, reconcile.Config{PanelID: "p1"})
	d := sampleDesired()
	d.Groups[1].Doors = []int{1, 3}
	_, err := r.Reconcile(context.Background(), twoDoors, d, store.NewSyncState("p1"), reconcile.Options{})
	if !errors.Is(err, reconcile.ErrInvalidDesired) || !errors.Is(err, records.ErrOutOfRange) {
		t.Fatalf("expected invalid desired, got %v", err)
	}
	if len(tgt.calls) != 0 {
		t.Fatalf("calls=%v", tgt.calls)
	}
}

func TestDeletesRunAfterUpsertsInReverseOrder(t *testing.T) {
	testlog.Start(t)
	tgt := newStubTarget(nil)
	r := reconcile.New(tgt, reconcile.Config{PanelID: "p1"})
	ctx := context.Background()
	rep, err := r.Reconcile(ctx, twoDoors, sampleDesired(), store.NewSyncState("p1"), reconcile.Options{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	d := sampleDesired()
	d.Users = d.Users[:1]
	d.Groups = []model.AccessGroup{d.Groups[1], d.Groups[2]}
	d.Users[0].Groups = []uint16{2}
	d.Users[0].Name = "ada l"
	tgt.calls = nil
	rep, err = r.Reconcile(ctx, twoDoors, d, rep.State, reconcile.Options{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	want := []string{
		"read schedule", "read group", "read user",
		"write user 1",
		"delete user 1", "delete group 1", "delete schedule 1",
	}
	if fmt.Sprint(tgt.calls) != fmt.Sprint(want) {
		t.Fatalf("calls=%v want=%v", tgt.calls, want)
	}
	if len(rep.State.Written) != 2 {
		t.Fatalf("written=%v", rep.State.Written)
	}
	if _, ok := rep.State.Written[store.RecordKey("schedule", 1)]; ok {
		t.Fatalf("deleted schedule still recorded")
	}
}

func TestChunkFailureHaltsAndMarksPending(t *testing.T) {
	testlog.Start(t)
	d := sampleDesired()
	d.Groups[0].Panel = "p1"
	d.Users = nil
	for i := uint32(1); i <= 5; i++ {
		d.Users = append(d.Users, model.User{ID: 100 + i, Card: fmt.Sprint(5000 + i), Groups: []uint16{2}})
	}
	boom := errors.New("link down")
	users := 0
	tgt := newStubTarget(func(op string, tbl records.Table, n int) error {
		if op == "write" && tbl == records.TableUser {
			users++
			if users == 2 {
				return boom
			}
		}
		return nil
	})
	limits := frame.Limits{MaxPayloadBytes: 2 + 2*records.ScheduleSize}
	r := reconcile.New(tgt, reconcile.Config{PanelID: "p1", Limits: limits})
	ctx := context.Background()

	rep, err := r.Reconcile(ctx, twoDoors, d, store.NewSyncState("p1"), reconcile.Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected chunk failure, got %v", err)
	}
	if !rep.State.Pending || rep.State.ConfigVersion != "" {
		t.Fatalf("state=%+v", rep.State)
	}
	perFrame, _ := records.MaxRecordsPerFrame(records.TableUser, limits)
	if rep.Written != 1+2+perFrame {
		t.Fatalf("written=%d per frame=%d", rep.Written, perFrame)
	}
	if _, ok := rep.State.Written[store.RecordKey("user", 105)]; ok {
		t.Fatalf("unacknowledged chunk recorded: %v", rep.State.Written)
	}
	for _, c := range tgt.calls {
		if len(c) >= 6 && c[:6] == "delete" {
			t.Fatalf("deletes ran after a failed chunk: %v", tgt.calls)
		}
	}

	tgt.fail = nil
	rep, err = r.Reconcile(ctx, twoDoors, d, rep.State, reconcile.Options{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rep.State.Pending || rep.Written != 5-perFrame || len(tgt.tables[records.TableUser]) != 5 {
		t.Fatalf("retry report=%+v users=%d", rep, len(tgt.tables[records.TableUser]))
	}
}

type stubTarget struct {
	tables map[records.Table]map[uint32][]byte
	calls  []string
	fail   func(op string, t records.Table, n int) error
}

func newStubTarget(fail func(op string, t records.Table, n int) error) *stubTarget {
	return &stubTarget{
		tables: map[records.Table]map[uint32][]byte{
			records.TableUser:     {},
			records.TableGroup:    {},
			records.TableSchedule: {},
		},
		fail: fail,
	}
}

func (s *stubTarget) ReadTable(_ context.Context, t records.Table) ([][]byte, error) {
	s.calls = append(s.calls, "read "+t.String())
	var out [][]byte
	for _, b := range s.tables[t] {
		out = append(out, b)
	}
	return out, nil
}

func (s *stubTarget) WriteRecords(_ context.Context, t records.Table, recs [][]byte) error {
	s.calls = append(s.calls, fmt.Sprintf("write %s %d", t, len(recs)))
	if s.fail != nil {
		if err := s.fail("write", t, len(recs)); err != nil {
			return err
		}
	}
	for _, b := range recs {
		st, err := records.ReadStamp(t, b)
		if err != nil {
			return err
		}
		s.tables[t][st.ID] = b
	}
	return nil
}

func (s *stubTarget) DeleteRecords(_ context.Context, t records.Table, ids []uint32) error {
	s.calls = append(s.calls, fmt.Sprintf("delete %s %d", t, len(ids)))
	if s.fail != nil {
		if err := s.fail("delete", t, len(ids)); err != nil {
			return err
		}
	}
	for _, id := range ids {
		delete(s.tables[t], id)
	}
	return nil
}
