// Package reconcile converges one panel's user, group and schedule tables on the
// desired configuration and records what it wrote in the panel's SyncState.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/c3sync/internal/logging"
	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/observability"
	"github.com/danmuck/c3sync/internal/protocol/frame"
	"github.com/danmuck/c3sync/internal/protocol/records"
	"github.com/danmuck/c3sync/internal/store"
	"github.com/rs/zerolog"
)

// Target is the slice of panel.Executor the reconciler drives.
type Target interface {
	ReadTable(ctx context.Context, t records.Table) ([][]byte, error)
	WriteRecords(ctx context.Context, t records.Table, recs [][]byte) error
	DeleteRecords(ctx context.Context, t records.Table, ids []uint32) error
}

type Config struct {
	PanelID string
	Limits  frame.Limits
}

type Options struct {
	// Audit reads and diffs the panel even when the config version is unchanged.
	Audit bool
	// Checkpoint, when set, persists the Pending state before the first write.
	Checkpoint func(ctx context.Context, st store.SyncState) error
}

type ConflictReason string

const (
	// ConflictDrift: the panel's stamp is not the one last written.
	ConflictDrift ConflictReason = "drift"
	// ConflictCorrupt: the record's bytes no longer match its own stamp.
	ConflictCorrupt ConflictReason = "corrupt"
)

// Conflict is a panel-resident record that disagreed with SyncState. It was
// overwritten (or deleted) in favor of desired state.
type Conflict struct {
	Table    string         `json:"table"`
	ID       uint32         `json:"id"`
	Reason   ConflictReason `json:"reason"`
	Recorded uint32         `json:"recorded"`
	Stored   uint32         `json:"stored"`
	Content  uint32         `json:"content"`
}

type Report struct {
	PanelID string `json:"panel_id"`
	Hash    string `json:"hash"`
	// Skipped is set when the pass found nothing to do without touching the panel.
	Skipped   bool       `json:"skipped"`
	Commands  int        `json:"commands"`
	Written   int        `json:"written"`
	Deleted   int        `json:"deleted"`
	Unchanged int        `json:"unchanged"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	// State is the SyncState to persist, also on failure.
	State store.SyncState `json:"-"`
}

type Reconciler struct {
	target Target
	cfg    Config
	log    zerolog.Logger
}

func New(target Target, cfg Config) *Reconciler {
	return &Reconciler{target: target, cfg: cfg, log: logging.Component("reconcile", cfg.PanelID)}
}

// Upserts run dependencies first; deletes run in the reverse order.
var (
	upsertOrder = []records.Table{records.TableSchedule, records.TableGroup, records.TableUser}
	deleteOrder = []records.Table{records.TableUser, records.TableGroup, records.TableSchedule}
)

type write struct {
	id      uint32
	version uint32
	raw     []byte
}

type tablePlan struct {
	table   records.Table
	upserts []write
	deletes []uint32
}

// Reconcile brings the panel in line with the part of desired scoped to it. On
// error the returned Report still carries the state to persist, with Pending set
// and Written covering every chunk the panel acknowledged.
func (r *Reconciler) Reconcile(ctx context.Context, caps model.Capabilities, desired Desired, state store.SyncState, opts Options) (Report, error) {
	scoped := desired.Scope(r.cfg.PanelID)
	rep := Report{PanelID: r.cfg.PanelID, Hash: scoped.Hash(), State: state.Clone()}
	if rep.Hash == state.ConfigVersion && !state.Pending && !opts.Audit {
		rep.Skipped = true
		return rep, nil
	}

	wanted, err := encodeDesired(scoped, caps)
	if err != nil {
		return rep, err
	}

	plans := make(map[records.Table]*tablePlan, len(upsertOrder))
	for _, t := range upsertOrder {
		raw, err := r.target.ReadTable(ctx, t)
		rep.Commands++
		if err != nil {
			return r.fail(rep, fmt.Errorf("reconcile: read %s table: %w", t, err))
		}
		plans[t] = r.plan(t, raw, wanted[t], &rep)
	}

	if !hasWork(plans) {
		return r.finish(rep), nil
	}
	rep.State.Pending = true
	if opts.Checkpoint != nil {
		if err := opts.Checkpoint(ctx, rep.State.Clone()); err != nil {
			return r.fail(rep, fmt.Errorf("reconcile: checkpoint: %w", err))
		}
	}

	for _, t := range upsertOrder {
		if err := r.upsert(ctx, plans[t], &rep); err != nil {
			return r.fail(rep, err)
		}
	}
	for _, t := range deleteOrder {
		if err := r.delete(ctx, plans[t], &rep); err != nil {
			return r.fail(rep, err)
		}
	}
	return r.finish(rep), nil
}

func (r *Reconciler) finish(rep Report) Report {
	rep.State.ConfigVersion = rep.Hash
	rep.State.Pending = false
	rep.State.UpdatedAt = time.Now().UTC()
	r.log.Info().
		Int("written", rep.Written).
		Int("deleted", rep.Deleted).
		Int("unchanged", rep.Unchanged).
		Int("conflicts", len(rep.Conflicts)).
		Int("commands", rep.Commands).
		Msg("reconciled")
	return rep
}

func (r *Reconciler) fail(rep Report, err error) (Report, error) {
	rep.State.Pending = true
	rep.State.UpdatedAt = time.Now().UTC()
	r.log.Warn().Err(err).Int("written", rep.Written).Int("deleted", rep.Deleted).Msg("reconcile halted")
	return rep, err
}

// plan diffs one table. Records present on both sides are checked against the
// version SyncState recorded; any disagreement is a conflict and desired wins.
func (r *Reconciler) plan(t records.Table, raw [][]byte, want []write, rep *Report) *tablePlan {
	p := &tablePlan{table: t}
	resident := make(map[uint32]records.Stamp, len(raw))
	for _, b := range raw {
		st, err := records.ReadStamp(t, b)
		if err != nil {
			r.log.Warn().Str("table", t.String()).Err(err).Msg("ignoring unaddressable record")
			continue
		}
		resident[st.ID] = st
	}
	wantIDs := make(map[uint32]bool, len(want))
	for _, w := range want {
		wantIDs[w.id] = true
		key := store.RecordKey(t.String(), w.id)
		st, ok := resident[w.id]
		if !ok {
			p.upserts = append(p.upserts, w)
			continue
		}
		if r.conflict(t, st, rep) {
			p.upserts = append(p.upserts, w)
			continue
		}
		if st.Stored != w.version {
			p.upserts = append(p.upserts, w)
			continue
		}
		rep.Unchanged++
		rep.State.Written[key] = w.version
	}
	for id, st := range resident {
		if wantIDs[id] {
			continue
		}
		r.conflict(t, st, rep)
		p.deletes = append(p.deletes, id)
	}
	sort.Slice(p.deletes, func(i, j int) bool { return p.deletes[i] < p.deletes[j] })

	prefix := t.String() + ":"
	for key := range rep.State.Written {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			delete(rep.State.Written, key)
			continue
		}
		id := uint32(n)
		if _, onPanel := resident[id]; !onPanel && !wantIDs[id] {
			delete(rep.State.Written, key)
		}
	}
	return p
}

func (r *Reconciler) conflict(t records.Table, st records.Stamp, rep *Report) bool {
	recorded, known := rep.State.Written[store.RecordKey(t.String(), st.ID)]
	var reason ConflictReason
	switch {
	case !st.Intact():
		reason = ConflictCorrupt
	case known && st.Stored != recorded:
		reason = ConflictDrift
	default:
		return false
	}
	c := Conflict{Table: t.String(), ID: st.ID, Reason: reason, Recorded: recorded, Stored: st.Stored, Content: st.Content}
	rep.Conflicts = append(rep.Conflicts, c)
	observability.RecordConflict(r.cfg.PanelID, c.Table)
	r.log.Warn().
		Str("table", c.Table).
		Uint32("id", c.ID).
		Str("reason", string(reason)).
		Uint32("recorded", recorded).
		Uint32("stored", st.Stored).
		Uint32("content", st.Content).
		Msg("sync conflict; overwriting with desired")
	return true
}

func (r *Reconciler) upsert(ctx context.Context, p *tablePlan, rep *Report) error {
	if len(p.upserts) == 0 {
		return nil
	}
	per, err := records.MaxRecordsPerFrame(p.table, r.cfg.Limits)
	if err != nil {
		return err
	}
	for start := 0; start < len(p.upserts); start += per {
		chunk := p.upserts[start:min(start+per, len(p.upserts))]
		recs := make([][]byte, len(chunk))
		for i, w := range chunk {
			recs[i] = w.raw
		}
		rep.Commands++
		if err := r.target.WriteRecords(ctx, p.table, recs); err != nil {
			return fmt.Errorf("reconcile: write %s chunk at %d: %w", p.table, start, err)
		}
		for _, w := range chunk {
			rep.State.Written[store.RecordKey(p.table.String(), w.id)] = w.version
		}
		rep.Written += len(chunk)
		observability.RecordReconcile(r.cfg.PanelID, p.table.String(), "upsert", len(chunk))
	}
	return nil
}

func (r *Reconciler) delete(ctx context.Context, p *tablePlan, rep *Report) error {
	if len(p.deletes) == 0 {
		return nil
	}
	per := records.MaxIDsPerFrame(r.cfg.Limits)
	for start := 0; start < len(p.deletes); start += per {
		chunk := p.deletes[start:min(start+per, len(p.deletes))]
		rep.Commands++
		if err := r.target.DeleteRecords(ctx, p.table, chunk); err != nil {
			return fmt.Errorf("reconcile: delete %s chunk at %d: %w", p.table, start, err)
		}
		for _, id := range chunk {
			delete(rep.State.Written, store.RecordKey(p.table.String(), id))
		}
		rep.Deleted += len(chunk)
		observability.RecordReconcile(r.cfg.PanelID, p.table.String(), "delete", len(chunk))
	}
	return nil
}

func hasWork(plans map[records.Table]*tablePlan) bool {
	for _, p := range plans {
		if len(p.upserts) > 0 || len(p.deletes) > 0 {
			return true
		}
	}
	return false
}

// encodeDesired renders every scoped record before any command is sent, so an
// invalid record never leaves a panel half written.
func encodeDesired(d Desired, caps model.Capabilities) (map[records.Table][]write, error) {
	out := map[records.Table][]write{}
	for _, s := range d.Schedules {
		b, err := records.EncodeSchedule(s)
		if err != nil {
			return nil, fmt.Errorf("%w: schedule %d: %w", ErrInvalidDesired, s.ID, err)
		}
		out[records.TableSchedule] = append(out[records.TableSchedule], newWrite(records.TableSchedule, b))
	}
	for _, g := range d.Groups {
		b, err := records.EncodeGroup(g, caps)
		if err != nil {
			return nil, fmt.Errorf("%w: group %d: %w", ErrInvalidDesired, g.ID, err)
		}
		out[records.TableGroup] = append(out[records.TableGroup], newWrite(records.TableGroup, b))
	}
	for _, u := range d.Users {
		b, err := records.EncodeUser(u)
		if err != nil {
			return nil, fmt.Errorf("%w: user %d: %w", ErrInvalidDesired, u.ID, err)
		}
		out[records.TableUser] = append(out[records.TableUser], newWrite(records.TableUser, b))
	}
	return out, nil
}

func newWrite(t records.Table, b []byte) write {
	st, _ := records.ReadStamp(t, b)
	return write{id: st.ID, version: st.Stored, raw: b}
}
