package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/protocol/records"
	"github.com/danmuck/c3sync/internal/reconcile"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type CommandKind string

const (
	CmdUnlock         CommandKind = "unlock"
	CmdLock           CommandKind = "lock"
	CmdAux            CommandKind = "aux_output"
	CmdLockAll        CommandKind = "lock_all"
	CmdUnlockAll      CommandKind = "unlock_all"
	CmdAddUser        CommandKind = "add_user"
	CmdUpdateUser     CommandKind = "update_user"
	CmdDeleteUser     CommandKind = "delete_user"
	CmdUpsertGroup    CommandKind = "upsert_group"
	CmdDeleteGroup    CommandKind = "delete_group"
	CmdUpsertSchedule CommandKind = "upsert_schedule"
	CmdDeleteSchedule CommandKind = "delete_schedule"
	CmdSync           CommandKind = "sync"
	CmdSetParams      CommandKind = "set_params"
)

// Command is one request for Dispatch. Kind selects which fields are read.
type Command struct {
	Kind       CommandKind       `json:"kind"`
	Door       model.DoorID      `json:"door,omitzero"`
	Doors      []model.DoorID    `json:"doors,omitempty"`
	Duration   int               `json:"duration,omitempty"`
	Panel      string            `json:"panel,omitempty"`
	User       model.User        `json:"user,omitzero"`
	UserID     uint32            `json:"user_id,omitempty"`
	Group      model.AccessGroup `json:"group,omitzero"`
	GroupID    uint16            `json:"group_id,omitempty"`
	Schedule   model.Schedule    `json:"schedule,omitzero"`
	ScheduleID uint16            `json:"schedule_id,omitempty"`
	Params     records.ParamSet  `json:"params,omitzero"`
}

// PanelResult is the outcome on one panel, or on one door when Door is set.
type PanelResult struct {
	Panel  string            `json:"panel"`
	Door   string            `json:"door,omitempty"`
	Err    error             `json:"-"`
	Error  string            `json:"error,omitempty"`
	Report *reconcile.Report `json:"report,omitempty"`
	// Coalesced is set when a debounced duplicate shared another caller's command.
	Coalesced bool `json:"coalesced,omitempty"`
}

type Result struct {
	ID      string        `json:"id"`
	Kind    CommandKind   `json:"kind"`
	Results []PanelResult `json:"results"`
	// Err joins every failure; nil when all targets succeeded.
	Err error `json:"-"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias(r), errString(r.Err)})
}

func newResult(kind CommandKind) Result {
	return Result{ID: uuid.NewString(), Kind: kind}
}

func (r *Result) add(pr PanelResult) {
	if pr.Err != nil {
		pr.Error = pr.Err.Error()
		r.Err = errors.Join(r.Err, pr.Err)
	}
	r.Results = append(r.Results, pr)
}

func failed(kind CommandKind, err error) Result {
	r := newResult(kind)
	r.Err = err
	return r
}

// Dispatch routes cmd to the owning panel workers. Failures on one panel never
// stop work on another; they are reported per panel in the Result.
func (c *Coordinator) Dispatch(ctx context.Context, cmd Command) Result {
	switch cmd.Kind {
	case CmdUnlock:
		return c.unlockDoors(ctx, CmdUnlock, []model.DoorID{cmd.Door}, cmd.Duration)
	case CmdLock:
		return c.lockDoors(ctx, CmdLock, []model.DoorID{cmd.Door})
	case CmdUnlockAll:
		return c.unlockDoors(ctx, CmdUnlockAll, cmd.Doors, cmd.Duration)
	case CmdAux:
		return c.auxOutput(ctx, cmd.Door, cmd.Duration)
	case CmdLockAll:
		return c.lockDoors(ctx, CmdLockAll, c.allDoors())
	case CmdAddUser:
		return c.putUser(ctx, CmdAddUser, cmd.User, false)
	case CmdUpdateUser:
		return c.putUser(ctx, CmdUpdateUser, cmd.User, true)
	case CmdDeleteUser:
		return c.deleteUser(ctx, cmd.UserID)
	case CmdUpsertGroup:
		return c.upsertGroup(ctx, cmd.Group)
	case CmdDeleteGroup:
		return c.deleteGroup(ctx, cmd.GroupID)
	case CmdUpsertSchedule:
		return c.upsertSchedule(ctx, cmd.Schedule)
	case CmdDeleteSchedule:
		return c.deleteSchedule(ctx, cmd.ScheduleID)
	case CmdSync:
		return c.syncPanels(ctx, []string{cmd.Panel}, true)
	case CmdSetParams:
		return c.setParams(ctx, cmd.Panel, cmd.Params)
	default:
		return failed(cmd.Kind, fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind))
	}
}

// Unlock releases one door for duration seconds; 0 uses the door's configured time, 255 holds it open.
func (c *Coordinator) Unlock(ctx context.Context, door model.DoorID, duration int) error {
	return c.Dispatch(ctx, Command{Kind: CmdUnlock, Door: door, Duration: duration}).Err
}

func (c *Coordinator) Lock(ctx context.Context, door model.DoorID) error {
	return c.Dispatch(ctx, Command{Kind: CmdLock, Door: door}).Err
}

// Aux drives the door's auxiliary output for duration seconds; 0 switches it off.
func (c *Coordinator) Aux(ctx context.Context, door model.DoorID, duration int) error {
	return c.Dispatch(ctx, Command{Kind: CmdAux, Door: door, Duration: duration}).Err
}

// LockAll locks every known door on every panel.
func (c *Coordinator) LockAll(ctx context.Context) Result {
	return c.Dispatch(ctx, Command{Kind: CmdLockAll})
}

func (c *Coordinator) UnlockAll(ctx context.Context, doors []model.DoorID, duration int) Result {
	return c.Dispatch(ctx, Command{Kind: CmdUnlockAll, Doors: doors, Duration: duration})
}

// AddUser creates u, or overwrites the user with the same id.
func (c *Coordinator) AddUser(ctx context.Context, u model.User) Result {
	return c.Dispatch(ctx, Command{Kind: CmdAddUser, User: u})
}

func (c *Coordinator) UpdateUser(ctx context.Context, u model.User) Result {
	return c.Dispatch(ctx, Command{Kind: CmdUpdateUser, User: u})
}

func (c *Coordinator) DeleteUser(ctx context.Context, id uint32) Result {
	return c.Dispatch(ctx, Command{Kind: CmdDeleteUser, UserID: id})
}

func (c *Coordinator) UpsertGroup(ctx context.Context, g model.AccessGroup) Result {
	return c.Dispatch(ctx, Command{Kind: CmdUpsertGroup, Group: g})
}

// DeleteGroup removes the group and strips it from every user holding it.
func (c *Coordinator) DeleteGroup(ctx context.Context, id uint16) Result {
	return c.Dispatch(ctx, Command{Kind: CmdDeleteGroup, GroupID: id})
}

func (c *Coordinator) UpsertSchedule(ctx context.Context, s model.Schedule) Result {
	return c.Dispatch(ctx, Command{Kind: CmdUpsertSchedule, Schedule: s})
}

// DeleteSchedule fails with ErrInUse while a group references the schedule.
func (c *Coordinator) DeleteSchedule(ctx context.Context, id uint16) Result {
	return c.Dispatch(ctx, Command{Kind: CmdDeleteSchedule, ScheduleID: id})
}

// SyncNow runs a full read-back reconcile on one panel.
func (c *Coordinator) SyncNow(ctx context.Context, panelID string) Result {
	return c.Dispatch(ctx, Command{Kind: CmdSync, Panel: panelID})
}

func (c *Coordinator) SetDoorParams(ctx context.Context, panelID string, set records.ParamSet) Result {
	return c.Dispatch(ctx, Command{Kind: CmdSetParams, Panel: panelID, Params: set})
}

func (c *Coordinator) unlockDoors(ctx context.Context, kind CommandKind, doors []model.DoorID, duration int) Result {
	if len(doors) == 0 {
		return failed(kind, fmt.Errorf("%w: no doors", ErrInvalidCommand))
	}
	if duration < 0 || duration > int(records.DurationHoldOpen) {
		return failed(kind, fmt.Errorf("%w: duration %d out of range 0..255", ErrInvalidCommand, duration))
	}
	return c.doorFanOut(ctx, kind, doors, func(d model.DoorID) uint8 {
		if duration > 0 {
			return uint8(duration)
		}
		return c.defaultDuration(d)
	})
}

func (c *Coordinator) auxOutput(ctx context.Context, d model.DoorID, duration int) Result {
	if duration < 0 || duration > int(records.DurationHoldOpen) {
		return failed(CmdAux, fmt.Errorf("%w: duration %d out of range 0..255", ErrInvalidCommand, duration))
	}
	res := newResult(CmdAux)
	pr := PanelResult{Panel: d.Panel, Door: d.String()}
	if d.Index < 1 || d.Index > model.MaxDoors {
		pr.Err = fmt.Errorf("%w: %s", model.ErrInvalidDoorID, d)
		res.add(pr)
		return res
	}
	w, err := c.worker(d.Panel)
	if err != nil {
		pr.Err = err
		res.add(pr)
		return res
	}
	pr.Err = w.do(ctx, c.cfg.CommandTimeout, func(ctx context.Context) error {
		return w.exec.Control(ctx, d.Index, records.OutputAux, uint8(duration))
	})
	res.add(pr)
	return res
}

func (c *Coordinator) lockDoors(ctx context.Context, kind CommandKind, doors []model.DoorID) Result {
	if len(doors) == 0 {
		return failed(kind, fmt.Errorf("%w: no doors", ErrInvalidCommand))
	}
	return c.doorFanOut(ctx, kind, doors, func(model.DoorID) uint8 { return records.DurationLock })
}

// doorFanOut runs every door command concurrently; each one is debounced and
// queued on its panel's worker, so doors on one panel still run in order.
func (c *Coordinator) doorFanOut(ctx context.Context, kind CommandKind, doors []model.DoorID, duration func(model.DoorID) uint8) Result {
	res := newResult(kind)
	out := make([]PanelResult, len(doors))
	var g errgroup.Group
	for i, d := range doors {
		g.Go(func() error {
			pr := PanelResult{Panel: d.Panel, Door: d.String()}
			pr.Coalesced, pr.Err = c.doorCommand(ctx, d, duration(d))
			out[i] = pr
			return nil
		})
	}
	_ = g.Wait()
	for _, pr := range out {
		res.add(pr)
	}
	return res
}

func (c *Coordinator) doorCommand(ctx context.Context, d model.DoorID, duration uint8) (bool, error) {
	if d.Index < 1 || d.Index > model.MaxDoors {
		return false, fmt.Errorf("%w: %s", model.ErrInvalidDoorID, d)
	}
	w, err := c.worker(d.Panel)
	if err != nil {
		return false, err
	}
	action := CmdUnlock
	if duration == records.DurationLock {
		action = CmdLock
	}
	key := doorKey{door: d, action: action, duration: duration}
	detached := context.WithoutCancel(ctx)
	return c.debounce.do(ctx, key, func() error {
		return w.do(detached, c.cfg.CommandTimeout, func(ctx context.Context) error {
			return w.control(ctx, d.Index, duration)
		})
	})
}

func (c *Coordinator) defaultDuration(d model.DoorID) uint8 {
	if ps, ok := c.snap.Load().Panels[d.Panel]; ok {
		for _, door := range ps.Doors {
			if door.ID.Index == d.Index && door.UnlockDuration > 0 && door.UnlockDuration < int(records.DurationHoldOpen) {
				return uint8(door.UnlockDuration)
			}
		}
	}
	return model.DefaultUnlockDuration
}

// allDoors lists every door of every panel from the last known capabilities or configured count.
func (c *Coordinator) allDoors() []model.DoorID {
	var out []model.DoorID
	snap := c.snap.Load()
	for _, id := range c.panelIDs() {
		ps := snap.Panels[id]
		n := ps.Capabilities.DoorCount
		if n == 0 {
			n = len(ps.Doors)
		}
		for i := 1; i <= n; i++ {
			out = append(out, model.DoorID{Panel: id, Index: i})
		}
	}
	return out
}

func (c *Coordinator) setParams(ctx context.Context, panelID string, set records.ParamSet) Result {
	res := newResult(CmdSetParams)
	w, err := c.worker(panelID)
	if err != nil {
		res.add(PanelResult{Panel: panelID, Err: err})
		return res
	}
	err = w.do(ctx, c.cfg.CommandTimeout, func(ctx context.Context) error {
		return w.setParams(ctx, set)
	})
	res.add(PanelResult{Panel: panelID, Err: err})
	return res
}

// syncPanels reconciles each panel on its worker and returns one result per panel.
func (c *Coordinator) syncPanels(ctx context.Context, ids []string, audit bool) Result {
	return c.syncPanelsAs(ctx, CmdSync, ids, audit)
}

func (c *Coordinator) syncPanelsAs(ctx context.Context, kind CommandKind, ids []string, audit bool) Result {
	res := newResult(kind)
	out := make([]PanelResult, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			pr := PanelResult{Panel: id}
			w, err := c.worker(id)
			if err != nil {
				pr.Err = err
				out[i] = pr
				return nil
			}
			var mu sync.Mutex
			var report *reconcile.Report
			pr.Err = w.do(ctx, c.cfg.SyncTimeout, func(ctx context.Context) error {
				rep, err := w.reconcile(ctx, audit)
				mu.Lock()
				report = &rep
				mu.Unlock()
				return err
			})
			mu.Lock()
			pr.Report = report
			mu.Unlock()
			out[i] = pr
			return nil
		})
	}
	_ = g.Wait()
	for _, pr := range out {
		res.add(pr)
	}
	return res
}

// editDesired applies fn to a copy of the desired config, validates and persists
// it, then reconciles every running panel whose scoped config changed.
func (c *Coordinator) editDesired(ctx context.Context, kind CommandKind, fn func(d *reconcile.Desired) error) Result {
	c.desiredMu.Lock()
	cur := c.currentDesired()
	next := cur.Clone()
	if err := fn(&next); err != nil {
		c.desiredMu.Unlock()
		return failed(kind, err)
	}
	if err := next.Validate(); err != nil {
		c.desiredMu.Unlock()
		return failed(kind, fmt.Errorf("%w: %w", ErrInvalidCommand, err))
	}
	if c.docs != nil {
		b, err := json.Marshal(next)
		if err == nil {
			err = c.docs.SaveDocument(ctx, DesiredDocument, b)
		}
		if err != nil {
			c.desiredMu.Unlock()
			return failed(kind, fmt.Errorf("coordinator: persist desired config: %w", err))
		}
	}
	c.desired.Store(&next)
	c.desiredMu.Unlock()

	var affected []string
	for _, id := range c.panelIDs() {
		if cur.Scope(id).Hash() != next.Scope(id).Hash() {
			affected = append(affected, id)
		}
	}
	c.log.Info().Str("kind", string(kind)).Strs("panels", affected).Msg("desired config changed")
	return c.syncPanelsAs(ctx, kind, affected, false)
}

func (c *Coordinator) putUser(ctx context.Context, kind CommandKind, u model.User, mustExist bool) Result {
	u = u.Clone()
	u.Card = model.CanonicalCard(u.Card)
	if _, err := records.EncodeUser(u); err != nil {
		return failed(kind, fmt.Errorf("%w: %w", ErrInvalidCommand, err))
	}
	return c.editDesired(ctx, kind, func(d *reconcile.Desired) error {
		i := slices.IndexFunc(d.Users, func(x model.User) bool { return x.ID == u.ID })
		switch {
		case i >= 0:
			d.Users[i] = u.Clone()
		case mustExist:
			return fmt.Errorf("%w: user %d", ErrNotFound, u.ID)
		default:
			d.Users = append(d.Users, u.Clone())
		}
		return nil
	})
}

func (c *Coordinator) deleteUser(ctx context.Context, id uint32) Result {
	return c.editDesired(ctx, CmdDeleteUser, func(d *reconcile.Desired) error {
		i := slices.IndexFunc(d.Users, func(x model.User) bool { return x.ID == id })
		if i < 0 {
			return fmt.Errorf("%w: user %d", ErrNotFound, id)
		}
		d.Users = slices.Delete(d.Users, i, i+1)
		return nil
	})
}

func (c *Coordinator) upsertGroup(ctx context.Context, g model.AccessGroup) Result {
	w, err := c.worker(g.Panel)
	if err != nil {
		return failed(CmdUpsertGroup, err)
	}
	if g.ID == 0 {
		return failed(CmdUpsertGroup, fmt.Errorf("%w: group id 0 is reserved", ErrInvalidCommand))
	}
	// Until the panel reports its door count the configured count stands in for it.
	doors := c.snap.Load().Panels[g.Panel].Capabilities.DoorCount
	if doors == 0 {
		doors = w.cfg.Doors
	}
	if doors == 0 {
		return failed(CmdUpsertGroup, fmt.Errorf("%w: panel %s door count unknown until it connects", ErrInvalidCommand, g.Panel))
	}
	for _, door := range g.Doors {
		if door < 1 || door > doors {
			return failed(CmdUpsertGroup, fmt.Errorf("%w: group %d door %d", model.ErrInvalidDoorID, g.ID, door))
		}
	}
	g = g.Clone()
	return c.editDesired(ctx, CmdUpsertGroup, func(d *reconcile.Desired) error {
		i := slices.IndexFunc(d.Groups, func(x model.AccessGroup) bool { return x.ID == g.ID })
		if i >= 0 {
			d.Groups[i] = g
		} else {
			d.Groups = append(d.Groups, g)
		}
		return nil
	})
}

func (c *Coordinator) deleteGroup(ctx context.Context, id uint16) Result {
	return c.editDesired(ctx, CmdDeleteGroup, func(d *reconcile.Desired) error {
		i := slices.IndexFunc(d.Groups, func(x model.AccessGroup) bool { return x.ID == id })
		if i < 0 {
			return fmt.Errorf("%w: group %d", ErrNotFound, id)
		}
		d.Groups = slices.Delete(d.Groups, i, i+1)
		for j := range d.Users {
			d.Users[j].Groups = slices.DeleteFunc(d.Users[j].Groups, func(g uint16) bool { return g == id })
		}
		return nil
	})
}

func (c *Coordinator) upsertSchedule(ctx context.Context, s model.Schedule) Result {
	if _, err := records.EncodeSchedule(s); err != nil {
		return failed(CmdUpsertSchedule, fmt.Errorf("%w: %w", ErrInvalidCommand, err))
	}
	s = s.Clone()
	return c.editDesired(ctx, CmdUpsertSchedule, func(d *reconcile.Desired) error {
		i := slices.IndexFunc(d.Schedules, func(x model.Schedule) bool { return x.ID == s.ID })
		if i >= 0 {
			d.Schedules[i] = s
		} else {
			d.Schedules = append(d.Schedules, s)
		}
		return nil
	})
}

func (c *Coordinator) deleteSchedule(ctx context.Context, id uint16) Result {
	return c.editDesired(ctx, CmdDeleteSchedule, func(d *reconcile.Desired) error {
		i := slices.IndexFunc(d.Schedules, func(x model.Schedule) bool { return x.ID == id })
		if i < 0 {
			return fmt.Errorf("%w: schedule %d", ErrNotFound, id)
		}
		var groups []uint16
		for _, g := range d.Groups {
			if g.Schedule == id {
				groups = append(groups, g.ID)
			}
		}
		if len(groups) > 0 {
			slices.Sort(groups)
			return fmt.Errorf("%w: schedule %d used by groups %v", ErrInUse, id, groups)
		}
		d.Schedules = slices.Delete(d.Schedules, i, i+1)
		return nil
	})
}
