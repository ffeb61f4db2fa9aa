package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/c3sync/internal/logging"
	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/observability"
	"github.com/danmuck/c3sync/internal/panel"
	"github.com/danmuck/c3sync/internal/poller"
	"github.com/danmuck/c3sync/internal/protocol/records"
	"github.com/danmuck/c3sync/internal/reconcile"
	"github.com/danmuck/c3sync/internal/store"
	"github.com/rs/zerolog"
)

type job struct {
	ctx     context.Context
	timeout time.Duration
	run     func(ctx context.Context) error
	done    chan error
}

// worker owns one panel. Everything that touches the panel's session or its
// SyncState runs on the worker goroutine, in submission order.
type worker struct {
	c    *Coordinator
	cfg  model.PanelConfig
	log  zerolog.Logger
	mgr  *panel.Manager
	exec *panel.Executor
	poll *poller.Poller
	rec  *reconcile.Reconciler

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan *job
	online chan struct{}
	more   chan struct{}
	done   chan struct{}

	// Owned by the run goroutine.
	state    store.SyncState
	nextDial time.Time
}

func newWorker(c *Coordinator, cfg model.PanelConfig, st store.SyncState) (*worker, error) {
	ctx, cancel := context.WithCancel(c.ctx)
	w := &worker{
		c:      c,
		cfg:    cfg,
		log:    logging.Component("coordinator.worker", cfg.ID),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan *job, c.cfg.QueueDepth),
		online: make(chan struct{}, 1),
		more:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  st,
	}
	mgr, err := panel.NewManager(panel.ManagerConfig{
		Panel:    cfg,
		Session:  c.cfg.Session,
		Dial:     c.cfg.Dial,
		Observer: w.observe,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	w.mgr = mgr
	w.exec = panel.NewExecutor(mgr)
	w.poll = poller.New(w.exec, poller.Config{PanelID: cfg.ID, PageSize: c.cfg.PageSize, MaxPages: c.cfg.MaxPages, Limits: c.cfg.Session.Limits})
	w.rec = reconcile.New(w.exec, reconcile.Config{PanelID: cfg.ID, Limits: c.cfg.Session.Limits})
	return w, nil
}

func (w *worker) run() {
	defer close(w.done)
	defer w.drain()

	pollT := time.NewTicker(w.c.cfg.PollInterval)
	defer pollT.Stop()
	syncT := time.NewTicker(w.c.cfg.SyncInterval)
	defer syncT.Stop()
	hbT := time.NewTicker(w.c.cfg.Session.HeartbeatInterval)
	defer hbT.Stop()
	var auditC <-chan time.Time
	if w.c.cfg.AuditInterval > 0 {
		auditT := time.NewTicker(w.c.cfg.AuditInterval)
		defer auditT.Stop()
		auditC = auditT.C
	}

	w.tick()
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.jobs:
			w.execute(j)
		case <-w.online:
			w.refreshDoors()
			w.syncIfReady(false)
		case <-w.more:
			w.pollOnce()
		case <-pollT.C:
			w.tick()
		case <-syncT.C:
			w.syncIfReady(false)
		case <-auditC:
			w.syncIfReady(true)
		case <-hbT.C:
			w.heartbeat()
		}
	}
}

// stop cancels the worker, waits for its goroutine, then closes the session.
func (w *worker) stop() {
	w.cancel()
	<-w.done
	w.mgr.Close()
}

func (w *worker) drain() {
	for {
		select {
		case j := <-w.jobs:
			j.done <- ErrCancelled
		default:
			return
		}
	}
}

// do queues fn behind every earlier job for this panel and waits for its result.
func (w *worker) do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if w.ctx.Err() != nil {
		return ErrCancelled
	}
	j := &job{ctx: ctx, timeout: timeout, run: fn, done: make(chan error, 1)}
	select {
	case w.jobs <- j:
	case <-w.ctx.Done():
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-w.done:
		select {
		case err := <-j.done:
			return err
		default:
			return ErrCancelled
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) execute(j *job) {
	if w.ctx.Err() != nil {
		j.done <- ErrCancelled
		return
	}
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}
	if err := w.degraded(); err != nil {
		j.done <- err
		return
	}
	ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
	stop := context.AfterFunc(w.ctx, cancel)
	err := j.run(ctx)
	stop()
	cancel()
	j.done <- w.classify(err)
}

func (w *worker) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case w.ctx.Err() != nil:
		return fmt.Errorf("%w: panel %s removed: %w", ErrCancelled, w.cfg.ID, err)
	case errors.Is(err, panel.ErrDegraded), errors.Is(err, panel.ErrProtocolMismatch):
		return fmt.Errorf("%w: %s: %w", ErrPanelDegraded, w.cfg.ID, err)
	default:
		return err
	}
}

func (w *worker) degraded() error {
	if err := w.mgr.Degraded(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPanelDegraded, w.cfg.ID, err)
	}
	return nil
}

// ready reports whether a session is up, dialing when the reconnect backoff allows.
func (w *worker) ready() bool {
	if w.mgr.Degraded() != nil {
		return false
	}
	if w.mgr.Session() != nil {
		return true
	}
	if time.Now().Before(w.nextDial) {
		return false
	}
	scfg := w.c.cfg.Session
	ctx, cancel := context.WithTimeout(w.ctx, scfg.ConnectTimeout+scfg.HandshakeTimeout)
	defer cancel()
	if _, err := w.mgr.Connect(ctx); err != nil {
		delay := w.mgr.NextRetryDelay()
		w.nextDial = time.Now().Add(delay)
		w.log.Debug().Dur("retry_in", delay).Err(err).Msg("panel unreachable")
		return false
	}
	return true
}

func (w *worker) tick() {
	if !w.ready() {
		return
	}
	w.pollOnce()
}

// pollOnce stages a batch, commits the cursor, then releases the batch. Nothing
// is released unless the new cursor was stored.
func (w *worker) pollOnce() {
	ctx, cancel := context.WithTimeout(w.ctx, w.c.cfg.CommandTimeout)
	defer cancel()
	batch, err := w.poll.Poll(ctx, w.state.EventCursor)
	if w.ctx.Err() != nil {
		return
	}
	if err != nil {
		w.log.Debug().Err(err).Int("staged", len(batch.Records)).Msg("poll incomplete")
	}
	if batch.Next <= w.state.EventCursor {
		return
	}
	next := w.state.Clone()
	next.EventCursor = batch.Next
	next.UpdatedAt = time.Now().UTC()
	if err := w.c.store.Save(ctx, next); err != nil {
		w.log.Warn().Err(err).Uint32("cursor", batch.Next).Msg("cursor commit failed; batch will be polled again")
		return
	}
	w.state = next
	w.c.deliver(w.cfg.ID, batch, next.EventCursor)
	observability.RecordEvents(w.cfg.ID, len(batch.Records), batch.Skipped)
	if batch.More {
		select {
		case w.more <- struct{}{}:
		default:
		}
	}
}

func (w *worker) syncIfReady(audit bool) {
	if w.mgr.Session() == nil || w.mgr.Degraded() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, w.c.cfg.SyncTimeout)
	defer cancel()
	_, _ = w.reconcile(ctx, audit)
}

func (w *worker) reconcile(ctx context.Context, audit bool) (reconcile.Report, error) {
	caps, err := w.exec.Capabilities(ctx)
	if err != nil {
		return reconcile.Report{PanelID: w.cfg.ID}, err
	}
	rep, err := w.rec.Reconcile(ctx, caps, w.c.currentDesired(), w.state, reconcile.Options{
		Audit:      audit,
		Checkpoint: w.c.store.Save,
	})
	if rep.Skipped {
		return rep, err
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := w.c.store.Save(saveCtx, rep.State); serr != nil {
		w.log.Warn().Err(serr).Msg("sync state save failed")
		if err == nil {
			err = serr
		}
	}
	w.state = rep.State

	report := rep
	w.c.updatePanel(w.cfg.ID, func(ps *PanelStatus) {
		ps.ConfigVersion = rep.State.ConfigVersion
		ps.Pending = rep.State.Pending
		ps.LastSync = rep.State.UpdatedAt
		ps.LastReport = &report
	})
	w.c.hub.publish(StateChange{Kind: ChangeSync, Panel: w.cfg.ID, At: time.Now().UTC(), Report: &report, Error: errString(err)})
	return rep, err
}

func (w *worker) heartbeat() {
	s := w.mgr.Session()
	if s == nil || time.Since(s.LastActivity()) < w.c.cfg.Session.HeartbeatInterval {
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, w.c.cfg.Session.ReadTimeout)
	defer cancel()
	if err := w.mgr.Heartbeat(ctx); err != nil {
		w.log.Debug().Err(err).Msg("heartbeat failed")
	}
}

func (w *worker) refreshDoors() {
	ctx, cancel := context.WithTimeout(w.ctx, w.c.cfg.CommandTimeout)
	defer cancel()
	caps, err := w.exec.Capabilities(ctx)
	if err != nil {
		return
	}
	doors, err := w.exec.Doors(ctx)
	if err != nil {
		w.log.Debug().Err(err).Msg("door table read failed")
		doors = defaultDoors(w.cfg, caps.DoorCount)
	}
	for i := range doors {
		if name, ok := w.cfg.DoorNames[doors[i].ID.Index]; ok {
			doors[i].Name = name
		}
	}
	w.c.updatePanel(w.cfg.ID, func(ps *PanelStatus) {
		ps.Capabilities = caps
		ps.Doors = doors
	})
	w.c.hub.publish(StateChange{Kind: ChangeDoors, Panel: w.cfg.ID, At: time.Now().UTC(), Doors: append([]model.Door(nil), doors...)})
}

// control drives one door relay and records the observed relay state.
func (w *worker) control(ctx context.Context, index int, duration uint8) error {
	if err := w.exec.Control(ctx, index, records.OutputDoor, duration); err != nil {
		return err
	}
	relay := model.RelayUnlocked
	if duration == records.DurationLock {
		relay = model.RelayLocked
	}
	var doors []model.Door
	w.c.updatePanel(w.cfg.ID, func(ps *PanelStatus) {
		out := append([]model.Door(nil), ps.Doors...)
		for i := range out {
			if out[i].ID.Index == index {
				out[i].Relay = relay
			}
		}
		ps.Doors = out
		doors = out
	})
	w.c.hub.publish(StateChange{Kind: ChangeDoors, Panel: w.cfg.ID, At: time.Now().UTC(), Doors: append([]model.Door(nil), doors...)})
	return nil
}

func (w *worker) setParams(ctx context.Context, set records.ParamSet) error {
	if err := w.exec.SetParams(ctx, set); err != nil {
		return err
	}
	var changed bool
	var doors []model.Door
	w.c.updatePanel(w.cfg.ID, func(ps *PanelStatus) {
		out := append([]model.Door(nil), ps.Doors...)
		for _, p := range set.Params {
			if p.Kind != records.ParamDoorDriveTime {
				continue
			}
			for i := range out {
				if out[i].ID.Index == p.Door {
					out[i].UnlockDuration = p.Value
					changed = true
				}
			}
		}
		ps.Doors = out
		doors = out
	})
	if changed {
		w.c.hub.publish(StateChange{Kind: ChangeDoors, Panel: w.cfg.ID, At: time.Now().UTC(), Doors: append([]model.Door(nil), doors...)})
	}
	return nil
}

// observe runs on whichever goroutine changed the manager's state.
func (w *worker) observe(panelID string, state model.ConnState, err error) {
	w.c.updatePanel(panelID, func(ps *PanelStatus) {
		ps.State = state
		ps.Error = errString(err)
	})
	w.c.hub.publish(StateChange{Kind: ChangePanel, Panel: panelID, At: time.Now().UTC(), State: state, Error: errString(err)})
	if state == model.StateOnline {
		select {
		case w.online <- struct{}{}:
		default:
		}
	}
}

func defaultDoors(cfg model.PanelConfig, count int) []model.Door {
	if count <= 0 {
		count = cfg.Doors
	}
	doors := make([]model.Door, 0, count)
	for i := 1; i <= count; i++ {
		name := cfg.DoorNames[i]
		if name == "" {
			name = fmt.Sprintf("Door %d", i)
		}
		doors = append(doors, model.Door{
			ID:             model.DoorID{Panel: cfg.ID, Index: i},
			Name:           name,
			UnlockDuration: model.DefaultUnlockDuration,
		})
	}
	return doors
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
