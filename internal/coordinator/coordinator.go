// Package coordinator runs one worker per panel and is the single entry point
// for door commands, desired-config edits, status and event subscriptions.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/c3sync/internal/logging"
	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/poller"
	"github.com/danmuck/c3sync/internal/reconcile"
	"github.com/danmuck/c3sync/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Coordinator struct {
	cfg   Config
	store store.SyncStateStore
	docs  store.DocumentStore
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	workers map[string]*worker
	closed  bool

	// desiredMu serializes edits; readers load the pointer without locking.
	desiredMu sync.Mutex
	desired   atomic.Pointer[reconcile.Desired]

	pubMu sync.Mutex
	snap  atomic.Pointer[State]

	hub      *hub
	debounce *debouncer
}

// New loads the persisted desired config (falling back to cfg.Desired) and
// returns a coordinator with no panels.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	desired := cfg.Desired.Clone()
	if cfg.Documents != nil {
		b, err := cfg.Documents.LoadDocument(ctx, DesiredDocument)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("coordinator: load desired config: %w", err)
		default:
			var stored reconcile.Desired
			if err := json.Unmarshal(b, &stored); err != nil {
				return nil, fmt.Errorf("coordinator: decode desired config: %w", err)
			}
			desired = stored
		}
	}
	if err := desired.Validate(); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		store:    cfg.Store,
		docs:     cfg.Documents,
		log:      logging.Component("coordinator", ""),
		ctx:      cctx,
		cancel:   cancel,
		workers:  make(map[string]*worker),
		hub:      newHub(),
		debounce: newDebouncer(cfg.DebounceWindow),
	}
	c.desired.Store(&desired)
	c.snap.Store(&State{Panels: map[string]PanelStatus{}, UpdatedAt: time.Now().UTC()})
	return c, nil
}

// AddPanel starts a worker for cfg. The panel's stored SyncState, if any, is resumed.
func (c *Coordinator) AddPanel(ctx context.Context, cfg model.PanelConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	st, err := store.LoadOrNew(ctx, c.store, cfg.ID)
	if err != nil {
		return fmt.Errorf("coordinator: load sync state %s: %w", cfg.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.workers[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrPanelExists, cfg.ID)
	}
	w, err := newWorker(c, cfg, st)
	if err != nil {
		return err
	}
	c.putPanel(PanelStatus{
		ID:            cfg.ID,
		Name:          cfg.Name,
		Address:       cfg.Address(),
		State:         model.StateOffline,
		Doors:         defaultDoors(cfg, cfg.Doors),
		EventCursor:   st.EventCursor,
		ConfigVersion: st.ConfigVersion,
		Pending:       st.Pending,
	})
	c.workers[cfg.ID] = w
	go w.run()
	c.log.Info().Str("panel", cfg.ID).Str("addr", cfg.Address()).Uint32("cursor", st.EventCursor).Msg("panel added")
	return nil
}

// RemovePanel stops the panel's worker. Queued and in-flight commands resolve
// with ErrCancelled. The panel's SyncState is kept so a re-add resumes its cursor.
func (c *Coordinator) RemovePanel(id string) error {
	c.mu.Lock()
	w, ok := c.workers[id]
	delete(c.workers, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPanel, id)
	}
	w.stop()
	c.dropPanel(id)
	c.log.Info().Str("panel", id).Msg("panel removed")
	return nil
}

// Close stops every worker and ends every subscription.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	workers := c.workers
	c.workers = make(map[string]*worker)
	c.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			w.stop()
			return nil
		})
	}
	_ = g.Wait()
	c.cancel()
	c.hub.close()
}

// Snapshot returns the current published state. It is shared and read-only.
func (c *Coordinator) Snapshot() *State {
	return c.snap.Load()
}

func (c *Coordinator) Status(panelID string) (PanelStatus, error) {
	ps, ok := c.snap.Load().Panels[panelID]
	if !ok {
		return PanelStatus{}, fmt.Errorf("%w: %s", ErrUnknownPanel, panelID)
	}
	return ps.clone(), nil
}

// Panels returns every panel's status sorted by id.
func (c *Coordinator) Panels() []PanelStatus {
	snap := c.snap.Load()
	out := make([]PanelStatus, 0, len(snap.Panels))
	for _, ps := range snap.Panels {
		out = append(out, ps.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) ListDoors(panelID string) ([]model.Door, error) {
	ps, err := c.Status(panelID)
	if err != nil {
		return nil, err
	}
	return ps.Doors, nil
}

// Subscribe streams every StateChange published after the call.
func (c *Coordinator) Subscribe() *Subscription {
	return c.hub.subscribe(nil)
}

// SubscribeEvents streams delivered panel events only.
func (c *Coordinator) SubscribeEvents() *Subscription {
	return c.hub.subscribe(func(ch StateChange) bool { return ch.Kind == ChangeEvent })
}

// Desired returns a copy of the current desired config.
func (c *Coordinator) Desired() reconcile.Desired {
	return c.currentDesired().Clone()
}

func (c *Coordinator) currentDesired() reconcile.Desired {
	return *c.desired.Load()
}

func (c *Coordinator) worker(id string) (*worker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	w, ok := c.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPanel, id)
	}
	return w, nil
}

func (c *Coordinator) panelIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// deliver publishes a committed batch in sequence order.
func (c *Coordinator) deliver(panelID string, batch poller.Batch, cursor uint32) {
	desired := c.currentDesired()
	var doors []model.Door
	doorsChanged := false
	c.updatePanel(panelID, func(ps *PanelStatus) {
		ps.EventCursor = cursor
		ps.LastPoll = time.Now().UTC()
		for _, e := range batch.Records {
			if next, changed := applyEvent(ps.Doors, e); changed {
				ps.Doors = next
				doorsChanged = true
			}
		}
		doors = ps.Doors
	})
	for _, e := range batch.Records {
		ev := &Event{EventRecord: e, User: resolveUser(desired, panelID, e)}
		c.hub.publish(StateChange{Kind: ChangeEvent, Panel: panelID, At: time.Now().UTC(), Event: ev})
	}
	if doorsChanged {
		c.hub.publish(StateChange{Kind: ChangeDoors, Panel: panelID, At: time.Now().UTC(), Doors: append([]model.Door(nil), doors...)})
	}
}

// resolveUser finds the event's user by id, else by card among the panel's users.
func resolveUser(d reconcile.Desired, panelID string, e model.EventRecord) *model.User {
	if e.UserID == 0 && e.Card == "" {
		return nil
	}
	for _, u := range d.Users {
		if e.UserID != 0 && u.ID == e.UserID {
			out := u.Clone()
			return &out
		}
	}
	card := model.CanonicalCard(e.Card)
	if card == "" {
		return nil
	}
	for _, u := range d.Scope(panelID).Users {
		if model.CanonicalCard(u.Card) == card {
			for _, full := range d.Users {
				if full.ID == u.ID {
					out := full.Clone()
					return &out
				}
			}
		}
	}
	return nil
}

// updatePanel publishes a copy of the snapshot with one panel changed. Unknown panels are ignored.
func (c *Coordinator) updatePanel(id string, fn func(*PanelStatus)) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	cur := c.snap.Load()
	ps, ok := cur.Panels[id]
	if !ok {
		return
	}
	fn(&ps)
	c.storeSnapshot(cur, id, &ps)
}

func (c *Coordinator) putPanel(ps PanelStatus) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.storeSnapshot(c.snap.Load(), ps.ID, &ps)
}

func (c *Coordinator) dropPanel(id string) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.storeSnapshot(c.snap.Load(), id, nil)
}

func (c *Coordinator) storeSnapshot(cur *State, id string, ps *PanelStatus) {
	next := &State{Panels: make(map[string]PanelStatus, len(cur.Panels)+1), UpdatedAt: time.Now().UTC()}
	for k, v := range cur.Panels {
		next.Panels[k] = v
	}
	if ps == nil {
		delete(next.Panels, id)
	} else {
		next.Panels[id] = *ps
	}
	c.snap.Store(next)
}
