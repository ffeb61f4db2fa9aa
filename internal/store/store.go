// Package store persists per-panel synchronization state.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"
)

var ErrNotFound = errors.New("store: sync state not found")

// SyncState is the coordinator's record of what it last wrote to one panel. It is
// never authoritative for live door state.
type SyncState struct {
	PanelID string `json:"panel_id"`
	// EventCursor is the sequence of the last event released to subscribers.
	EventCursor uint32 `json:"event_cursor"`
	// ConfigVersion is the hash of the desired config last fully applied.
	ConfigVersion string `json:"config_version"`
	// Pending is set while a reconcile pass is incomplete.
	Pending bool `json:"pending"`
	// Written maps RecordKey to the version stamp last written.
	Written   map[string]uint32 `json:"written"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func NewSyncState(panelID string) SyncState {
	return SyncState{PanelID: panelID, Written: map[string]uint32{}}
}

func (s SyncState) Clone() SyncState {
	out := s
	out.Written = maps.Clone(s.Written)
	if out.Written == nil {
		out.Written = map[string]uint32{}
	}
	return out
}

// RecordKey names one panel-resident record, e.g. "user:12".
func RecordKey(table string, id uint32) string {
	return fmt.Sprintf("%s:%d", table, id)
}

type SyncStateStore interface {
	// Load returns ErrNotFound when nothing was saved for panelID.
	Load(ctx context.Context, panelID string) (SyncState, error)
	// Save replaces the stored state atomically.
	Save(ctx context.Context, st SyncState) error
	Delete(ctx context.Context, panelID string) error
	List(ctx context.Context) ([]SyncState, error)
	Close() error
}

// DocumentStore keeps small named documents next to the sync state, such as the
// operator's desired configuration.
type DocumentStore interface {
	// LoadDocument returns ErrNotFound when name was never saved.
	LoadDocument(ctx context.Context, name string) ([]byte, error)
	SaveDocument(ctx context.Context, name string, body []byte) error
}

// LoadOrNew returns the stored state or a fresh one for panelID.
func LoadOrNew(ctx context.Context, s SyncStateStore, panelID string) (SyncState, error) {
	st, err := s.Load(ctx, panelID)
	if errors.Is(err, ErrNotFound) {
		return NewSyncState(panelID), nil
	}
	if err != nil {
		return SyncState{}, err
	}
	if st.Written == nil {
		st.Written = map[string]uint32{}
	}
	return st, nil
}

// Validate rejects states that cannot be keyed.
func Validate(st SyncState) error {
	if st.PanelID == "" {
		return errors.New("store: sync state missing panel id")
	}
	return nil
}
