package coordinator

import (
	"time"

	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/reconcile"
)

// PanelStatus is the published view of one panel. Door states are the last
// observation, never authoritative.
type PanelStatus struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Address       string             `json:"address"`
	State         model.ConnState    `json:"state"`
	Error         string             `json:"error,omitempty"`
	Capabilities  model.Capabilities `json:"capabilities"`
	Doors         []model.Door       `json:"doors"`
	EventCursor   uint32             `json:"event_cursor"`
	ConfigVersion string             `json:"config_version"`
	Pending       bool               `json:"pending"`
	LastPoll      time.Time          `json:"last_poll,omitzero"`
	LastSync      time.Time          `json:"last_sync,omitzero"`
	LastReport    *reconcile.Report  `json:"last_report,omitempty"`
}

func (p PanelStatus) clone() PanelStatus {
	out := p
	out.Doors = append([]model.Door(nil), p.Doors...)
	return out
}

// State is an immutable snapshot. Callers must not modify it.
type State struct {
	Panels    map[string]PanelStatus `json:"panels"`
	UpdatedAt time.Time              `json:"updated_at"`
}

type ChangeKind string

const (
	ChangePanel ChangeKind = "panel"
	ChangeDoors ChangeKind = "doors"
	ChangeEvent ChangeKind = "event"
	ChangeSync  ChangeKind = "sync"
)

// Event is a delivered panel event with the user it resolved to, if any.
type Event struct {
	model.EventRecord
	User *model.User `json:"user,omitempty"`
}

type StateChange struct {
	Kind   ChangeKind        `json:"kind"`
	Panel  string            `json:"panel"`
	At     time.Time         `json:"at"`
	State  model.ConnState   `json:"state,omitempty"`
	Error  string            `json:"error,omitempty"`
	Doors  []model.Door      `json:"doors,omitempty"`
	Event  *Event            `json:"event,omitempty"`
	Report *reconcile.Report `json:"report,omitempty"`
}

// applyEvent folds door-related event codes into door observations.
func applyEvent(doors []model.Door, e model.EventRecord) ([]model.Door, bool) {
	if e.Door == 0 {
		return doors, false
	}
	idx := -1
	for i, d := range doors {
		if d.ID.Index == e.Door {
			idx = i
			break
		}
	}
	if idx < 0 {
		return doors, false
	}
	d := doors[idx]
	switch e.Code {
	case model.EventDoorOpened, model.EventAlarmOpen:
		d.Sensor = model.SensorOpen
	case model.EventDoorClosed, model.EventAlarmClose:
		d.Sensor = model.SensorClosed
	case model.EventNormalOpen, model.EventRemoteRelease:
		d.Relay = model.RelayUnlocked
	case model.EventNormalClose:
		d.Relay = model.RelayLocked
	default:
		return doors, false
	}
	if d == doors[idx] {
		return doors, false
	}
	out := append([]model.Door(nil), doors...)
	out[idx] = d
	return out, true
}
