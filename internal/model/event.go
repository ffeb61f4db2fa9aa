package model

import (
	"fmt"
	"time"
)

// EventCode is the panel's event type byte.
type EventCode uint8

const (
	EventNormalOpen    EventCode = 0
	EventNormalClose   EventCode = 1
	EventAlarmOpen     EventCode = 2
	EventAlarmClose    EventCode = 3
	EventDoorOpened    EventCode = 4
	EventDoorClosed    EventCode = 5
	EventCardSwipe     EventCode = 200
	EventPINEntered    EventCode = 201
	EventCardPIN       EventCode = 202
	EventAccessDenied  EventCode = 205
	EventDuress        EventCode = 206
	EventRemoteRelease EventCode = 8
)

var eventNames = map[EventCode]string{
	EventNormalOpen:    "normal_open",
	EventNormalClose:   "normal_close",
	EventAlarmOpen:     "alarm_open",
	EventAlarmClose:    "alarm_close",
	EventDoorOpened:    "door_opened",
	EventDoorClosed:    "door_closed",
	EventRemoteRelease: "remote_release",
	EventCardSwipe:     "card_swipe",
	EventPINEntered:    "pin_entered",
	EventCardPIN:       "card_pin",
	EventAccessDenied:  "access_denied",
	EventDuress:        "duress",
}

func (c EventCode) String() string {
	if name, ok := eventNames[c]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint8(c))
}

func (c EventCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts a code name or the event(N) form String emits for unnamed codes.
func (c *EventCode) UnmarshalText(b []byte) error {
	raw := string(b)
	for code, name := range eventNames {
		if name == raw {
			*c = code
			return nil
		}
	}
	var n uint8
	if _, err := fmt.Sscanf(raw, "event(%d)", &n); err != nil {
		return fmt.Errorf("unknown event code %q", raw)
	}
	*c = EventCode(n)
	return nil
}

// Granted reports whether the code records a credential that opened a door.
func (c EventCode) Granted() bool {
	switch c {
	case EventCardSwipe, EventPINEntered, EventCardPIN:
		return true
	default:
		return false
	}
}

// Alarm reports whether the code should reach notification consumers urgently.
func (c EventCode) Alarm() bool {
	switch c {
	case EventAccessDenied, EventDuress, EventAlarmOpen, EventAlarmClose:
		return true
	default:
		return false
	}
}

// EventRecord is one entry of a panel's event log. Immutable once produced.
type EventRecord struct {
	Panel  string     `json:"panel"`
	Seq    uint32     `json:"seq"`
	Time   time.Time  `json:"time"`
	Door   int        `json:"door"`
	Code   EventCode  `json:"code"`
	Verify VerifyMode `json:"verify"`
	InOut  uint8      `json:"in_out"`
	Card   string     `json:"card,omitempty"`
	UserID uint32     `json:"user_id,omitempty"`
}

// DoorID returns the door this event refers to; Index is zero for panel-wide events.
func (e EventRecord) DoorID() DoorID {
	return DoorID{Panel: e.Panel, Index: e.Door}
}
