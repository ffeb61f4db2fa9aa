package model

type RelayState uint8

const (
	RelayUnknown RelayState = iota
	RelayLocked
	RelayUnlocked
)

func (r RelayState) String() string {
	switch r {
	case RelayLocked:
		return "locked"
	case RelayUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

func (r RelayState) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

type SensorState uint8

const (
	SensorUnknown SensorState = iota
	SensorClosed
	SensorOpen
)

func (s SensorState) String() string {
	switch s {
	case SensorClosed:
		return "closed"
	case SensorOpen:
		return "open"
	default:
		return "unknown"
	}
}

func (s SensorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const DefaultUnlockDuration = 5

// Door is the last known state of one door. Relay and sensor state are
// observations, never authoritative.
type Door struct {
	ID             DoorID      `json:"id"`
	Name           string      `json:"name"`
	Relay          RelayState  `json:"relay"`
	Sensor         SensorState `json:"sensor"`
	UnlockDuration int         `json:"unlock_duration"`
}
