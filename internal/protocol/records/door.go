package records

import (
	"fmt"

	"github.com/danmuck/c3sync/internal/model"
)

const doorNameLen = 16

func EncodeDoor(d model.Door) ([]byte, error) {
	if d.ID.Index < 1 || d.ID.Index > model.MaxDoors {
		return nil, outOfRange(TableDoor, "door", int64(d.ID.Index))
	}
	if d.UnlockDuration < 0 || d.UnlockDuration > 254 {
		return nil, outOfRange(TableDoor, "unlock_duration", int64(d.UnlockDuration))
	}
	b := make([]byte, DoorSize)
	b[0] = byte(d.ID.Index)
	b[1] = byte(d.Relay)
	b[2] = byte(d.Sensor)
	b[3] = byte(d.UnlockDuration)
	putString(b[4:4+doorNameLen], d.Name)
	return b, nil
}

func DecodeDoor(b []byte, caps model.Capabilities, panelID string) (model.Door, error) {
	if len(b) != DoorSize {
		return model.Door{}, fmt.Errorf("%w: door=%d", ErrRecordSize, len(b))
	}
	idx := int(b[0])
	if !caps.ValidDoor(idx) {
		return model.Door{}, outOfRange(TableDoor, "door", int64(idx))
	}
	if b[1] > byte(model.RelayUnlocked) {
		return model.Door{}, outOfRange(TableDoor, "relay", int64(b[1]))
	}
	if b[2] > byte(model.SensorOpen) {
		return model.Door{}, outOfRange(TableDoor, "sensor", int64(b[2]))
	}
	return model.Door{
		ID:             model.DoorID{Panel: panelID, Index: idx},
		Name:           getString(b[4 : 4+doorNameLen]),
		Relay:          model.RelayState(b[1]),
		Sensor:         model.SensorState(b[2]),
		UnlockDuration: int(b[3]),
	}, nil
}
