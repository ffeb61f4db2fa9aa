package records

import (
	"fmt"
	"sort"

	"github.com/danmuck/c3sync/internal/model"
)

const groupVersionOffset = 29

type GroupRecord struct {
	Group model.AccessGroup
	Stamp uint32
}

func GroupVersion(g model.AccessGroup, caps model.Capabilities) (uint32, error) {
	b, err := EncodeGroup(g, caps)
	if err != nil {
		return 0, err
	}
	return le32(b[groupVersionOffset:]), nil
}

// EncodeGroup checks the door set against caps so a group never names a door the panel lacks.
func EncodeGroup(g model.AccessGroup, caps model.Capabilities) ([]byte, error) {
	if g.ID == 0 {
		return nil, outOfRange(TableGroup, "id", 0)
	}
	var mask uint8
	for _, d := range g.Doors {
		if !caps.ValidDoor(d) {
			return nil, outOfRange(TableGroup, "doors", int64(d))
		}
		mask |= 1 << (d - 1)
	}
	b := make([]byte, GroupSize)
	put16(b[0:2], g.ID)
	putString(b[2:26], g.Name)
	b[26] = mask
	put16(b[27:29], g.Schedule)
	put32(b[groupVersionOffset:groupVersionOffset+4], stamp(b, groupVersionOffset))
	return b, nil
}

func DecodeGroup(b []byte, caps model.Capabilities) (GroupRecord, error) {
	if len(b) != GroupSize {
		return GroupRecord{}, fmt.Errorf("%w: group=%d", ErrRecordSize, len(b))
	}
	id := le16(b[0:2])
	if id == 0 {
		return GroupRecord{}, outOfRange(TableGroup, "id", 0)
	}
	mask := b[26]
	if mask&^caps.DoorMask() != 0 {
		return GroupRecord{}, outOfRange(TableGroup, "door_mask", int64(mask))
	}
	doors := make([]int, 0, model.MaxDoors)
	for i := 0; i < model.MaxDoors; i++ {
		if mask&(1<<i) != 0 {
			doors = append(doors, i+1)
		}
	}
	sort.Ints(doors)
	return GroupRecord{
		Group: model.AccessGroup{
			ID:       id,
			Name:     getString(b[2:26]),
			Doors:    doors,
			Schedule: le16(b[27:29]),
		},
		Stamp: le32(b[groupVersionOffset:]),
	}, nil
}
