package records

import (
	"errors"
	"fmt"

	"github.com/danmuck/c3sync/internal/protocol/frame"
)

// Control outputs.
const (
	OutputDoor uint8 = 1
	OutputAux  uint8 = 2
)

// Control durations with special meaning.
const (
	DurationLock     uint8 = 0
	DurationHoldOpen uint8 = 255
)

var ErrPayloadFormat = errors.New("records: malformed payload")

// MaxRecordsPerFrame is how many records of table t fit in one set-data or get-data frame.
func MaxRecordsPerFrame(t Table, limits frame.Limits) (int, error) {
	size, err := t.RecordSize()
	if err != nil {
		return 0, err
	}
	maxPayload := limits.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = frame.DefaultLimits().MaxPayloadBytes
	}
	n := (maxPayload - 2) / size
	if n > 255 {
		n = 255
	}
	return n, nil
}

// MaxEventsPerFrame is how many event records fit in one event-log response.
func MaxEventsPerFrame(limits frame.Limits) int {
	maxPayload := limits.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = frame.DefaultLimits().MaxPayloadBytes
	}
	n := (maxPayload - 1) / EventSize
	if n > 255 {
		n = 255
	}
	return n
}

// MaxIDsPerFrame is how many ids fit in one delete-data frame.
func MaxIDsPerFrame(limits frame.Limits) int {
	maxPayload := limits.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = frame.DefaultLimits().MaxPayloadBytes
	}
	n := (maxPayload - 2) / 4
	if n > 255 {
		n = 255
	}
	return n
}

func SetDataPayload(t Table, recs [][]byte) ([]byte, error) {
	size, err := t.RecordSize()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 || len(recs) > 255 {
		return nil, fmt.Errorf("%w: set-data count %d", ErrPayloadFormat, len(recs))
	}
	out := make([]byte, 2, 2+len(recs)*size)
	out[0] = byte(t)
	out[1] = byte(len(recs))
	for _, r := range recs {
		if len(r) != size {
			return nil, fmt.Errorf("%w: %s=%d", ErrRecordSize, t, len(r))
		}
		out = append(out, r...)
	}
	return out, nil
}

// ParseSetData splits a set-data payload back into its table and records.
func ParseSetData(payload []byte) (Table, [][]byte, error) {
	return parseTableRecords(payload)
}

func GetDataRequest(t Table, offset uint16, max uint8) []byte {
	b := make([]byte, 4)
	b[0] = byte(t)
	put16(b[1:3], offset)
	b[3] = max
	return b
}

func ParseGetDataRequest(payload []byte) (Table, uint16, uint8, error) {
	if len(payload) != 4 {
		return 0, 0, 0, fmt.Errorf("%w: get-data request len=%d", ErrPayloadFormat, len(payload))
	}
	t := Table(payload[0])
	if _, err := t.RecordSize(); err != nil {
		return 0, 0, 0, err
	}
	return t, le16(payload[1:3]), payload[3], nil
}

// DataResponse renders a get-data response; records may be empty.
func DataResponse(t Table, recs [][]byte) ([]byte, error) {
	if len(recs) == 0 {
		return []byte{byte(t), 0}, nil
	}
	return SetDataPayload(t, recs)
}

// ParseDataResponse returns the raw records of a get-data response for table want.
func ParseDataResponse(want Table, payload []byte) ([][]byte, error) {
	t, recs, err := parseTableRecords(payload)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, fmt.Errorf("%w: response table %s, want %s", ErrPayloadFormat, t, want)
	}
	return recs, nil
}

func DeleteDataPayload(t Table, ids []uint32) ([]byte, error) {
	if _, err := t.RecordSize(); err != nil {
		return nil, err
	}
	if len(ids) == 0 || len(ids) > 255 {
		return nil, fmt.Errorf("%w: delete-data count %d", ErrPayloadFormat, len(ids))
	}
	out := make([]byte, 2+len(ids)*4)
	out[0] = byte(t)
	out[1] = byte(len(ids))
	for i, id := range ids {
		put32(out[2+i*4:], id)
	}
	return out, nil
}

func ParseDeleteData(payload []byte) (Table, []uint32, error) {
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("%w: delete-data len=%d", ErrPayloadFormat, len(payload))
	}
	t := Table(payload[0])
	if _, err := t.RecordSize(); err != nil {
		return 0, nil, err
	}
	count := int(payload[1])
	if len(payload) != 2+count*4 {
		return 0, nil, fmt.Errorf("%w: delete-data count=%d len=%d", ErrPayloadFormat, count, len(payload))
	}
	ids := make([]uint32, count)
	for i := range ids {
		ids[i] = le32(payload[2+i*4:])
	}
	return t, ids, nil
}

func EventLogRequest(after uint32, max uint8) []byte {
	b := make([]byte, 5)
	put32(b[0:4], after)
	b[4] = max
	return b
}

func ParseEventLogRequest(payload []byte) (uint32, uint8, error) {
	if len(payload) != 5 {
		return 0, 0, fmt.Errorf("%w: event-log request len=%d", ErrPayloadFormat, len(payload))
	}
	return le32(payload[0:4]), payload[4], nil
}

func EventLogResponse(recs [][]byte) ([]byte, error) {
	if len(recs) > 255 {
		return nil, fmt.Errorf("%w: event-log count %d", ErrPayloadFormat, len(recs))
	}
	out := make([]byte, 1, 1+len(recs)*EventSize)
	out[0] = byte(len(recs))
	for _, r := range recs {
		if len(r) != EventSize {
			return nil, fmt.Errorf("%w: event=%d", ErrRecordSize, len(r))
		}
		out = append(out, r...)
	}
	return out, nil
}

// ParseEventLog splits an event-log response into raw 24-byte records.
func ParseEventLog(payload []byte) ([][]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty event-log response", ErrPayloadFormat)
	}
	count := int(payload[0])
	if len(payload) != 1+count*EventSize {
		return nil, fmt.Errorf("%w: event-log count=%d len=%d", ErrPayloadFormat, count, len(payload))
	}
	out := make([][]byte, count)
	for i := range out {
		out[i] = payload[1+i*EventSize : 1+(i+1)*EventSize]
	}
	return out, nil
}

func ControlPayload(door int, output, duration uint8) ([]byte, error) {
	if door < 1 || door > 255 {
		return nil, fmt.Errorf("%w: control door %d", ErrPayloadFormat, door)
	}
	if output != OutputDoor && output != OutputAux {
		return nil, fmt.Errorf("%w: control output %d", ErrPayloadFormat, output)
	}
	return []byte{byte(door), output, duration, 0}, nil
}

func ParseControl(payload []byte) (door int, output, duration uint8, err error) {
	if len(payload) != 4 {
		return 0, 0, 0, fmt.Errorf("%w: control len=%d", ErrPayloadFormat, len(payload))
	}
	return int(payload[0]), payload[1], payload[2], nil
}

// NAKPayload encodes a panel error code.
func NAKPayload(code int32) []byte {
	b := make([]byte, 4)
	put32(b, uint32(code))
	return b
}

// NAKCode reads the error code from a NAK payload; short payloads yield -1.
func NAKCode(payload []byte) int32 {
	if len(payload) < 4 {
		return -1
	}
	return int32(le32(payload[0:4]))
}

func parseTableRecords(payload []byte) (Table, [][]byte, error) {
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("%w: data len=%d", ErrPayloadFormat, len(payload))
	}
	t := Table(payload[0])
	size, err := t.RecordSize()
	if err != nil {
		return 0, nil, err
	}
	count := int(payload[1])
	if len(payload) != 2+count*size {
		return 0, nil, fmt.Errorf("%w: %s count=%d len=%d", ErrPayloadFormat, t, count, len(payload))
	}
	recs := make([][]byte, count)
	for i := range recs {
		recs[i] = payload[2+i*size : 2+(i+1)*size]
	}
	return t, recs, nil
}
