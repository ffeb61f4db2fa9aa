package records

import (
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/c3sync/internal/model"
)

// EventSeq reads the sequence number of a raw event record without validating the rest,
// so a corrupt record can still be stepped over.
func EventSeq(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return le32(b[0:4]), true
}

func EncodeEvent(e model.EventRecord) ([]byte, error) {
	card, err := parseDigits(tableEvent, "card", e.Card, 20)
	if err != nil {
		return nil, err
	}
	b := make([]byte, EventSize)
	put32(b[0:4], e.Seq)
	if !e.Time.IsZero() {
		put32(b[4:8], uint32(e.Time.Unix()))
	}
	b[8] = byte(e.Door)
	b[9] = byte(e.Code)
	b[10] = byte(e.Verify)
	b[11] = e.InOut
	put64(b[12:20], card)
	put32(b[20:24], e.UserID)
	return b, nil
}

// DecodeEvent validates the door index against caps before exposing the record.
func DecodeEvent(b []byte, caps model.Capabilities, panelID string) (model.EventRecord, error) {
	if len(b) != EventSize {
		return model.EventRecord{}, fmt.Errorf("%w: event=%d", ErrRecordSize, len(b))
	}
	seq := le32(b[0:4])
	if seq == 0 {
		return model.EventRecord{}, outOfRange(tableEvent, "seq", 0)
	}
	door := int(b[8])
	if door != 0 && !caps.ValidDoor(door) {
		return model.EventRecord{}, outOfRange(tableEvent, "door", int64(door))
	}
	verify := model.VerifyMode(b[10])
	if !verify.Valid() && verify != model.VerifyNone {
		return model.EventRecord{}, outOfRange(tableEvent, "verify", int64(b[10]))
	}
	if b[11] > 1 {
		return model.EventRecord{}, outOfRange(tableEvent, "in_out", int64(b[11]))
	}
	e := model.EventRecord{
		Panel:  panelID,
		Seq:    seq,
		Door:   door,
		Code:   model.EventCode(b[9]),
		Verify: verify,
		InOut:  b[11],
		UserID: le32(b[20:24]),
	}
	if ts := le32(b[4:8]); ts != 0 {
		e.Time = time.Unix(int64(ts), 0).UTC()
	}
	if card := le64(b[12:20]); card != 0 {
		e.Card = strconv.FormatUint(card, 10)
	}
	return e, nil
}

// tableEvent labels event range errors; events are never addressed as a data table.
const tableEvent Table = 0xE0
