package records

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"unicode/utf8"
)

// Table selects a panel data table for set/get/delete-data commands.
type Table uint8

const (
	TableUser     Table = 1
	TableGroup    Table = 2
	TableSchedule Table = 3
	TableDoor     Table = 4
)

const (
	UserSize     = 64
	GroupSize    = 36
	ScheduleSize = 128
	EventSize    = 24
	DoorSize     = 20
)

var (
	ErrRecordSize   = errors.New("records: wrong record size")
	ErrUnknownTable = errors.New("records: unknown table")
	ErrOutOfRange   = errors.New("records: field out of range")
	ErrInvalidField = errors.New("records: invalid field")
)

func (t Table) String() string {
	switch t {
	case TableUser:
		return "user"
	case TableGroup:
		return "group"
	case TableSchedule:
		return "schedule"
	case TableDoor:
		return "door"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

// RecordSize returns the fixed width of one record in table t.
func (t Table) RecordSize() (int, error) {
	switch t {
	case TableUser:
		return UserSize, nil
	case TableGroup:
		return GroupSize, nil
	case TableSchedule:
		return ScheduleSize, nil
	case TableDoor:
		return DoorSize, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownTable, uint8(t))
	}
}

// RangeError names the field that failed range validation.
type RangeError struct {
	Table Table
	Field string
	Value int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("records: %s.%s out of range: %d", e.Table, e.Field, e.Value)
}

func (e *RangeError) Unwrap() error {
	return ErrOutOfRange
}

func outOfRange(t Table, field string, v int64) error {
	return &RangeError{Table: t, Field: field, Value: v}
}

// stamp computes the content version over a record with its version field excluded.
func stamp(b []byte, versionOffset int) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b[:versionOffset])
	return h.Sum32()
}

func putString(dst []byte, s string) {
	for len(s) > len(dst) {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	copy(dst, s)
}

func getString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

func parseDigits(t Table, field, s string, maxLen int) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	if len(s) > maxLen {
		return 0, fmt.Errorf("%w: %s.%s too long", ErrInvalidField, t, field)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %s.%s must be digits", ErrInvalidField, t, field)
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s.%s: %v", ErrInvalidField, t, field, err)
	}
	return v, nil
}

func le16(b []byte) uint16     { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32     { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64     { return binary.LittleEndian.Uint64(b) }
func put16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func put32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func put64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// Stamp is the identity and versioning of one raw record, read without range validation.
type Stamp struct {
	ID uint32
	// Stored is the version field the writer put on the record.
	Stored uint32
	// Content is the version recomputed from the record's bytes.
	Content uint32
}

// Intact reports whether the record's bytes still match its version field.
func (s Stamp) Intact() bool {
	return s.Stored == s.Content
}

// ReadStamp extracts the id and both versions of a raw user, group or schedule record.
func ReadStamp(t Table, b []byte) (Stamp, error) {
	size, err := t.RecordSize()
	if err != nil {
		return Stamp{}, err
	}
	if len(b) != size {
		return Stamp{}, fmt.Errorf("%w: %s=%d", ErrRecordSize, t, len(b))
	}
	var off int
	var id uint32
	switch t {
	case TableUser:
		off, id = userVersionOffset, le32(b[0:4])
	case TableGroup:
		off, id = groupVersionOffset, uint32(le16(b[0:2]))
	case TableSchedule:
		off, id = scheduleVersionOffset, uint32(le16(b[0:2]))
	default:
		return Stamp{}, fmt.Errorf("%w: %s carries no version", ErrUnknownTable, t)
	}
	if id == 0 {
		return Stamp{}, outOfRange(t, "id", 0)
	}
	return Stamp{ID: id, Stored: le32(b[off:]), Content: stamp(b, off)}, nil
}
