package records

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/protocol/frame"
	"github.com/danmuck/c3sync/internal/testutil/testlog"
)

var twoDoors = model.Capabilities{DoorCount: 2, ReaderCount: 2}

func sampleUser() model.User {
	return model.User{
		ID:         12,
		Name:       "Ada Lovelace",
		Card:       "1234567",
		PIN:        "4321",
		Verify:     model.VerifyCardOrPIN,
		Groups:     []uint16{1, 3},
		ValidFrom:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:     model.StatusActive,
	}
}

func TestUserRoundTrip(t *testing.T) {
	testlog.Start(t)
	u := sampleUser()
	b, err := EncodeUser(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != UserSize {
		t.Fatalf("size=%d", len(b))
	}
	got, err := DecodeUser(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got.User, u) {
		t.Fatalf("user mismatch\n got=%+v\nwant=%+v", got.User, u)
	}
	want, _ := UserVersion(u)
	if got.Stamp != want || got.Stamp == 0 {
		t.Fatalf("stamp=%d want=%d", got.Stamp, want)
	}
}

func TestCardRoundTripIsCanonical(t *testing.T) {
	testlog.Start(t)
	u := sampleUser()
	u.Card = "0012345678"
	b, err := EncodeUser(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeUser(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.User.Card != model.CanonicalCard(u.Card) || got.User.Card != "12345678" {
		t.Fatalf("card=%q", got.User.Card)
	}
	canon := u
	canon.Card = "12345678"
	padded, _ := UserVersion(u)
	plain, _ := UserVersion(canon)
	if padded != plain {
		t.Fatalf("padding changed the stamp: %d != %d", padded, plain)
	}

	eb, err := EncodeEvent(model.EventRecord{Seq: 1, Door: 1, Code: model.EventCardSwipe, Verify: model.VerifyCard, Card: "000100"})
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	ev, err := DecodeEvent(eb, model.Capabilities{DoorCount: 2}, "p1")
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Card != "100" {
		t.Fatalf("event card=%q", ev.Card)
	}
	if model.CanonicalCard("000") != "" {
		t.Fatalf("all-zero card should be no card")
	}
}

func TestUserVersionTracksContent(t *testing.T) {
	testlog.Start(t)
	u := sampleUser()
	v1, _ := UserVersion(u)
	u.Name = "Ada King"
	v2, _ := UserVersion(u)
	if v1 == v2 {
		t.Fatalf("version did not change with name")
	}
	u.Name = "Ada Lovelace"
	v3, _ := UserVersion(u)
	if v1 != v3 {
		t.Fatalf("version not stable: %d vs %d", v1, v3)
	}
}

func TestEncodeUserRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := map[string]func(*model.User){
		"zero id":        func(u *model.User) { u.ID = 0 },
		"too many":       func(u *model.User) { u.Groups = []uint16{1, 2, 3, 4, 5} },
		"zero group":     func(u *model.User) { u.Groups = []uint16{0} },
		"card letters":   func(u *model.User) { u.Card = "12ab" },
		"pin too long":   func(u *model.User) { u.PIN = "123456789" },
		"verify":         func(u *model.User) { u.Verify = 9 },
		"card required":  func(u *model.User) { u.Verify = model.VerifyCard; u.Card = "" },
		"pin required":   func(u *model.User) { u.Verify = model.VerifyCardAndPIN; u.PIN = "" },
		"window reverse": func(u *model.User) { u.ValidUntil = u.ValidFrom.Add(-time.Hour) },
	}
	for name, mutate := range cases {
		u := sampleUser()
		mutate(&u)
		if _, err := EncodeUser(u); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDecodeUserRangeValidation(t *testing.T) {
	testlog.Start(t)
	b, err := EncodeUser(sampleUser())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bad := append([]byte(nil), b...)
	bad[40] = 7
	if _, err := DecodeUser(bad); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("verify: expected ErrOutOfRange, got %v", err)
	}
	bad = append([]byte(nil), b...)
	bad[33] = 'x'
	if _, err := DecodeUser(bad); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("pin: expected ErrInvalidField, got %v", err)
	}
	if _, err := DecodeUser(b[:63]); !errors.Is(err, ErrRecordSize) {
		t.Fatalf("short: expected ErrRecordSize, got %v", err)
	}
	var rerr *RangeError
	bad = append([]byte(nil), b...)
	bad[41] = 9
	if _, err := DecodeUser(bad); !errors.As(err, &rerr) || rerr.Field != "status" {
		t.Fatalf("status: expected RangeError, got %v", err)
	}
}

func TestUserNameTruncatesOnRuneBoundary(t *testing.T) {
	testlog.Start(t)
	u := sampleUser()
	u.Name = "Zoë Zoë Zoë Zoë Zoë Zoë"
	b, err := EncodeUser(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeUser(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.User.Name) > 20 {
		t.Fatalf("name too long: %q", got.User.Name)
	}
	for _, r := range got.User.Name {
		if r == '�' {
			t.Fatalf("name split a rune: %q", got.User.Name)
		}
	}
}

func TestGroupRoundTripAndDoorMask(t *testing.T) {
	testlog.Start(t)
	g := model.AccessGroup{ID: 3, Name: "Lobby", Doors: []int{2, 1}, Schedule: 7}
	b, err := EncodeGroup(g, twoDoors)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b[26] != 0x03 {
		t.Fatalf("mask=%#x", b[26])
	}
	got, err := DecodeGroup(b, twoDoors)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got.Group.Doors, []int{1, 2}) || got.Group.Schedule != 7 || got.Group.Name != "Lobby" {
		t.Fatalf("unexpected group: %+v", got.Group)
	}
	if _, err := EncodeGroup(model.AccessGroup{ID: 3, Doors: []int{3}}, twoDoors); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("door 3 on a 2-door panel: got %v", err)
	}
	b[26] = 0x04
	if _, err := DecodeGroup(b, twoDoors); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("mask beyond door count: got %v", err)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	testlog.Start(t)
	s := model.Schedule{
		ID: 5,
		Intervals: []model.Interval{
			{Day: time.Tuesday, Start: 13 * 60, End: 17 * 60},
			{Day: time.Monday, Start: 8 * 60, End: 12 * 60},
			{Day: time.Tuesday, Start: 8 * 60, End: 12 * 60},
		},
		Holidays: []time.Time{
			time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	b, err := EncodeSchedule(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSchedule(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	wantIntervals := []model.Interval{
		{Day: time.Monday, Start: 480, End: 720},
		{Day: time.Tuesday, Start: 480, End: 720},
		{Day: time.Tuesday, Start: 780, End: 1020},
	}
	if !reflect.DeepEqual(got.Schedule.Intervals, wantIntervals) {
		t.Fatalf("intervals=%+v", got.Schedule.Intervals)
	}
	if len(got.Schedule.Holidays) != 2 || !got.Schedule.Holidays[0].Equal(s.Holidays[1]) {
		t.Fatalf("holidays=%v", got.Schedule.Holidays)
	}
	v, _ := ScheduleVersion(got.Schedule)
	if v != got.Stamp {
		t.Fatalf("decoded schedule does not restamp equal: %d vs %d", v, got.Stamp)
	}
}

func TestScheduleLimits(t *testing.T) {
	testlog.Start(t)
	four := model.Schedule{ID: 1}
	for i := 0; i < 4; i++ {
		four.Intervals = append(four.Intervals, model.Interval{Day: time.Friday, Start: i * 100, End: i*100 + 50})
	}
	if _, err := EncodeSchedule(four); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("4 intervals/day: got %v", err)
	}
	late := model.Schedule{ID: 1, Intervals: []model.Interval{{Day: time.Friday, Start: 10, End: 1441}}}
	if _, err := EncodeSchedule(late); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("end past midnight: got %v", err)
	}
	b, _ := EncodeSchedule(model.Schedule{ID: 2})
	b[scheduleHolidayCount] = 9
	if _, err := DecodeSchedule(b); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("holiday count 9: got %v", err)
	}
}

func TestEventDecodeValidatesDoor(t *testing.T) {
	testlog.Start(t)
	e := model.EventRecord{
		Seq:    41,
		Time:   time.Unix(1760000000, 0).UTC(),
		Door:   2,
		Code:   model.EventCardSwipe,
		Verify: model.VerifyCard,
		Card:   "1234567",
		UserID: 12,
	}
	b, err := EncodeEvent(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeEvent(b, twoDoors, "p1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	e.Panel = "p1"
	if !reflect.DeepEqual(got, e) {
		t.Fatalf("event mismatch\n got=%+v\nwant=%+v", got, e)
	}
	if seq, ok := EventSeq(b); !ok || seq != 41 {
		t.Fatalf("EventSeq=%d,%v", seq, ok)
	}
	b[8] = 3
	if _, err := DecodeEvent(b, twoDoors, "p1"); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("door 3: got %v", err)
	}
}

func TestDoorRoundTrip(t *testing.T) {
	testlog.Start(t)
	d := model.Door{
		ID:             model.DoorID{Panel: "p1", Index: 2},
		Name:           "Back",
		Relay:          model.RelayLocked,
		Sensor:         model.SensorClosed,
		UnlockDuration: 5,
	}
	b, err := EncodeDoor(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeDoor(b, twoDoors, "p1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != d {
		t.Fatalf("door mismatch: %+v", got)
	}
}

func TestParams(t *testing.T) {
	testlog.Start(t)
	if got := string(ParamRequest(CapabilityParams)); got != "~SerialNumber,LockCount,ReaderCount,FirmVer~" {
		t.Fatalf("request=%q", got)
	}
	params, err := ParseParams([]byte("~SerialNumber=DGD9190019050335134,LockCount=2,ReaderCount=4,FirmVer=AC Ver 4.3.4~\x00"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	caps, err := CapabilitiesFromParams(params, 0)
	if err != nil {
		t.Fatalf("caps: %v", err)
	}
	if caps.DoorCount != 2 || caps.ReaderCount != 4 || caps.Firmware != "AC Ver 4.3.4" {
		t.Fatalf("caps=%+v", caps)
	}
	if _, err := CapabilitiesFromParams(params, 4); err == nil {
		t.Fatalf("expected door count mismatch")
	}
	if _, err := ParseParams([]byte("novalue~")); !errors.Is(err, ErrParamFormat) {
		t.Fatalf("expected ErrParamFormat, got %v", err)
	}
}

func TestParamSetValidation(t *testing.T) {
	testlog.Start(t)
	set := ParamSet{Version: ParamSetVersion, Params: []Param{
		{Kind: ParamDoorDriveTime, Door: 1, Value: 8},
		{Kind: ParamAntiPassback, Value: 1},
	}}
	b, err := set.Encode(twoDoors)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(b) != "AntiPassback=1,Door1Drivertime=8~" {
		t.Fatalf("payload=%q", b)
	}
	bad := []ParamSet{
		{Version: 2, Params: set.Params},
		{Version: 1},
		{Version: 1, Params: []Param{{Kind: ParamDoorDriveTime, Door: 3, Value: 5}}},
		{Version: 1, Params: []Param{{Kind: ParamDoorSensorType, Door: 1, Value: 7}}},
		{Version: 1, Params: []Param{{Kind: "bogus", Value: 1}}},
		{Version: 1, Params: []Param{{Kind: ParamAntiPassback, Value: 1}, {Kind: ParamAntiPassback, Value: 2}}},
	}
	for i, s := range bad {
		if err := s.Validate(twoDoors); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestDataPayloads(t *testing.T) {
	testlog.Start(t)
	u1, _ := EncodeUser(sampleUser())
	u2 := sampleUser()
	u2.ID = 13
	b2, _ := EncodeUser(u2)
	payload, err := SetDataPayload(TableUser, [][]byte{u1, b2})
	if err != nil {
		t.Fatalf("set-data: %v", err)
	}
	table, recs, err := ParseSetData(payload)
	if err != nil || table != TableUser || len(recs) != 2 {
		t.Fatalf("parse set-data: table=%v n=%d err=%v", table, len(recs), err)
	}
	if _, err := ParseDataResponse(TableGroup, payload); !errors.Is(err, ErrPayloadFormat) {
		t.Fatalf("wrong table: got %v", err)
	}
	if _, err := ParseDataResponse(TableUser, payload[:len(payload)-1]); !errors.Is(err, ErrPayloadFormat) {
		t.Fatalf("truncated: got %v", err)
	}

	del, err := DeleteDataPayload(TableUser, []uint32{12, 13})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	table, ids, err := ParseDeleteData(del)
	if err != nil || table != TableUser || !reflect.DeepEqual(ids, []uint32{12, 13}) {
		t.Fatalf("parse delete: %v %v %v", table, ids, err)
	}

	after, max, err := ParseEventLogRequest(EventLogRequest(77, 20))
	if err != nil || after != 77 || max != 20 {
		t.Fatalf("event-log request: %d %d %v", after, max, err)
	}
	ctl, err := ControlPayload(2, OutputDoor, DurationHoldOpen)
	if err != nil || !reflect.DeepEqual(ctl, []byte{2, 1, 255, 0}) {
		t.Fatalf("control=%v err=%v", ctl, err)
	}
	if NAKCode(NAKPayload(-5)) != -5 {
		t.Fatalf("nak round trip")
	}
}

func TestMaxRecordsPerFrameFitsLimits(t *testing.T) {
	testlog.Start(t)
	limits := frame.Limits{MaxPayloadBytes: 512}
	n, err := MaxRecordsPerFrame(TableSchedule, limits)
	if err != nil {
		t.Fatalf("max records: %v", err)
	}
	if 2+n*ScheduleSize > limits.MaxPayloadBytes || 2+(n+1)*ScheduleSize <= limits.MaxPayloadBytes {
		t.Fatalf("n=%d not the largest fit", n)
	}
	if n, _ := MaxRecordsPerFrame(TableGroup, frame.DefaultLimits()); n > 255 {
		t.Fatalf("count byte overflow: %d", n)
	}
}

func TestReadStampDetectsTampering(t *testing.T) {
	testlog.Start(t)
	b, err := EncodeUser(sampleUser())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	st, err := ReadStamp(TableUser, b)
	if err != nil {
		t.Fatalf("read stamp: %v", err)
	}
	if st.ID != 12 || !st.Intact() {
		t.Fatalf("stamp=%+v", st)
	}
	b[13] ^= 0x20
	st, _ = ReadStamp(TableUser, b)
	if st.Intact() {
		t.Fatalf("tampered name still intact")
	}

	g, _ := EncodeGroup(model.AccessGroup{ID: 4, Doors: []int{1}}, twoDoors)
	if st, err := ReadStamp(TableGroup, g); err != nil || st.ID != 4 || !st.Intact() {
		t.Fatalf("group stamp=%+v err=%v", st, err)
	}
	if _, err := ReadStamp(TableDoor, make([]byte, DoorSize)); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("door table err=%v", err)
	}
	if _, err := ReadStamp(TableSchedule, make([]byte, ScheduleSize)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("zero id err=%v", err)
	}
}
