// Package fakepanel is an in-process C3 panel for tests. It speaks the real wire
// format, keeps its own data tables and event log, and makes access decisions
// from the records written to it.
package fakepanel

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/protocol/frame"
	"github.com/danmuck/c3sync/internal/protocol/records"
)

// NAK codes returned by the fake.
const (
	CodeNotAuthorized int32 = -1
	CodeUnknownCmd    int32 = -2
	CodeBadRecord     int32 = -3
	CodeBadDoor       int32 = -4
	CodeBadPassword   int32 = -14
)

type Options struct {
	Doors    int
	Serial   string
	Firmware string
	Password string
	Token    uint16
}

// Hook intercepts a request before default handling. When handled is true the
// returned bytes are written verbatim (they may be any number of frames, or garbage).
type Hook func(req frame.Frame) (reply []byte, handled bool)

type Panel struct {
	ln   net.Listener
	opts Options
	caps model.Capabilities

	mu        sync.Mutex
	tables    map[records.Table]map[uint32][]byte
	doors     map[int]model.Door
	aux       map[int]uint8
	events    [][]byte
	lastSeq   uint32
	requests  []frame.Frame
	hook      Hook
	conns     map[net.Conn]struct{}
	connects  int
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Start listens on 127.0.0.1 and serves until the test ends.
func Start(t testing.TB, opts Options) *Panel {
	t.Helper()
	p, err := Listen(opts)
	if err != nil {
		t.Fatalf("fakepanel listen: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func Listen(opts Options) (*Panel, error) {
	if opts.Doors == 0 {
		opts.Doors = 2
	}
	if opts.Serial == "" {
		opts.Serial = "FAKE0000000001"
	}
	if opts.Firmware == "" {
		opts.Firmware = "AC Ver 4.3.4"
	}
	if opts.Token == 0 {
		opts.Token = 0x1234
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	p := &Panel{
		ln:   ln,
		opts: opts,
		caps: model.Capabilities{DoorCount: opts.Doors, ReaderCount: opts.Doors, SerialNumber: opts.Serial, Firmware: opts.Firmware},
		tables: map[records.Table]map[uint32][]byte{
			records.TableUser:     {},
			records.TableGroup:    {},
			records.TableSchedule: {},
		},
		doors: make(map[int]model.Door),
		aux:   make(map[int]uint8),
		conns: make(map[net.Conn]struct{}),
	}
	for i := 1; i <= opts.Doors; i++ {
		p.doors[i] = model.Door{
			ID:             model.DoorID{Index: i},
			Name:           fmt.Sprintf("Door %d", i),
			Relay:          model.RelayLocked,
			Sensor:         model.SensorClosed,
			UnlockDuration: model.DefaultUnlockDuration,
		}
	}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

func (p *Panel) Addr() string {
	return p.ln.Addr().String()
}

// PanelConfig returns a config that dials this fake.
func (p *Panel) PanelConfig(id string) model.PanelConfig {
	host, port, _ := net.SplitHostPort(p.Addr())
	n, _ := strconv.Atoi(port)
	return model.PanelConfig{ID: id, Host: host, Port: n, Password: p.opts.Password}
}

func (p *Panel) Capabilities() model.Capabilities {
	return p.caps
}

func (p *Panel) SetHook(h Hook) {
	p.mu.Lock()
	p.hook = h
	p.mu.Unlock()
}

// Requests returns every frame received so far, in arrival order.
func (p *Panel) Requests() []frame.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]frame.Frame(nil), p.requests...)
}

// Count returns how many requests carried cmd.
func (p *Panel) Count(cmd frame.Command) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.requests {
		if r.Header.Command == cmd {
			n++
		}
	}
	return n
}

// DataCommands counts set-data and delete-data requests.
func (p *Panel) DataCommands() int {
	return p.Count(frame.CmdSetData) + p.Count(frame.CmdDeleteData)
}

func (p *Panel) ResetRequests() {
	p.mu.Lock()
	p.requests = nil
	p.mu.Unlock()
}

// Connects counts accepted TCP connections.
func (p *Panel) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// DropConnections closes every open connection without closing the listener.
func (p *Panel) DropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		_ = c.Close()
	}
}

func (p *Panel) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		_ = p.ln.Close()
		for c := range p.conns {
			_ = c.Close()
		}
		p.mu.Unlock()
		p.wg.Wait()
	})
}

func (p *Panel) Users() map[uint32]model.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint32]model.User)
	for id, b := range p.tables[records.TableUser] {
		if r, err := records.DecodeUser(b); err == nil {
			out[id] = r.User
		}
	}
	return out
}

func (p *Panel) Groups() map[uint16]model.AccessGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groupsLocked()
}

func (p *Panel) Schedules() map[uint16]model.Schedule {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint16]model.Schedule)
	for id, b := range p.tables[records.TableSchedule] {
		if r, err := records.DecodeSchedule(b); err == nil {
			out[uint16(id)] = r.Schedule
		}
	}
	return out
}

// Raw returns the stored bytes of one record.
func (p *Panel) Raw(t records.Table, id uint32) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.tables[t][id]
	return append([]byte(nil), b...), ok
}

// PutRaw stores bytes as if another tool had written them.
func (p *Panel) PutRaw(t records.Table, id uint32, b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tables[t][id] = append([]byte(nil), b...)
}

func (p *Panel) Door(index int) model.Door {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doors[index]
}

// Aux is the duration last sent to the door's auxiliary output.
func (p *Panel) Aux(index int) (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.aux[index]
	return d, ok
}

// AppendEvent adds e to the log, assigning the next sequence number when e.Seq is zero.
func (p *Panel) AppendEvent(e model.EventRecord) model.EventRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appendEventLocked(e)
}

// AppendRawEvent adds opaque bytes to the log. The sequence is read from the first four bytes.
func (p *Panel) AppendRawEvent(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq, ok := records.EventSeq(b); ok && seq > p.lastSeq {
		p.lastSeq = seq
	}
	p.events = append(p.events, append([]byte(nil), b...))
}

// NextSeq is the sequence the next appended event will carry.
func (p *Panel) NextSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq + 1
}

// Swipe presents card at door and logs the panel's access decision.
func (p *Panel) Swipe(card string, door int, at time.Time) model.EventRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := model.EventRecord{
		Time:   at.UTC().Truncate(time.Second),
		Door:   door,
		Code:   model.EventAccessDenied,
		Verify: model.VerifyCard,
		Card:   card,
	}
	if u, ok := p.userByCardLocked(card); ok {
		e.UserID = u.ID
		if p.grantsLocked(u, door, at) {
			e.Code = model.EventCardSwipe
		}
	}
	return p.appendEventLocked(e)
}

func (p *Panel) appendEventLocked(e model.EventRecord) model.EventRecord {
	if e.Seq == 0 {
		e.Seq = p.lastSeq + 1
	}
	if e.Seq > p.lastSeq {
		p.lastSeq = e.Seq
	}
	b, err := records.EncodeEvent(e)
	if err != nil {
		panic(fmt.Sprintf("fakepanel: encode event: %v", err))
	}
	p.events = append(p.events, b)
	return e
}

func (p *Panel) userByCardLocked(card string) (model.User, bool) {
	for _, b := range p.tables[records.TableUser] {
		r, err := records.DecodeUser(b)
		if err == nil && r.User.Card == card {
			return r.User, true
		}
	}
	return model.User{}, false
}

func (p *Panel) groupsLocked() map[uint16]model.AccessGroup {
	out := make(map[uint16]model.AccessGroup)
	for id, b := range p.tables[records.TableGroup] {
		if r, err := records.DecodeGroup(b, p.caps); err == nil {
			out[uint16(id)] = r.Group
		}
	}
	return out
}

func (p *Panel) grantsLocked(u model.User, door int, at time.Time) bool {
	if !u.ActiveAt(at) {
		return false
	}
	groups := p.groupsLocked()
	for _, gid := range u.Groups {
		g, ok := groups[gid]
		if !ok || !g.GrantsDoor(door) {
			continue
		}
		if p.scheduleAllowsLocked(g.Schedule, at) {
			return true
		}
	}
	return false
}

func (p *Panel) scheduleAllowsLocked(id uint16, at time.Time) bool {
	if id == model.AlwaysSchedule {
		return true
	}
	b, ok := p.tables[records.TableSchedule][uint32(id)]
	if !ok {
		return false
	}
	r, err := records.DecodeSchedule(b)
	if err != nil {
		return false
	}
	y, m, d := at.Date()
	for _, h := range r.Schedule.Holidays {
		hy, hm, hd := h.Date()
		if y == hy && m == hm && d == hd {
			return false
		}
	}
	minute := at.Hour()*60 + at.Minute()
	for _, iv := range r.Schedule.Intervals {
		if iv.Day == at.Weekday() && minute >= iv.Start && minute < iv.End {
			return true
		}
	}
	return false
}

func (p *Panel) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.conns[conn] = struct{}{}
		p.connects++
		p.mu.Unlock()
		p.wg.Add(1)
		go p.serve(conn)
	}
}

func (p *Panel) serve(conn net.Conn) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		_ = conn.Close()
	}()
	reader := frame.NewReader(conn, frame.DefaultLimits())
	authed := p.opts.Password == ""
	for {
		req, err := reader.ReadFrame()
		if err != nil {
			if frame.IsCodecError(err) {
				continue
			}
			return
		}
		p.mu.Lock()
		p.requests = append(p.requests, req)
		hook := p.hook
		p.mu.Unlock()

		if hook != nil {
			if out, handled := hook(req); handled {
				if len(out) > 0 {
					if _, err := conn.Write(out); err != nil {
						return
					}
				}
				continue
			}
		}

		var reply []byte
		switch {
		case req.Header.Command == frame.CmdConnect:
			payload := make([]byte, 4)
			binary.LittleEndian.PutUint16(payload, p.opts.Token)
			reply = p.Reply(req, frame.CmdAck, payload)
		case req.Header.Command == frame.CmdAuth:
			if string(req.Payload) == p.opts.Password {
				authed = true
				reply = p.Reply(req, frame.CmdAck, nil)
			} else {
				reply = p.Nak(req, CodeBadPassword)
			}
		case !authed:
			reply = p.Nak(req, CodeNotAuthorized)
		case req.Header.Command == frame.CmdDisconnect:
			_, _ = conn.Write(p.Reply(req, frame.CmdAck, nil))
			return
		default:
			reply = p.handle(req)
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

// Reply encodes a response frame to req.
func (p *Panel) Reply(req frame.Frame, cmd frame.Command, payload []byte) []byte {
	b, err := frame.Encode(frame.Frame{
		Header:  frame.Header{Command: cmd, SessionID: p.opts.Token, Sequence: req.Header.Sequence},
		Payload: payload,
	}, frame.DefaultLimits())
	if err != nil {
		panic(fmt.Sprintf("fakepanel: encode reply: %v", err))
	}
	return b
}

func (p *Panel) Nak(req frame.Frame, code int32) []byte {
	return p.Reply(req, frame.CmdNak, records.NAKPayload(code))
}

func (p *Panel) handle(req frame.Frame) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch req.Header.Command {
	case frame.CmdGetParam:
		return p.Reply(req, frame.CmdAck, p.paramsLocked(req.Payload))
	case frame.CmdSetParam:
		values, err := records.ParseParams(req.Payload)
		if err != nil {
			return p.Nak(req, CodeBadRecord)
		}
		for k, v := range values {
			var door, secs int
			if _, err := fmt.Sscanf(k, "Door%dDrivertime", &door); err == nil {
				secs, _ = strconv.Atoi(v)
				if d, ok := p.doors[door]; ok {
					d.UnlockDuration = secs
					p.doors[door] = d
				}
			}
		}
		return p.Reply(req, frame.CmdAck, nil)
	case frame.CmdControl:
		door, output, duration, err := records.ParseControl(req.Payload)
		if err != nil || !p.caps.ValidDoor(door) {
			return p.Nak(req, CodeBadDoor)
		}
		if output == records.OutputDoor {
			d := p.doors[door]
			d.Relay = model.RelayUnlocked
			if duration == records.DurationLock {
				d.Relay = model.RelayLocked
			}
			p.doors[door] = d
		} else {
			p.aux[door] = duration
		}
		return p.Reply(req, frame.CmdAck, nil)
	case frame.CmdSetData:
		t, recs, err := records.ParseSetData(req.Payload)
		if err != nil || t == records.TableDoor {
			return p.Nak(req, CodeBadRecord)
		}
		for _, b := range recs {
			id, err := p.recordIDLocked(t, b)
			if err != nil {
				return p.Nak(req, CodeBadRecord)
			}
			p.tables[t][id] = append([]byte(nil), b...)
		}
		return p.Reply(req, frame.CmdAck, nil)
	case frame.CmdGetData:
		t, offset, max, err := records.ParseGetDataRequest(req.Payload)
		if err != nil {
			return p.Nak(req, CodeBadRecord)
		}
		all := p.tableLocked(t)
		start := int(offset)
		if start > len(all) {
			start = len(all)
		}
		end := start + int(max)
		if end > len(all) {
			end = len(all)
		}
		payload, err := records.DataResponse(t, all[start:end])
		if err != nil {
			return p.Nak(req, CodeBadRecord)
		}
		return p.Reply(req, frame.CmdAck, payload)
	case frame.CmdDeleteData:
		t, ids, err := records.ParseDeleteData(req.Payload)
		if err != nil || t == records.TableDoor {
			return p.Nak(req, CodeBadRecord)
		}
		for _, id := range ids {
			delete(p.tables[t], id)
		}
		return p.Reply(req, frame.CmdAck, nil)
	case frame.CmdGetEventLog:
		after, max, err := records.ParseEventLogRequest(req.Payload)
		if err != nil {
			return p.Nak(req, CodeBadRecord)
		}
		var out [][]byte
		for _, b := range p.events {
			if len(out) >= int(max) {
				break
			}
			if seq, ok := records.EventSeq(b); ok && seq > after {
				out = append(out, b)
			}
		}
		payload, err := records.EventLogResponse(out)
		if err != nil {
			return p.Nak(req, CodeBadRecord)
		}
		return p.Reply(req, frame.CmdAck, payload)
	default:
		return p.Nak(req, CodeUnknownCmd)
	}
}

func (p *Panel) paramsLocked(payload []byte) []byte {
	keys := strings.Split(strings.TrimSuffix(strings.TrimRight(string(payload), "\x00"), "~"), ",")
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch k {
		case records.ParamSerialNumber:
			v = p.opts.Serial
		case records.ParamLockCount:
			v = strconv.Itoa(p.opts.Doors)
		case records.ParamReaderCount:
			v = strconv.Itoa(p.opts.Doors)
		case records.ParamFirmware:
			v = p.opts.Firmware
		default:
			continue
		}
		values = append(values, k+"="+v)
	}
	return []byte(strings.Join(values, ",") + "~")
}

func (p *Panel) recordIDLocked(t records.Table, b []byte) (uint32, error) {
	switch t {
	case records.TableUser:
		r, err := records.DecodeUser(b)
		return r.User.ID, err
	case records.TableGroup:
		r, err := records.DecodeGroup(b, p.caps)
		return uint32(r.Group.ID), err
	case records.TableSchedule:
		r, err := records.DecodeSchedule(b)
		return uint32(r.Schedule.ID), err
	default:
		return 0, records.ErrUnknownTable
	}
}

func (p *Panel) tableLocked(t records.Table) [][]byte {
	if t == records.TableDoor {
		out := make([][]byte, 0, len(p.doors))
		for i := 1; i <= p.opts.Doors; i++ {
			b, err := records.EncodeDoor(p.doors[i])
			if err == nil {
				out = append(out, b)
			}
		}
		return out
	}
	ids := make([]uint32, 0, len(p.tables[t]))
	for id := range p.tables[t] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.tables[t][id])
	}
	return out
}
