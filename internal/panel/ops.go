package panel

import (
	"context"
	"fmt"

	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/protocol/frame"
	"github.com/danmuck/c3sync/internal/protocol/records"
)

// Capabilities returns the capability set of the live session, connecting if needed.
func (e *Executor) Capabilities(ctx context.Context) (model.Capabilities, error) {
	s, err := e.m.Connect(ctx)
	if err != nil {
		return model.Capabilities{}, err
	}
	return s.Capabilities(), nil
}

func (e *Executor) GetParams(ctx context.Context, keys []string) (map[string]string, error) {
	resp, err := e.Execute(ctx, Request{Command: frame.CmdGetParam, Payload: records.ParamRequest(keys)})
	if err != nil {
		return nil, err
	}
	return records.ParseParams(resp.Payload)
}

func (e *Executor) SetParams(ctx context.Context, set records.ParamSet) error {
	caps, err := e.Capabilities(ctx)
	if err != nil {
		return err
	}
	payload, err := set.Encode(caps)
	if err != nil {
		return err
	}
	_, err = e.Execute(ctx, Request{Command: frame.CmdSetParam, Payload: payload})
	return err
}

// Control drives a door or aux output. duration 0 locks, 255 holds open.
func (e *Executor) Control(ctx context.Context, door int, output, duration uint8) error {
	caps, err := e.Capabilities(ctx)
	if err != nil {
		return err
	}
	if !caps.ValidDoor(door) {
		return fmt.Errorf("%w: door %d of %d", model.ErrInvalidDoorID, door, caps.DoorCount)
	}
	payload, err := records.ControlPayload(door, output, duration)
	if err != nil {
		return err
	}
	_, err = e.Execute(ctx, Request{Command: frame.CmdControl, Payload: payload})
	return err
}

// ReadTable pages through every record of t.
func (e *Executor) ReadTable(ctx context.Context, t records.Table) ([][]byte, error) {
	page, err := records.MaxRecordsPerFrame(t, e.cfg.Limits)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for offset := 0; offset <= 0xFFFF; {
		resp, err := e.Execute(ctx, Request{
			Command: frame.CmdGetData,
			Payload: records.GetDataRequest(t, uint16(offset), uint8(page)),
		})
		if err != nil {
			return nil, err
		}
		recs, err := records.ParseDataResponse(t, resp.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
		if len(recs) < page {
			return out, nil
		}
		offset += len(recs)
	}
	return nil, fmt.Errorf("panel: %s table exceeds addressable offset", t)
}

// WriteRecords sends one set-data frame; the caller chunks to MaxRecordsPerFrame.
func (e *Executor) WriteRecords(ctx context.Context, t records.Table, recs [][]byte) error {
	payload, err := records.SetDataPayload(t, recs)
	if err != nil {
		return err
	}
	_, err = e.Execute(ctx, Request{Command: frame.CmdSetData, Payload: payload})
	return err
}

// DeleteRecords sends one delete-data frame; the caller chunks to MaxIDsPerFrame.
func (e *Executor) DeleteRecords(ctx context.Context, t records.Table, ids []uint32) error {
	payload, err := records.DeleteDataPayload(t, ids)
	if err != nil {
		return err
	}
	_, err = e.Execute(ctx, Request{Command: frame.CmdDeleteData, Payload: payload})
	return err
}

// EventLog fetches at most max raw event records with sequence greater than after.
func (e *Executor) EventLog(ctx context.Context, after uint32, max uint8) ([][]byte, error) {
	resp, err := e.Execute(ctx, Request{Command: frame.CmdGetEventLog, Payload: records.EventLogRequest(after, max)})
	if err != nil {
		return nil, err
	}
	return records.ParseEventLog(resp.Payload)
}

// Doors reads the door parameter table. Records failing validation are reported as an error.
func (e *Executor) Doors(ctx context.Context) ([]model.Door, error) {
	caps, err := e.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := e.ReadTable(ctx, records.TableDoor)
	if err != nil {
		return nil, err
	}
	doors := make([]model.Door, 0, len(raw))
	for _, b := range raw {
		d, err := records.DecodeDoor(b, caps, e.m.PanelID())
		if err != nil {
			return nil, err
		}
		doors = append(doors, d)
	}
	return doors, nil
}
