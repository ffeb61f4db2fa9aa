package frame

import "fmt"

// Command is the one-byte opcode carried in every frame.
type Command uint8

const (
	CmdAuth        Command = 0x01
	CmdDisconnect  Command = 0x02
	CmdSetParam    Command = 0x03
	CmdGetParam    Command = 0x04
	CmdControl     Command = 0x05
	CmdSetData     Command = 0x07
	CmdGetData     Command = 0x08
	CmdDeleteData  Command = 0x09
	CmdGetEventLog Command = 0x0B
	CmdConnect     Command = 0x76

	CmdAck Command = 0xC8
	CmdNak Command = 0xC9
)

var commandNames = map[Command]string{
	CmdAuth:        "auth",
	CmdDisconnect:  "disconnect",
	CmdSetParam:    "set_param",
	CmdGetParam:    "get_param",
	CmdControl:     "control",
	CmdSetData:     "set_data",
	CmdGetData:     "get_data",
	CmdDeleteData:  "delete_data",
	CmdGetEventLog: "get_event_log",
	CmdConnect:     "connect",
	CmdAck:         "ack",
	CmdNak:         "nak",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cmd(0x%02X)", uint8(c))
}

// IsResponse reports whether c is a panel reply opcode.
func (c Command) IsResponse() bool {
	return c == CmdAck || c == CmdNak
}

// Idempotent reports whether repeating c has no side effects on the panel.
func (c Command) Idempotent() bool {
	switch c {
	case CmdGetParam, CmdGetData, CmdGetEventLog:
		return true
	default:
		return false
	}
}
