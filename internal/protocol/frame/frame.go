package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	StartMarker byte = 0xAA
	EndMarker   byte = 0x55
	Version     byte = 0x01

	// HeaderLen covers start, version, command, length, session and sequence.
	HeaderLen = 9
	// TrailerLen covers checksum and end marker.
	TrailerLen = 3
	Overhead   = HeaderLen + TrailerLen

	// lengthBias is the session+sequence share of the declared length field.
	lengthBias = 4
)

// CodecError marks a malformed frame. The frame is dropped; the session may survive.
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string {
	return "frame: " + e.Reason
}

var (
	ErrShortFrame        error = &CodecError{Reason: "short frame"}
	ErrBadStartMarker    error = &CodecError{Reason: "bad start marker"}
	ErrBadEndMarker      error = &CodecError{Reason: "bad end marker"}
	ErrBadVersion        error = &CodecError{Reason: "unsupported version"}
	ErrBadLength         error = &CodecError{Reason: "declared length below minimum"}
	ErrChecksum          error = &CodecError{Reason: "checksum mismatch"}
	ErrTrailingBytes     error = &CodecError{Reason: "trailing bytes after frame"}
	ErrImplausibleLength error = &CodecError{Reason: "implausible declared length"}

	ErrPayloadTooLarge = errors.New("frame: payload too large")

	errNeedMore = errors.New("frame: need more data")
)

// IsCodecError reports whether err came from frame validation.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}

// Header is the fixed wire header.
type Header struct {
	Command    Command
	SessionID  uint16
	Sequence   uint16
	PayloadLen uint16
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 4096}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPayloadBytes <= 0 || l.MaxPayloadBytes > 0xFFFF-lengthBias {
		l.MaxPayloadBytes = DefaultLimits().MaxPayloadBytes
	}
	return l
}

// Encode renders f as wire bytes. PayloadLen is derived from the payload.
func Encode(f Frame, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	if len(f.Payload) > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), limits.MaxPayloadBytes)
	}
	buf := make([]byte, HeaderLen+len(f.Payload)+TrailerLen)
	buf[0] = StartMarker
	buf[1] = Version
	buf[2] = byte(f.Header.Command)
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(f.Payload)+lengthBias))
	binary.LittleEndian.PutUint16(buf[5:7], f.Header.SessionID)
	binary.LittleEndian.PutUint16(buf[7:9], f.Header.Sequence)
	copy(buf[HeaderLen:], f.Payload)
	end := HeaderLen + len(f.Payload)
	binary.LittleEndian.PutUint16(buf[end:end+2], Checksum(buf[1:end]))
	buf[end+2] = EndMarker
	return buf, nil
}

// Decode parses exactly one frame from b. Missing or trailing bytes are codec errors.
func Decode(b []byte, limits Limits) (Frame, error) {
	f, n, err := parse(b, limits.withDefaults())
	if errors.Is(err, errNeedMore) {
		return Frame{}, ErrShortFrame
	}
	if err != nil {
		return Frame{}, err
	}
	if n != len(b) {
		return Frame{}, fmt.Errorf("%w: %d extra", ErrTrailingBytes, len(b)-n)
	}
	return f, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// parse returns the frame at the head of b and how many bytes to consume.
// On a codec error the consumed count says how far to skip before retrying.
func parse(b []byte, limits Limits) (Frame, int, error) {
	if len(b) == 0 {
		return Frame{}, 0, errNeedMore
	}
	if b[0] != StartMarker {
		next := bytes.IndexByte(b[1:], StartMarker)
		if next < 0 {
			return Frame{}, len(b), ErrBadStartMarker
		}
		return Frame{}, next + 1, ErrBadStartMarker
	}
	if len(b) >= 2 && b[1] != Version {
		return Frame{}, 1, ErrBadVersion
	}
	if len(b) < HeaderLen {
		return Frame{}, 0, errNeedMore
	}

	declared := int(binary.LittleEndian.Uint16(b[3:5]))
	if declared < lengthBias {
		return Frame{}, 1, ErrBadLength
	}
	payloadLen := declared - lengthBias
	if payloadLen > limits.MaxPayloadBytes {
		return Frame{}, len(b), fmt.Errorf("%w: %d", ErrImplausibleLength, payloadLen)
	}
	total := HeaderLen + payloadLen + TrailerLen
	if len(b) < total {
		return Frame{}, 0, errNeedMore
	}
	if b[total-1] != EndMarker {
		return Frame{}, 1, ErrBadEndMarker
	}
	end := HeaderLen + payloadLen
	want := binary.LittleEndian.Uint16(b[end : end+2])
	if got := Checksum(b[1:end]); got != want {
		return Frame{}, total, fmt.Errorf("%w: got=%04x want=%04x", ErrChecksum, got, want)
	}

	payload := make([]byte, payloadLen)
	copy(payload, b[HeaderLen:end])
	return Frame{
		Header: Header{
			Command:    Command(b[2]),
			SessionID:  binary.LittleEndian.Uint16(b[5:7]),
			Sequence:   binary.LittleEndian.Uint16(b[7:9]),
			PayloadLen: uint16(payloadLen),
		},
		Payload: payload,
	}, total, nil
}

// Checksum is CRC-16 (reflected polynomial 0xA001, zero init) as used by C3 firmware.
func Checksum(b []byte) uint16 {
	var crc uint16
	for _, c := range b {
		crc ^= uint16(c)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
