package frame

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
	"testing/iotest"

	"github.com/danmuck/c3sync/internal/testutil/testlog"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(11))
	commands := []Command{CmdConnect, CmdGetParam, CmdControl, CmdSetData, CmdGetEventLog, CmdAck, CmdNak}
	for i := 0; i < 200; i++ {
		payload := make([]byte, rng.Intn(300))
		rng.Read(payload)
		in := Frame{
			Header: Header{
				Command:   commands[i%len(commands)],
				SessionID: uint16(rng.Intn(0x10000)),
				Sequence:  uint16(rng.Intn(0x10000)),
			},
			Payload: payload,
		}
		b, err := Encode(in, DefaultLimits())
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out, err := Decode(b, DefaultLimits())
		if err != nil {
			t.Fatalf("decode iteration=%d: %v", i, err)
		}
		if out.Header.Command != in.Header.Command || out.Header.SessionID != in.Header.SessionID || out.Header.Sequence != in.Header.Sequence {
			t.Fatalf("header mismatch: got=%+v want=%+v", out.Header, in.Header)
		}
		if int(out.Header.PayloadLen) != len(payload) || !bytes.Equal(out.Payload, payload) {
			t.Fatalf("payload mismatch at iteration=%d", i)
		}
	}
}

func TestDecodeRejectsEverySingleByteMutation(t *testing.T) {
	testlog.Start(t)
	b, err := Encode(Frame{
		Header:  Header{Command: CmdControl, SessionID: 0x1234, Sequence: 7},
		Payload: []byte{1, 1, 5, 0},
	}, DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for pos := range b {
		for _, delta := range []byte{0x01, 0x80, 0xFF} {
			mutated := append([]byte(nil), b...)
			mutated[pos] ^= delta
			if _, err := Decode(mutated, DefaultLimits()); err == nil {
				t.Fatalf("mutation pos=%d delta=%02x accepted", pos, delta)
			} else if !IsCodecError(err) {
				t.Fatalf("mutation pos=%d: expected codec error, got %v", pos, err)
			}
		}
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	testlog.Start(t)
	b, _ := Encode(Frame{Header: Header{Command: CmdGetParam}, Payload: []byte("LockCount~")}, DefaultLimits())
	b[HeaderLen+2] ^= 0x10
	_, err := Decode(b, DefaultLimits())
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	_, err := Encode(Frame{Payload: make([]byte, 5000)}, DefaultLimits())
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReaderBuffersPartialReads(t *testing.T) {
	testlog.Start(t)
	var stream bytes.Buffer
	for seq := uint16(1); seq <= 3; seq++ {
		if err := WriteFrame(&stream, Frame{
			Header:  Header{Command: CmdAck, SessionID: 9, Sequence: seq},
			Payload: bytes.Repeat([]byte{byte(seq)}, int(seq)*10),
		}, DefaultLimits()); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	r := NewReader(iotest.OneByteReader(&stream), DefaultLimits())
	for seq := uint16(1); seq <= 3; seq++ {
		f, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("read frame seq=%d: %v", seq, err)
		}
		if f.Header.Sequence != seq || len(f.Payload) != int(seq)*10 {
			t.Fatalf("unexpected frame: %+v", f.Header)
		}
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF at end of stream, got %v", err)
	}
}

func TestReaderDropsCorruptFrameAndResyncs(t *testing.T) {
	testlog.Start(t)
	bad, _ := Encode(Frame{Header: Header{Command: CmdAck, Sequence: 1}, Payload: []byte("bad")}, DefaultLimits())
	bad[HeaderLen] ^= 0xFF
	good, _ := Encode(Frame{Header: Header{Command: CmdAck, Sequence: 2}, Payload: []byte("good")}, DefaultLimits())

	stream := append([]byte{0x00, 0x13}, bad...)
	stream = append(stream, good...)
	r := NewReader(bytes.NewReader(stream), DefaultLimits())

	if _, err := r.ReadFrame(); !errors.Is(err, ErrBadStartMarker) {
		t.Fatalf("expected garbage to surface ErrBadStartMarker, got %v", err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read good frame: %v", err)
	}
	if f.Header.Sequence != 2 || string(f.Payload) != "good" {
		t.Fatalf("unexpected frame after resync: %+v %q", f.Header, f.Payload)
	}
}

func TestReaderRejectsImplausibleLength(t *testing.T) {
	testlog.Start(t)
	hdr := []byte{StartMarker, Version, byte(CmdAck), 0xFF, 0xFF, 0, 0, 0, 0}
	r := NewReader(bytes.NewReader(hdr), DefaultLimits())
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrImplausibleLength) {
		t.Fatalf("expected ErrImplausibleLength, got %v", err)
	}
	if r.Buffered() != 0 {
		t.Fatalf("buffer should be cleared, have %d bytes", r.Buffered())
	}
}

func TestCommandIdempotent(t *testing.T) {
	testlog.Start(t)
	for _, c := range []Command{CmdGetParam, CmdGetData, CmdGetEventLog} {
		if !c.Idempotent() {
			t.Fatalf("%s should be idempotent", c)
		}
	}
	for _, c := range []Command{CmdControl, CmdSetData, CmdDeleteData, CmdConnect} {
		if c.Idempotent() {
			t.Fatalf("%s should not be idempotent", c)
		}
	}
	if got := Command(0x42).String(); got != "cmd(0x42)" {
		t.Fatalf("unexpected unknown command name %q", got)
	}
}
