package panel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/observability"
	"github.com/danmuck/c3sync/internal/protocol/frame"
	"github.com/danmuck/c3sync/internal/protocol/records"
	"github.com/danmuck/c3sync/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Request is one command frame to send; the session fills in token and sequence.
type Request struct {
	Command frame.Command
	Payload []byte
}

// Response is the ACK payload matched to a request.
type Response struct {
	Sequence uint16
	Payload  []byte
}

type closeReason string

const (
	reasonTimeout   closeReason = "timeout"
	reasonIO        closeReason = "io"
	reasonCodec     closeReason = "codec"
	reasonStale     closeReason = "stale"
	reasonHandshake closeReason = "handshake"
	reasonClosed    closeReason = "closed"
)

// Session is one authenticated connection to a panel. Exchanges on a session are
// serialized; a session never recovers once invalidated.
type Session struct {
	panelID string
	conn    net.Conn
	reader  *frame.Reader
	cfg     session.Config
	log     zerolog.Logger
	token   uint16
	caps    model.Capabilities
	seq     session.Sequence
	onClose func(*Session, closeReason, error)

	mu          sync.Mutex
	codecErrors int

	lastActivity atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
}

func newSession(panelID string, conn net.Conn, cfg session.Config, log zerolog.Logger, onClose func(*Session, closeReason, error)) *Session {
	s := &Session{
		panelID: panelID,
		conn:    conn,
		reader:  frame.NewReader(conn, cfg.Limits),
		cfg:     cfg,
		log:     log,
		onClose: onClose,
	}
	s.touch()
	return s
}

func (s *Session) Token() uint16 {
	return s.token
}

func (s *Session) Capabilities() model.Capabilities {
	return s.caps
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) Valid() bool {
	return !s.closed.Load()
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) invalidate(reason closeReason, cause error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.conn.Close()
		observability.RecordSessionReset(s.panelID, string(reason))
		s.log.Debug().Str("reason", string(reason)).AnErr("cause", cause).Msg("session closed")
		if s.onClose != nil {
			s.onClose(s, reason, cause)
		}
	})
}

func (s *Session) exchange(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return Response{}, &ExecError{Kind: KindIO, Command: req.Command, Err: ErrSessionClosed}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, &ExecError{Kind: KindCancelled, Command: req.Command, Err: err}
	}
	seq := s.seq.Next()
	wire, err := frame.Encode(frame.Frame{
		Header:  frame.Header{Command: req.Command, SessionID: s.token, Sequence: seq},
		Payload: req.Payload,
	}, s.cfg.Limits)
	if err != nil {
		return Response{}, fmt.Errorf("panel: encode %s: %w", req.Command, err)
	}

	// Pending I/O unblocks as soon as ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := s.setDeadline(ctx, s.cfg.WriteTimeout, s.conn.SetWriteDeadline); err != nil {
		return Response{}, s.ioFault(ctx, req.Command, err, true)
	}
	if _, err := s.conn.Write(wire); err != nil {
		return Response{}, s.ioFault(ctx, req.Command, err, true)
	}

	for {
		if err := s.setDeadline(ctx, s.cfg.ReadTimeout, s.conn.SetReadDeadline); err != nil {
			return Response{}, s.ioFault(ctx, req.Command, err, false)
		}
		fr, err := s.reader.ReadFrame()
		if err != nil {
			if frame.IsCodecError(err) {
				cerr := s.codecFault(req.Command, err)
				// Resync garbage is stepped over; a whole frame failing its checksum was likely the reply.
				if s.Valid() && !errors.Is(err, frame.ErrChecksum) {
					continue
				}
				return Response{}, cerr
			}
			return Response{}, s.ioFault(ctx, req.Command, err, false)
		}
		if fr.Header.Sequence != seq || (s.token != 0 && fr.Header.SessionID != s.token) {
			s.log.Debug().
				Uint16("want_seq", seq).
				Uint16("got_seq", fr.Header.Sequence).
				Stringer("cmd", fr.Header.Command).
				Msg("discarding unmatched frame")
			continue
		}
		s.codecErrors = 0
		s.touch()
		switch fr.Header.Command {
		case frame.CmdAck:
			return Response{Sequence: seq, Payload: fr.Payload}, nil
		case frame.CmdNak:
			return Response{}, &ExecError{Kind: KindRejected, Command: req.Command, Code: records.NAKCode(fr.Payload)}
		default:
			return Response{}, s.codecFault(req.Command, fmt.Errorf("%w: unexpected reply %s", ErrProtocolMismatch, fr.Header.Command))
		}
	}
}

// setDeadline arms a deadline no later than ctx's, then rechecks ctx so a
// cancellation that raced the arm is not lost.
func (s *Session) setDeadline(ctx context.Context, timeout time.Duration, set func(time.Time) error) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := set(deadline); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Session) codecFault(cmd frame.Command, err error) error {
	s.codecErrors++
	observability.RecordCodecError(s.panelID)
	s.log.Warn().Stringer("cmd", cmd).Int("consecutive", s.codecErrors).Err(err).Msg("frame dropped")
	if errors.Is(err, frame.ErrImplausibleLength) || s.codecErrors >= s.cfg.MaxCodecErrors {
		s.invalidate(reasonCodec, err)
	}
	return &ExecError{Kind: KindCodec, Command: cmd, Err: err}
}

// ioFault classifies a transport failure. Cancellation during a read keeps the
// session: a late reply is discarded by sequence on the next exchange.
func (s *Session) ioFault(ctx context.Context, cmd frame.Command, err error, writing bool) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		if writing {
			s.invalidate(reasonIO, ctxErr)
		} else {
			_ = s.conn.SetDeadline(time.Time{})
		}
		return &ExecError{Kind: KindCancelled, Command: cmd, Err: ctxErr}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		s.invalidate(reasonTimeout, err)
		return &ExecError{Kind: KindTimeout, Command: cmd, Err: err}
	}
	s.invalidate(reasonIO, err)
	return &ExecError{Kind: KindIO, Command: cmd, Err: err}
}
