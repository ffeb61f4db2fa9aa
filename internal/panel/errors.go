package panel

import (
	"errors"
	"fmt"

	"github.com/danmuck/c3sync/internal/protocol/frame"
)

var (
	ErrConnection       = errors.New("panel: connection failed")
	ErrAuthRejected     = errors.New("panel: authentication rejected")
	ErrProtocolMismatch = errors.New("panel: protocol mismatch")
	ErrSessionClosed    = errors.New("panel: session closed")
	ErrStale            = errors.New("panel: session stale")
	ErrDegraded         = errors.New("panel: degraded")
	ErrClosed           = errors.New("panel: manager closed")
)

// ExecErrorKind classifies a failed exchange for the caller's retry decision.
type ExecErrorKind uint8

const (
	KindTimeout ExecErrorKind = iota + 1
	KindRejected
	KindIO
	KindCodec
	KindCancelled
)

func (k ExecErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindIO:
		return "io"
	case KindCodec:
		return "codec"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ExecError is returned by every failed exchange. Code is the panel's NAK code when Kind is KindRejected.
type ExecError struct {
	Kind    ExecErrorKind
	Command frame.Command
	Code    int32
	Err     error
}

func (e *ExecError) Error() string {
	if e.Kind == KindRejected {
		return fmt.Sprintf("panel: %s rejected code=%d", e.Command, e.Code)
	}
	if e.Err == nil {
		return fmt.Sprintf("panel: %s %s", e.Command, e.Kind)
	}
	return fmt.Sprintf("panel: %s %s: %v", e.Command, e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Retryable reports whether resending on a fresh session may succeed.
func (e *ExecError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindIO, KindCodec:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is an ExecError worth retrying.
func IsRetryable(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Retryable()
}

// IsRejected reports whether the panel answered err with a NAK, and with which code.
func IsRejected(err error) (int32, bool) {
	var ee *ExecError
	if errors.As(err, &ee) && ee.Kind == KindRejected {
		return ee.Code, true
	}
	return 0, false
}
