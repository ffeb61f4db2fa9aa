package coordinator

import "errors"

var (
	ErrClosed         = errors.New("coordinator: closed")
	ErrUnknownPanel   = errors.New("coordinator: unknown panel")
	ErrPanelExists    = errors.New("coordinator: panel already added")
	ErrPanelDegraded  = errors.New("coordinator: panel degraded")
	ErrCancelled      = errors.New("coordinator: cancelled")
	ErrInvalidCommand = errors.New("coordinator: invalid command")
	ErrNotFound       = errors.New("coordinator: record not found")
	ErrInUse          = errors.New("coordinator: record still referenced")
)
