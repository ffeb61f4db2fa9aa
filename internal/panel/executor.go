package panel

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/c3sync/internal/logging"
	"github.com/danmuck/c3sync/internal/observability"
	"github.com/danmuck/c3sync/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Executor runs request/response exchanges against one panel.
type Executor struct {
	m   *Manager
	cfg session.Config
	log zerolog.Logger
}

func NewExecutor(m *Manager) *Executor {
	return &Executor{
		m:   m,
		cfg: m.Config(),
		log: logging.Component("panel.executor", m.PanelID()),
	}
}

func (e *Executor) Manager() *Manager {
	return e.m
}

// Exchange performs exactly one attempt on s.
func (e *Executor) Exchange(ctx context.Context, s *Session, req Request) (Response, error) {
	start := time.Now()
	resp, err := s.exchange(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var ee *ExecError
		if errors.As(err, &ee) {
			outcome = ee.Kind.String()
		}
		e.log.Debug().Stringer("cmd", req.Command).Str("outcome", outcome).Err(err).Msg("exchange failed")
	}
	observability.RecordPanelCommand(e.m.PanelID(), req.Command.String(), outcome, time.Since(start))
	return resp, err
}

// Execute acquires a session and runs req. Idempotent reads are retried on
// retryable failures up to ReadAttempts, each attempt on a freshly acquired session.
// Anything else runs once.
func (e *Executor) Execute(ctx context.Context, req Request) (Response, error) {
	attempts := 1
	if req.Command.Idempotent() {
		attempts = e.cfg.ReadAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := e.executeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == attempts || !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		e.log.Debug().Stringer("cmd", req.Command).Int("attempt", attempt).Err(err).Msg("retrying read")
		if err := sleepCtx(ctx, session.NextBackoffDelay(e.cfg.Backoff, attempt, nil)); err != nil {
			break
		}
	}
	return Response{}, lastErr
}

func (e *Executor) executeOnce(ctx context.Context, req Request) (Response, error) {
	s, err := e.m.Connect(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrClosed):
			return Response{}, &ExecError{Kind: KindCancelled, Command: req.Command, Err: err}
		case errors.Is(err, ErrDegraded) || errors.Is(err, ErrProtocolMismatch):
			return Response{}, err
		default:
			return Response{}, &ExecError{Kind: KindIO, Command: req.Command, Err: err}
		}
	}
	return e.Exchange(ctx, s, req)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
