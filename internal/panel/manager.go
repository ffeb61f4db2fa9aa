package panel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/c3sync/internal/logging"
	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/observability"
	"github.com/danmuck/c3sync/internal/protocol/frame"
	"github.com/danmuck/c3sync/internal/protocol/records"
	"github.com/danmuck/c3sync/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Observer receives every connection state transition. It runs on the goroutine
// that caused the transition and must not block.
type Observer func(panelID string, state model.ConnState, err error)

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type ManagerConfig struct {
	Panel    model.PanelConfig
	Session  session.Config
	Dial     DialFunc
	Observer Observer
}

// Manager owns the single live session of one panel.
type Manager struct {
	cfg ManagerConfig
	log zerolog.Logger

	dialMu sync.Mutex

	mu          sync.Mutex
	current     *Session
	state       model.ConnState
	codecResets int
	degraded    error
	closed      bool
	backoff     *session.Backoff
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Panel.Validate(); err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Dial == nil {
		d := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
		cfg.Dial = d.DialContext
	}
	return &Manager{
		cfg:     cfg,
		log:     logging.Component("panel.manager", cfg.Panel.ID),
		state:   model.StateOffline,
		backoff: session.NewBackoff(cfg.Session.Backoff, time.Now().UnixNano()),
	}, nil
}

func (m *Manager) PanelID() string {
	return m.cfg.Panel.ID
}

func (m *Manager) Config() session.Config {
	return m.cfg.Session
}

func (m *Manager) State() model.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Degraded returns the sticky fault that suspended this panel, or nil.
func (m *Manager) Degraded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Session returns the live session, or nil when none is usable.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Valid() {
		return m.current
	}
	return nil
}

// Connect returns the live session, performing one dial and handshake when there is none.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	if s := m.Session(); s != nil {
		return s, nil
	}
	if err := m.usable(); err != nil {
		return nil, err
	}
	m.setState(model.StateConnecting, nil)
	s, err := m.handshake(ctx)
	if err != nil {
		m.log.Warn().Str("addr", m.cfg.Panel.Address()).Err(err).Msg("connect failed")
		switch {
		case errors.Is(err, ErrProtocolMismatch):
			m.degrade(err)
		case isCodec(err) && m.noteReset(reasonCodec):
			m.degrade(fmt.Errorf("%w: handshake codec faults", ErrDegraded))
		default:
			m.setState(model.StateOffline, err)
		}
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.invalidate(reasonClosed, ErrClosed)
		return nil, ErrClosed
	}
	m.current = s
	m.backoff.Reset()
	m.mu.Unlock()

	m.log.Info().
		Uint16("token", s.token).
		Int("doors", s.caps.DoorCount).
		Str("serial", s.caps.SerialNumber).
		Str("firmware", s.caps.Firmware).
		Msg("panel online")
	m.setState(model.StateOnline, nil)
	return s, nil
}

// ConnectWithRetry keeps dialing with backoff until a session is up, ctx ends,
// or the panel is closed or degraded.
func (m *Manager) ConnectWithRetry(ctx context.Context) (*Session, error) {
	for {
		s, err := m.Connect(ctx)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrDegraded) || errors.Is(err, ErrProtocolMismatch) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		delay := m.NextRetryDelay()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// NextRetryDelay advances the reconnect backoff and returns the wait before the next dial.
func (m *Manager) NextRetryDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Next()
}

// Heartbeat probes the live session with a cheap parameter read. A session idle
// past SessionDeadAfter or failing the read is invalidated and ErrStale returned.
func (m *Manager) Heartbeat(ctx context.Context) error {
	s := m.Session()
	if s == nil {
		return ErrStale
	}
	if idle := time.Since(s.LastActivity()); idle > m.cfg.Session.SessionDeadAfter {
		s.invalidate(reasonStale, fmt.Errorf("idle %v", idle))
		return ErrStale
	}
	if _, err := s.exchange(ctx, Request{Command: frame.CmdGetParam, Payload: records.ParamRequest([]string{records.ParamSerialNumber})}); err != nil {
		if !isCodec(err) {
			s.invalidate(reasonStale, err)
		}
		return fmt.Errorf("%w: %w", ErrStale, err)
	}
	return nil
}

// Disconnect sends a best-effort disconnect and drops the session. The manager may reconnect later.
func (m *Manager) Disconnect() {
	s := m.Session()
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, _ = s.exchange(ctx, Request{Command: frame.CmdDisconnect})
	s.invalidate(reasonClosed, nil)
}

// Close disconnects and marks the panel removed. A closed manager never reconnects.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
	m.setState(model.StateRemoved, nil)
}

func (m *Manager) usable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.degraded != nil {
		return m.degraded
	}
	return nil
}

func (m *Manager) handshake(ctx context.Context) (*Session, error) {
	addr := m.cfg.Panel.Address()
	dialCtx, cancelDial := context.WithTimeout(ctx, m.cfg.Session.ConnectTimeout)
	conn, err := m.cfg.Dial(dialCtx, "tcp", addr)
	cancelDial()
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}

	hctx, cancel := context.WithTimeout(ctx, m.cfg.Session.HandshakeTimeout)
	defer cancel()
	s := newSession(m.cfg.Panel.ID, conn, m.cfg.Session, m.log, m.sessionClosed)
	fail := func(err error) (*Session, error) {
		s.invalidate(reasonHandshake, err)
		return nil, err
	}

	resp, err := s.exchange(hctx, Request{Command: frame.CmdConnect})
	if err != nil {
		return fail(fmt.Errorf("%w: connect: %w", ErrConnection, err))
	}
	if len(resp.Payload) < 2 {
		return fail(fmt.Errorf("%w: %w: connect reply %d bytes", ErrConnection, ErrProtocolMismatch, len(resp.Payload)))
	}
	s.token = binary.LittleEndian.Uint16(resp.Payload[:2])

	if m.cfg.Panel.Password != "" {
		if _, err := s.exchange(hctx, Request{Command: frame.CmdAuth, Payload: []byte(m.cfg.Panel.Password)}); err != nil {
			if _, rejected := IsRejected(err); rejected {
				return fail(fmt.Errorf("%w: %w", ErrConnection, ErrAuthRejected))
			}
			return fail(fmt.Errorf("%w: auth: %w", ErrConnection, err))
		}
	}

	resp, err = s.exchange(hctx, Request{Command: frame.CmdGetParam, Payload: records.ParamRequest(records.CapabilityParams)})
	if err != nil {
		return fail(fmt.Errorf("%w: read parameters: %w", ErrConnection, err))
	}
	params, err := records.ParseParams(resp.Payload)
	if err != nil {
		return fail(fmt.Errorf("%w: %w: %v", ErrConnection, ErrProtocolMismatch, err))
	}
	caps, err := records.CapabilitiesFromParams(params, m.cfg.Panel.Doors)
	if err != nil {
		return fail(fmt.Errorf("%w: %w: %v", ErrConnection, ErrProtocolMismatch, err))
	}
	s.caps = caps
	return s, nil
}

// sessionClosed runs once per session from Session.invalidate.
func (m *Manager) sessionClosed(s *Session, reason closeReason, cause error) {
	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	m.current = nil
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}
	if m.noteReset(reason) {
		m.degrade(fmt.Errorf("%w: %d consecutive codec resets", ErrDegraded, m.cfg.Session.DegradeAfter))
		return
	}
	m.log.Warn().Str("reason", string(reason)).AnErr("cause", cause).Msg("session lost")
	m.setState(model.StateOffline, cause)
}

// noteReset tracks consecutive codec-driven resets and reports whether the panel should degrade.
func (m *Manager) noteReset(reason closeReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason != reasonCodec {
		if reason != reasonClosed {
			m.codecResets = 0
		}
		return false
	}
	m.codecResets++
	return m.codecResets >= m.cfg.Session.DegradeAfter
}

func (m *Manager) degrade(err error) {
	m.mu.Lock()
	if m.degraded == nil {
		if errors.Is(err, ErrDegraded) {
			m.degraded = err
		} else {
			m.degraded = fmt.Errorf("%w: %w", ErrDegraded, err)
		}
	}
	s := m.current
	m.mu.Unlock()
	m.log.Error().Err(err).Msg("panel degraded")
	m.setState(model.StateDegraded, err)
	if s != nil {
		s.invalidate(reasonClosed, err)
	}
}

func (m *Manager) setState(state model.ConnState, err error) {
	m.mu.Lock()
	prev := m.state
	switch {
	case prev == state, prev == model.StateRemoved:
		m.mu.Unlock()
		return
	case prev == model.StateDegraded && state != model.StateRemoved:
		m.mu.Unlock()
		return
	}
	m.state = state
	obs := m.cfg.Observer
	m.mu.Unlock()

	observability.RecordPanelState(m.cfg.Panel.ID, string(state))
	m.log.Debug().Str("from", string(prev)).Str("to", string(state)).Msg("state change")
	if obs != nil {
		obs(m.cfg.Panel.ID, state, err)
	}
}

func isCodec(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Kind == KindCodec
}
