package coordinator

import (
	"time"

	"github.com/danmuck/c3sync/internal/panel"
	"github.com/danmuck/c3sync/internal/poller"
	"github.com/danmuck/c3sync/internal/protocol/session"
	"github.com/danmuck/c3sync/internal/reconcile"
	"github.com/danmuck/c3sync/internal/store"
	"github.com/danmuck/c3sync/internal/store/memory"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultSyncInterval   = 30 * time.Second
	DefaultAuditInterval  = time.Hour
	DefaultDebounceWindow = 750 * time.Millisecond
	DefaultCommandTimeout = 15 * time.Second
	DefaultSyncTimeout    = 2 * time.Minute
	DefaultQueueDepth     = 64

	// DesiredDocument is the DocumentStore name the desired config is kept under.
	DesiredDocument = "desired"
)

type Config struct {
	Session        session.Config
	PollInterval   time.Duration
	SyncInterval   time.Duration
	// AuditInterval schedules full read-back passes; negative disables them.
	AuditInterval  time.Duration
	DebounceWindow time.Duration
	CommandTimeout time.Duration
	SyncTimeout    time.Duration
	QueueDepth     int
	PageSize       int
	MaxPages       int

	Store store.SyncStateStore
	// Documents persists the desired config across restarts when set.
	Documents store.DocumentStore
	// Desired seeds the desired config when Documents holds none.
	Desired reconcile.Desired
	Dial    panel.DialFunc
}

func (c Config) WithDefaults() Config {
	out := c
	out.Session = out.Session.WithDefaults()
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.SyncInterval <= 0 {
		out.SyncInterval = DefaultSyncInterval
	}
	if out.AuditInterval == 0 {
		out.AuditInterval = DefaultAuditInterval
	}
	if out.DebounceWindow <= 0 {
		out.DebounceWindow = DefaultDebounceWindow
	}
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = DefaultCommandTimeout
	}
	if out.SyncTimeout <= 0 {
		out.SyncTimeout = DefaultSyncTimeout
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = DefaultQueueDepth
	}
	if out.PageSize <= 0 {
		out.PageSize = poller.DefaultPageSize
	}
	if out.MaxPages <= 0 {
		out.MaxPages = poller.DefaultMaxPages
	}
	if out.Store == nil {
		out.Store = memory.New()
	}
	return out
}
