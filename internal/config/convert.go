package config

import (
	"github.com/danmuck/c3sync/internal/coordinator"
	"github.com/danmuck/c3sync/internal/store"
)

// CoordinatorConfig maps the loaded file onto a coordinator config backed by st and docs.
func (c Config) CoordinatorConfig(st store.SyncStateStore, docs store.DocumentStore) coordinator.Config {
	return coordinator.Config{
		Session:        c.Session,
		PollInterval:   c.Coordinator.PollInterval,
		SyncInterval:   c.Coordinator.SyncInterval,
		AuditInterval:  c.Coordinator.AuditInterval,
		DebounceWindow: c.Coordinator.DebounceWindow,
		CommandTimeout: c.Coordinator.CommandTimeout,
		SyncTimeout:    c.Coordinator.SyncTimeout,
		QueueDepth:     c.Coordinator.QueueDepth,
		PageSize:       c.Coordinator.PageSize,
		MaxPages:       c.Coordinator.MaxPages,
		Store:          st,
		Documents:      docs,
		Desired:        c.Desired.Clone(),
	}
}
