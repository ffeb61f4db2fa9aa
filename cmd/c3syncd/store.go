package main

import (
	"context"
	"fmt"

	"github.com/danmuck/c3sync/internal/config"
	"github.com/danmuck/c3sync/internal/db"
	"github.com/danmuck/c3sync/internal/store"
	"github.com/danmuck/c3sync/internal/store/file"
	"github.com/danmuck/c3sync/internal/store/memory"
	"github.com/danmuck/c3sync/internal/store/sqlite"
)

// stateStore is what every driver provides: sync state plus named documents.
type stateStore interface {
	store.SyncStateStore
	store.DocumentStore
}

func openStore(ctx context.Context, cfg config.StoreConfig) (stateStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverFile:
		st, err := file.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, db.Config{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
