package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/danmuck/c3sync/internal/config"
	"github.com/danmuck/c3sync/internal/store"
	"github.com/danmuck/c3sync/internal/testutil/testlog"
)

func TestOpenStoreDrivers(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, cfg := range []config.StoreConfig{
		{Driver: config.DriverMemory},
		{Driver: config.DriverFile, Path: filepath.Join(dir, "state")},
		{Driver: config.DriverSQLite, Path: filepath.Join(dir, "state.db")},
	} {
		t.Run(cfg.Driver, func(t *testing.T) {
			st, err := openStore(context.Background(), cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer st.Close()
			want := store.NewSyncState("p1")
			want.EventCursor = 3
			if err := st.Save(context.Background(), want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := st.Load(context.Background(), "p1")
			if err != nil || got.EventCursor != 3 {
				t.Fatalf("load=%+v err=%v", got, err)
			}
			if err := st.SaveDocument(context.Background(), "desired", []byte(`{}`)); err != nil {
				t.Fatalf("save document: %v", err)
			}
		})
	}
	if _, err := openStore(context.Background(), config.StoreConfig{Driver: "redis"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
