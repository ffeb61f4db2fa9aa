// Package storetest holds the behavior every SyncStateStore must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/c3sync/internal/store"
)

func Run(t *testing.T, s store.SyncStateStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("load missing: expected ErrNotFound, got %v", err)
	}
	fresh, err := store.LoadOrNew(ctx, s, "p1")
	if err != nil || fresh.PanelID != "p1" || fresh.Written == nil {
		t.Fatalf("LoadOrNew: %+v err=%v", fresh, err)
	}

	st := store.NewSyncState("p1")
	st.EventCursor = 41
	st.ConfigVersion = "abc123"
	st.Pending = true
	st.Written[store.RecordKey("user", 12)] = 0xDEADBEEF
	st.Written[store.RecordKey("group", 1)] = 7
	st.UpdatedAt = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Save(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.EventCursor != 41 || got.ConfigVersion != "abc123" || !got.Pending {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Written["user:12"] != 0xDEADBEEF || got.Written["group:1"] != 7 || len(got.Written) != 2 {
		t.Fatalf("written mismatch: %v", got.Written)
	}
	if !got.UpdatedAt.Equal(st.UpdatedAt) {
		t.Fatalf("updated_at=%v", got.UpdatedAt)
	}

	got.Written["user:12"] = 1
	again, _ := s.Load(ctx, "p1")
	if again.Written["user:12"] != 0xDEADBEEF {
		t.Fatalf("loaded state aliases stored state")
	}

	st.EventCursor = 50
	st.Pending = false
	delete(st.Written, "group:1")
	if err := s.Save(ctx, st); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Load(ctx, "p1")
	if got.EventCursor != 50 || got.Pending || len(got.Written) != 1 {
		t.Fatalf("overwrite mismatch: %+v", got)
	}

	if err := s.Save(ctx, store.NewSyncState("p2")); err != nil {
		t.Fatalf("save p2: %v", err)
	}
	all, err := s.List(ctx)
	if err != nil || len(all) != 2 || all[0].PanelID != "p1" || all[1].PanelID != "p2" {
		t.Fatalf("list: %+v err=%v", all, err)
	}
	if err := s.Save(ctx, store.SyncState{}); err == nil {
		t.Fatalf("expected error saving state without panel id")
	}

	if err := s.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load(ctx, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
	if err := s.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete twice: %v", err)
	}
}

func RunDocuments(t *testing.T, s store.DocumentStore) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.LoadDocument(ctx, "desired"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing document: expected ErrNotFound, got %v", err)
	}
	if err := s.SaveDocument(ctx, "desired", []byte(`{"users":[]}`)); err != nil {
		t.Fatalf("save document: %v", err)
	}
	if err := s.SaveDocument(ctx, "desired", []byte(`{"users":[1]}`)); err != nil {
		t.Fatalf("replace document: %v", err)
	}
	b, err := s.LoadDocument(ctx, "desired")
	if err != nil || string(b) != `{"users":[1]}` {
		t.Fatalf("load document: %q err=%v", b, err)
	}
	ss, ok := s.(store.SyncStateStore)
	if !ok {
		return
	}
	all, err := ss.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, st := range all {
		if st.PanelID == "desired" {
			t.Fatalf("document listed as sync state")
		}
	}
}
