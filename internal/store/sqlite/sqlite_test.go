package sqlite_test

import (
	"context"
	"errors"
	"testing"

	dbpkg "github.com/danmuck/c3sync/internal/db"
	"github.com/danmuck/c3sync/internal/store"
	"github.com/danmuck/c3sync/internal/store/sqlite"
	"github.com/danmuck/c3sync/internal/store/storetest"
	"github.com/danmuck/c3sync/internal/testutil/testlog"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), dbpkg.Config{Path: "test_" + t.Name(), Memory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSyncStateContract(t *testing.T) {
	testlog.Start(t)
	storetest.Run(t, openTestStore(t))
}

func TestDocumentContract(t *testing.T) {
	testlog.Start(t)
	storetest.RunDocuments(t, openTestStore(t))
}

func TestDeleteCascadesWritten(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := openTestStore(t)
	st := store.NewSyncState("p1")
	st.Written["user:1"] = 7
	if err := s.Save(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Save(ctx, store.NewSyncState("p1")); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, err := s.Load(ctx, "p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Written) != 0 {
		t.Fatalf("written rows survived delete: %v", got.Written)
	}
	if _, err := s.Load(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileBackedReopen(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := t.TempDir() + "/c3sync.db"
	s, err := sqlite.Open(ctx, dbpkg.Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st := store.NewSyncState("p1")
	st.EventCursor = 1234
	st.Pending = true
	if err := s.Save(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = s.Close()

	s, err = sqlite.Open(ctx, dbpkg.Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Load(ctx, "p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.EventCursor != 1234 || !got.Pending {
		t.Fatalf("state=%+v", got)
	}
}
