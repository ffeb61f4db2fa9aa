// Package file keeps one JSON document per panel, each replaced atomically on save.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/c3sync/internal/store"
	"github.com/natefinch/atomic"
)

const (
	ext     = ".json"
	docsDir = "documents"
)

type Store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(panelID string) string {
	return filepath.Join(s.dir, panelID+ext)
}

func (s *Store) Load(_ context.Context, panelID string) (store.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.path(panelID))
}

func (s *Store) read(path string) (store.SyncState, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return store.SyncState{}, store.ErrNotFound
	}
	if err != nil {
		return store.SyncState{}, fmt.Errorf("file store: read %s: %w", path, err)
	}
	var st store.SyncState
	if err := json.Unmarshal(b, &st); err != nil {
		return store.SyncState{}, fmt.Errorf("file store: decode %s: %w", path, err)
	}
	return st.Clone(), nil
}

func (s *Store) Save(_ context.Context, st store.SyncState) error {
	if err := store.Validate(st); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomic.WriteFile(s.path(st.PanelID), bytes.NewReader(b)); err != nil {
		return fmt.Errorf("file store: write %s: %w", st.PanelID, err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, panelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(panelID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file store: delete %s: %w", panelID, err)
	}
	return nil
}

func (s *Store) List(_ context.Context) ([]store.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("file store: list %s: %w", s.dir, err)
	}
	var out []store.SyncState
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		st, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PanelID < out[j].PanelID })
	return out, nil
}

func (s *Store) docPath(name string) string {
	return filepath.Join(s.dir, docsDir, name+ext)
}

func (s *Store) LoadDocument(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.docPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file store: read document %s: %w", name, err)
	}
	return b, nil
}

func (s *Store) SaveDocument(_ context.Context, name string, body []byte) error {
	if strings.ContainsAny(name, `/\`) || strings.TrimSpace(name) == "" {
		return fmt.Errorf("file store: invalid document name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(s.dir, docsDir), 0o755); err != nil {
		return fmt.Errorf("file store: mkdir documents: %w", err)
	}
	if err := atomic.WriteFile(s.docPath(name), bytes.NewReader(body)); err != nil {
		return fmt.Errorf("file store: write document %s: %w", name, err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
