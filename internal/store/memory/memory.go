package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/c3sync/internal/store"
)

type Store struct {
	mu   sync.RWMutex
	data map[string]store.SyncState
	docs map[string][]byte
}

func New() *Store {
	return &Store{data: make(map[string]store.SyncState), docs: make(map[string][]byte)}
}

func (s *Store) Load(_ context.Context, panelID string) (store.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data[panelID]
	if !ok {
		return store.SyncState{}, store.ErrNotFound
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[st.PanelID] = st.Clone()
	return nil
}

func (s *Store) Delete(_ context.Context, panelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, panelID)
	return nil
}

func (s *Store) List(_ context.Context) ([]store.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.SyncState, 0, len(s.data))
	for _, st := range s.data {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PanelID < out[j].PanelID })
	return out, nil
}

func (s *Store) LoadDocument(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.docs[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *Store) SaveDocument(_ context.Context, name string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = append([]byte(nil), body...)
	return nil
}

func (s *Store) Close() error {
	return nil
}
