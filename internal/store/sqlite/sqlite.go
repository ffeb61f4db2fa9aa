// Package sqlite stores SyncState rows in sqlite through the single db writer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/danmuck/c3sync/internal/db"
	"github.com/danmuck/c3sync/internal/store"
)

type Store struct {
	db     *sql.DB
	writer *dbpkg.Worker
	owned  bool
}

func New(db *sql.DB, writer *dbpkg.Worker) *Store {
	return &Store{db: db, writer: writer}
}

// Open opens the database at cfg and returns a store that closes it on Close.
func Open(ctx context.Context, cfg dbpkg.Config) (*Store, error) {
	conn, err := dbpkg.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: conn, writer: dbpkg.NewWorker(conn), owned: true}, nil
}

func (s *Store) Load(ctx context.Context, panelID string) (store.SyncState, error) {
	st := store.NewSyncState(panelID)
	var pending int
	var updatedMs int64
	err := s.db.QueryRowContext(ctx, `
SELECT event_cursor, config_version, pending, updated_at_ms
FROM sync_state WHERE panel_id = ?;`, panelID).Scan(&st.EventCursor, &st.ConfigVersion, &pending, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return store.SyncState{}, store.ErrNotFound
	}
	if err != nil {
		return store.SyncState{}, fmt.Errorf("sqlite store: load %s: %w", panelID, err)
	}
	st.Pending = pending != 0
	st.UpdatedAt = time.UnixMilli(updatedMs).UTC()

	rows, err := s.db.QueryContext(ctx, `SELECT record_key, version FROM sync_written WHERE panel_id = ?;`, panelID)
	if err != nil {
		return store.SyncState{}, fmt.Errorf("sqlite store: load written %s: %w", panelID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var version int64
		if err := rows.Scan(&key, &version); err != nil {
			return store.SyncState{}, fmt.Errorf("sqlite store: scan written %s: %w", panelID, err)
		}
		st.Written[key] = uint32(version)
	}
	if err := rows.Err(); err != nil {
		return store.SyncState{}, err
	}
	return st, nil
}

// Save replaces the panel's row and its written versions in one transaction.
func (s *Store) Save(ctx context.Context, st store.SyncState) error {
	if err := store.Validate(st); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	pending := 0
	if st.Pending {
		pending = 1
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sync_state(panel_id, event_cursor, config_version, pending, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(panel_id) DO UPDATE SET
  event_cursor = excluded.event_cursor,
  config_version = excluded.config_version,
  pending = excluded.pending,
  updated_at_ms = excluded.updated_at_ms;`,
			st.PanelID, int64(st.EventCursor), st.ConfigVersion, pending, st.UpdatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("sqlite store: upsert %s: %w", st.PanelID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_written WHERE panel_id = ?;`, st.PanelID); err != nil {
			return fmt.Errorf("sqlite store: clear written %s: %w", st.PanelID, err)
		}
		if len(st.Written) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO sync_written(panel_id, record_key, version) VALUES (?, ?, ?);`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for key, version := range st.Written {
			if _, err := stmt.ExecContext(ctx, st.PanelID, key, int64(version)); err != nil {
				return fmt.Errorf("sqlite store: insert written %s/%s: %w", st.PanelID, key, err)
			}
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, panelID string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE panel_id = ?;`, panelID); err != nil {
			return fmt.Errorf("sqlite store: delete %s: %w", panelID, err)
		}
		return nil
	})
}

func (s *Store) List(ctx context.Context) ([]store.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT panel_id FROM sync_state ORDER BY panel_id;`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]store.SyncState, 0, len(ids))
	for _, id := range ids {
		st, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) LoadDocument(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?;`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load document %s: %w", name, err)
	}
	return body, nil
}

func (s *Store) SaveDocument(ctx context.Context, name string, body []byte) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO documents(name, body, updated_at_ms) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at_ms = excluded.updated_at_ms;`,
			name, body, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("sqlite store: save document %s: %w", name, err)
		}
		return nil
	})
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	s.writer.Close()
	return s.db.Close()
}
