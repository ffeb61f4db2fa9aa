package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

var ErrWorkerClosed = errors.New("db: writer closed")

type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Worker serializes write transactions onto a single goroutine.
type Worker struct {
	conn *sql.DB
	jobs chan job
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewWorker(conn *sql.DB) *Worker {
	w := &Worker{
		conn: conn,
		jobs: make(chan job, 64),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Close drains queued jobs and stops the worker. Do after Close returns ErrWorkerClosed.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	<-w.done
}

// Do runs fn in a transaction, committing when fn returns nil. If ctx ends while the
// job is queued or running, Do returns early; the transaction still completes.
func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWorkerClosed
	}
	select {
	case w.jobs <- job{ctx: ctx, fn: fn, ch: ch}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	for j := range w.jobs {
		j.ch <- w.run(j)
	}
}

func (w *Worker) run(j job) error {
	tx, err := w.conn.BeginTx(j.ctx, nil)
	if err != nil {
		return err
	}
	if err := j.fn(j.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
