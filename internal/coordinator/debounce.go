package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/c3sync/internal/model"
)

type doorKey struct {
	door     model.DoorID
	action   CommandKind
	duration uint8
}

type call struct {
	done chan struct{}
	err  error
}

// debouncer coalesces identical door commands. Every caller that arrives while
// a command is in flight, or within window of its start, shares its result.
type debouncer struct {
	window time.Duration

	mu    sync.Mutex
	calls map[doorKey]*call
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window, calls: make(map[doorKey]*call)}
}

// do runs fn at most once per key and window. fn runs detached from any one
// caller; a caller whose ctx ends stops waiting without cancelling fn.
func (d *debouncer) do(ctx context.Context, key doorKey, fn func() error) (shared bool, err error) {
	d.mu.Lock()
	if c, ok := d.calls[key]; ok {
		d.mu.Unlock()
		return true, d.wait(ctx, c)
	}
	c := &call{done: make(chan struct{})}
	d.calls[key] = c
	d.mu.Unlock()

	start := time.Now()
	go func() {
		c.err = fn()
		close(c.done)
		rest := d.window - time.Since(start)
		if rest <= 0 {
			d.forget(key, c)
			return
		}
		time.AfterFunc(rest, func() { d.forget(key, c) })
	}()
	return false, d.wait(ctx, c)
}

func (d *debouncer) wait(ctx context.Context, c *call) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *debouncer) forget(key doorKey, c *call) {
	d.mu.Lock()
	if d.calls[key] == c {
		delete(d.calls, key)
	}
	d.mu.Unlock()
}
