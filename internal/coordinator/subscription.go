package coordinator

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription is a push stream of StateChange values. Its queue is unbounded
// so publishing never waits on a slow reader.
type Subscription struct {
	id     string
	filter func(StateChange) bool
	hub    *hub

	mu     sync.Mutex
	queue  []StateChange
	notify chan struct{}
	out    chan StateChange
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) ID() string {
	return s.id
}

// C delivers changes in publish order. It is closed after Close.
func (s *Subscription) C() <-chan StateChange {
	return s.out
}

// Pending reports how many changes are queued but not yet received.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.hub != nil {
			s.hub.remove(s.id)
		}
	})
}

func (s *Subscription) push(ch StateChange) {
	if s.filter != nil && !s.filter(ch) {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, ch)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = StateChange{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

type hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[string]*Subscription)}
}

func (h *hub) subscribe(filter func(StateChange) bool) *Subscription {
	s := &Subscription{
		id:     uuid.NewString(),
		filter: filter,
		hub:    h,
		notify: make(chan struct{}, 1),
		out:    make(chan StateChange),
		done:   make(chan struct{}),
	}
	go s.pump()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.hub = nil
		s.Close()
		return s
	}
	h.subs[s.id] = s
	h.mu.Unlock()
	return s
}

func (h *hub) publish(ch StateChange) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		s.push(ch)
	}
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *hub) close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
