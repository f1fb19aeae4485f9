package sync

import (
	"sync"

	"github.com/tonimelisma/rxsync/internal/mutation"
)

// EventKind identifies a settled queue outcome.
type EventKind int

const (
	EventApplied EventKind = iota
	EventRejected
	EventAbandoned
)

func (k EventKind) String() string {
	switch k {
	case EventApplied:
		return "applied"
	case EventRejected:
		return "rejected"
	case EventAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Event reports that a queued mutation left the queue. Err is the final
// remote failure for rejected and abandoned entries.
type Event struct {
	Kind     EventKind
	Mutation mutation.Mutation
	Err      error
}

type eventHub struct {
	mu     sync.Mutex
	subs   map[uint64]func(Event)
	nextID uint64
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[uint64]func(Event))}
}

func (h *eventHub) subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.subs[id] = fn

	var once sync.Once

	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.subs, id)
		})
	}
}

// publish calls every current subscriber outside the lock.
func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
