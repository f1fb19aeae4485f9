// Package netmon tracks backend connectivity. Raw reachability observations
// are debounced so that rapid flapping collapses to the final observed state,
// and subscribers are notified once per committed transition.
package netmon

import (
	"log/slog"
	gosync "sync"
	"time"
)

// DefaultDebounce is the window over which raw observations are collapsed.
const DefaultDebounce = 1 * time.Second

// Event is a committed connectivity transition.
type Event int

const (
	BecameOffline Event = iota
	BecameOnline
)

func (e Event) String() string {
	if e == BecameOnline {
		return "became-online"
	}

	return "became-offline"
}

// Monitor owns the connectivity state. It is the only writer of that state;
// everything else reads it through State or learns about changes through
// Subscribe. All methods are safe for concurrent use.
type Monitor struct {
	mu        gosync.Mutex
	committed bool
	observed  bool
	gen       uint64 // bumped on every Report; stale debounce timers compare against it
	timer     *time.Timer
	debounce  time.Duration

	subs   map[uint64]func(Event)
	nextID uint64

	// Delivery queue. Events are delivered in commit order on a goroutine
	// that exits when the queue is empty.
	pending     []Event
	dispatching bool

	logger *slog.Logger
}

// New creates a Monitor with the given initial state. A debounce of zero
// commits every observation immediately.
func New(initial bool, debounce time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		committed: initial,
		observed:  initial,
		debounce:  debounce,
		subs:      make(map[uint64]func(Event)),
		logger:    logger,
	}
}

// State reports the committed connectivity state.
func (m *Monitor) State() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.committed
}

// Report records a raw observation. The observation is committed once the
// debounce window elapses without another Report.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observed = online
	m.gen++

	if m.debounce <= 0 {
		m.commitLocked()
		return
	}

	if m.timer != nil {
		m.timer.Stop()
	}

	gen := m.gen
	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if gen != m.gen {
			return
		}

		m.commitLocked()
	})
}

// ReportNow records an observation and commits it at once, discarding any
// pending debounce. Used for explicit checks whose answer is needed now.
func (m *Monitor) ReportNow(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observed = online
	m.gen++

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	m.commitLocked()
}

// commitLocked promotes the observed state and queues an event if it
// differs from the committed state. Caller holds m.mu.
func (m *Monitor) commitLocked() {
	if m.observed == m.committed {
		return
	}

	m.committed = m.observed

	ev := BecameOffline
	if m.committed {
		ev = BecameOnline
	}

	m.logger.Info("connectivity changed", slog.String("event", ev.String()))

	m.pending = append(m.pending, ev)
	if !m.dispatching {
		m.dispatching = true
		go m.dispatch()
	}
}

// dispatch delivers queued events to the subscribers registered at delivery
// time. Callbacks run outside the lock.
func (m *Monitor) dispatch() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.dispatching = false
			m.mu.Unlock()

			return
		}

		ev := m.pending[0]
		m.pending = m.pending[1:]

		ids := make([]uint64, 0, len(m.subs))
		for id := range m.subs {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		for _, id := range ids {
			m.mu.Lock()
			fn, ok := m.subs[id]
			m.mu.Unlock()

			if ok {
				fn(ev)
			}
		}
	}
}

// Subscribe registers fn for connectivity events and returns a function that
// removes the registration. Calling the returned function more than once is
// harmless.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	var once gosync.Once

	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			delete(m.subs, id)
		})
	}
}

// Close stops a pending debounce timer. Observations reported after Close
// are still committed.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
