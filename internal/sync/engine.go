// Package sync drains the durable mutation queue to the backend. Writes are
// applied optimistically to the local cache and queued in one transaction;
// a single drain goroutine then replays the queue in FIFO order whenever
// connectivity is available, retrying transient failures with backoff and
// abandoning entries that keep failing.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/rxsync/internal/mutation"
	"github.com/tonimelisma/rxsync/internal/netmon"
	"github.com/tonimelisma/rxsync/internal/store"
)

// Engine defaults.
const (
	DefaultMaxRetries   = 5
	DefaultApplyTimeout = 30 * time.Second
	DefaultBaseBackoff  = 1 * time.Second
	DefaultMaxBackoff   = 60 * time.Second
)

// Mutator performs one queued mutation against the backend. A non-empty
// snapshot is the server's view of the entity after the write and replaces
// the cached record.
type Mutator interface {
	Apply(ctx context.Context, m mutation.Mutation) (snapshot json.RawMessage, err error)
}

// MutatorFunc adapts a function to the Mutator interface.
type MutatorFunc func(ctx context.Context, m mutation.Mutation) (json.RawMessage, error)

// Apply calls f.
func (f MutatorFunc) Apply(ctx context.Context, m mutation.Mutation) (json.RawMessage, error) {
	return f(ctx, m)
}

// Connectivity is the part of the network monitor the engine depends on.
// Satisfied by *netmon.Monitor.
type Connectivity interface {
	State() bool
	Subscribe(fn func(netmon.Event)) (unsubscribe func())
}

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Store        *store.Store
	Connectivity Connectivity
	Registry     *mutation.Registry // nil uses mutation.DefaultRegistry
	Mutators     map[string]Mutator // keyed by entity type
	MaxRetries   int                // attempts before an entry is abandoned (0 → 5)
	ApplyTimeout time.Duration      // per remote call (0 → 30s)
	BaseBackoff  time.Duration      // first follow-up delay after a transient failure (0 → 1s)
	MaxBackoff   time.Duration      // follow-up delay cap (0 → 60s)
	Logger       *slog.Logger
}

// Engine is the sole writer of the mutation queue.
type Engine struct {
	store    *store.Store
	conn     Connectivity
	registry *mutation.Registry
	mutators map[string]Mutator

	maxRetries   int
	applyTimeout time.Duration
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	logger       *slog.Logger

	events *eventHub

	// cycleMu serializes drain cycles between the background loop and
	// DrainOnce so entries are never applied concurrently.
	cycleMu sync.Mutex

	// trigger holds at most one pending drain request. Requests arriving
	// while a cycle runs coalesce into a single follow-up cycle.
	trigger chan struct{}

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	retryTimer  *time.Timer
	attempt     int // consecutive cycles that needed a follow-up

	nowFunc    func() time.Time
	afterCycle func(CycleReport) // test hook
}

// NewEngine validates cfg and returns an idle Engine. Call Start to begin
// draining in the background.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sync: engine requires a store")
	}

	if cfg.Connectivity == nil {
		return nil, fmt.Errorf("sync: engine requires a connectivity source")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = mutation.DefaultRegistry()
	}

	e := &Engine{
		store:        cfg.Store,
		conn:         cfg.Connectivity,
		registry:     registry,
		mutators:     make(map[string]Mutator, len(cfg.Mutators)),
		maxRetries:   orDefault(cfg.MaxRetries, DefaultMaxRetries),
		applyTimeout: orDefault(cfg.ApplyTimeout, DefaultApplyTimeout),
		baseBackoff:  orDefault(cfg.BaseBackoff, DefaultBaseBackoff),
		maxBackoff:   orDefault(cfg.MaxBackoff, DefaultMaxBackoff),
		logger:       logger,
		events:       newEventHub(),
		trigger:      make(chan struct{}, 1),
		nowFunc:      time.Now,
	}

	for entityType, m := range cfg.Mutators {
		e.mutators[entityType] = m
	}

	return e, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}

	return v
}

// Enqueue records a local write. The optimistic cache change and the durable
// queue insert are committed in one transaction before Enqueue returns; the
// remote apply happens later. Only validation and store failures are
// returned. A create without an entity id gets a generated one.
func (e *Engine) Enqueue(
	ctx context.Context, entityType string, op mutation.Op, entityID string, payload json.RawMessage,
) (mutation.Mutation, error) {
	if op == mutation.OpCreate && entityID == "" {
		entityID = uuid.NewString()
	}

	m := mutation.Mutation{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Op:         op,
		Payload:    payload,
		EnqueuedAt: e.nowFunc(),
	}

	if err := e.registry.Validate(&m); err != nil {
		return mutation.Mutation{}, err
	}

	if _, err := e.store.ApplyAndEnqueue(ctx, &m, e.optimisticChange(&m)); err != nil {
		return mutation.Mutation{}, fmt.Errorf("sync: enqueue %s %s: %w", m.Op, m.Key(), err)
	}

	e.logger.Info("mutation queued",
		slog.String("id", m.ID),
		slog.String("entity_type", m.EntityType),
		slog.String("entity_id", m.EntityID),
		slog.String("op", m.Op.String()),
	)

	if e.conn.State() {
		e.Trigger()
	}

	return m, nil
}

// Subscribe registers fn for queue outcome events. Callbacks run on the
// drain goroutine after the outcome is committed and must not block or call
// DrainOnce.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	return e.events.subscribe(fn)
}

// Trigger requests a drain cycle. It never blocks.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
		// A cycle is already pending.
	}
}

// Start subscribes to connectivity changes and launches the drain loop.
// Entries left in the queue by a previous run are drained immediately if
// online. Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.unsubscribe = e.conn.Subscribe(func(ev netmon.Event) {
		if ev == netmon.BecameOnline {
			e.logger.Debug("connectivity restored, triggering drain")
			e.Trigger()
		}
	})

	go e.loop(loopCtx, e.done)

	e.logger.Info("sync engine started",
		slog.Int("max_retries", e.maxRetries),
		slog.Duration("apply_timeout", e.applyTimeout),
	)

	if e.conn.State() {
		e.Trigger()
	}
}

// Stop unsubscribes from connectivity changes and waits for an in-flight
// cycle to finish. Queued entries stay durable for the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}

	e.running = false
	e.unsubscribe()
	e.cancel()

	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}

	done := e.done
	e.mu.Unlock()

	<-done

	e.logger.Info("sync engine stopped")
}

// DrainOnce runs one synchronous drain cycle under the same rules as the
// background loop.
func (e *Engine) DrainOnce(ctx context.Context) (CycleReport, error) {
	return e.cycle(ctx)
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
		}

		report, err := e.cycle(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			e.logger.Error("drain cycle aborted", slog.String("error", err.Error()))
			e.scheduleFollowUp()

			continue
		}

		switch {
		case report.AuthLost:
		case report.Offline && e.conn.State():
			// A call failed as unreachable before the monitor committed
			// offline. No BecameOnline will follow, so poll with backoff.
			e.scheduleFollowUp()
			continue
		case report.Offline:
		case report.Retried > 0 || report.Skipped > 0:
			e.scheduleFollowUp()
			continue
		}

		e.mu.Lock()
		e.attempt = 0
		e.mu.Unlock()
	}
}

// scheduleFollowUp arms a timer that triggers another cycle after an
// exponentially growing, jittered delay.
func (e *Engine) scheduleFollowUp() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	delay := calcBackoff(e.baseBackoff, e.maxBackoff, e.attempt)
	e.attempt++

	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}

	e.retryTimer = time.AfterFunc(delay, e.Trigger)

	e.logger.Debug("follow-up drain scheduled",
		slog.Duration("delay", delay),
		slog.Int("attempt", e.attempt),
	)
}
