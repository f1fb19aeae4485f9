package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/rxsync/internal/api"
	"github.com/tonimelisma/rxsync/internal/apierr"
	"github.com/tonimelisma/rxsync/internal/broker"
	"github.com/tonimelisma/rxsync/internal/mutation"
	"github.com/tonimelisma/rxsync/internal/netmon"
	"github.com/tonimelisma/rxsync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a Mutator that records every call and answers with respond.
type recorder struct {
	mu      sync.Mutex
	calls   []mutation.Mutation
	respond func(m mutation.Mutation, call int) (json.RawMessage, error)
}

func (r *recorder) Apply(_ context.Context, m mutation.Mutation) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls = append(r.calls, m)
	n := len(r.calls)
	r.mu.Unlock()

	if r.respond == nil {
		return nil, nil
	}

	return r.respond(m, n)
}

func (r *recorder) Calls() []mutation.Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]mutation.Mutation(nil), r.calls...)
}

// eventLog collects engine events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}

	return out
}

type harness struct {
	store  *store.Store
	mon    *netmon.Monitor
	engine *Engine
	mut    *recorder
	events *eventLog
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "rxsync.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mon := netmon.New(online, 0, testLogger())
	mut := &recorder{}

	eng, err := NewEngine(&EngineConfig{
		Store:        st,
		Connectivity: mon,
		Mutators: map[string]Mutator{
			mutation.EntityPrescription:  mut,
			mutation.EntityInventoryItem: mut,
			mutation.EntityPatient:       mut,
		},
		ApplyTimeout: 2 * time.Second,
		BaseBackoff:  5 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	log := &eventLog{}
	eng.Subscribe(log.add)

	return &harness{store: st, mon: mon, engine: eng, mut: mut, events: log}
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()

	n, err := h.store.QueueLen(context.Background())
	require.NoError(t, err)

	return n
}

func (h *harness) cached(t *testing.T, entityType, id string) (string, bool) {
	t.Helper()

	rec, found, err := h.store.Get(context.Background(), entityType, id)
	require.NoError(t, err)

	return string(rec.Value), found
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(&EngineConfig{})
	assert.Error(t, err)
}

func TestEnqueue_OptimisticMergeAndQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()

	require.NoError(t, h.store.Put(ctx, mutation.EntityInventoryItem, "i1",
		json.RawMessage(`{"id":"i1","sku":"AMOX-500","quantity":10,"note":"x"}`), time.Now()))

	m, err := h.engine.Enqueue(ctx, mutation.EntityInventoryItem, mutation.OpUpdate, "i1",
		json.RawMessage(`{"quantity":7,"note":null}`))
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	value, found := h.cached(t, mutation.EntityInventoryItem, "i1")
	require.True(t, found)
	assert.JSONEq(t, `{"id":"i1","sku":"AMOX-500","quantity":7}`, value)

	assert.Equal(t, 1, h.queueLen(t))
	assert.Empty(t, h.mut.Calls(), "offline enqueue must not reach the backend")
}

func TestEnqueue_CreateGeneratesID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	m, err := h.engine.Enqueue(context.Background(), mutation.EntityPatient, mutation.OpCreate, "",
		json.RawMessage(`{"name":"Ada Lovelace"}`))
	require.NoError(t, err)
	require.NotEmpty(t, m.EntityID)

	value, found := h.cached(t, mutation.EntityPatient, m.EntityID)
	require.True(t, found)
	assert.JSONEq(t, `{"id":"`+m.EntityID+`","name":"Ada Lovelace"}`, value)
}

func TestEnqueue_DeleteRemovesCachedRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()

	require.NoError(t, h.store.Put(ctx, mutation.EntityPrescription, "rx-1", json.RawMessage(`{}`), time.Now()))

	_, err := h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpDelete, "rx-1", nil)
	require.NoError(t, err)

	_, found := h.cached(t, mutation.EntityPrescription, "rx-1")
	assert.False(t, found)
}

func TestEnqueue_InvalidMutationNotQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	_, err := h.engine.Enqueue(context.Background(), mutation.EntityPrescription, mutation.OpCreate, "",
		json.RawMessage(`{"medication":"amoxicillin"}`))
	assert.ErrorIs(t, err, mutation.ErrInvalidMutation)

	_, err = h.engine.Enqueue(context.Background(), "unknown_type", mutation.OpUpdate, "x",
		json.RawMessage(`{}`))
	assert.ErrorIs(t, err, mutation.ErrInvalidMutation)

	assert.Zero(t, h.queueLen(t))
}

func TestEnqueue_StoreFailureIsReturned(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	require.NoError(t, h.store.Close())

	_, err := h.engine.Enqueue(context.Background(), mutation.EntityPatient, mutation.OpUpdate, "p1",
		json.RawMessage(`{"name":"x"}`))
	assert.ErrorIs(t, err, store.ErrStore)
}

func TestDrainOnce_FIFO(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()

	var ids []string

	for _, entity := range []string{"rx-1", "rx-2", "rx-1"} {
		m, err := h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpUpdate, entity,
			json.RawMessage(`{"quantity":1}`))
		require.NoError(t, err)

		ids = append(ids, m.ID)
	}

	h.mon.Report(true)

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)
	assert.Zero(t, report.Remaining)

	calls := h.mut.Calls()
	require.Len(t, calls, 3)

	for i, c := range calls {
		assert.Equal(t, ids[i], c.ID)
	}

	assert.Equal(t, []EventKind{EventApplied, EventApplied, EventApplied}, h.events.kinds())
}

func TestDrainOnce_SnapshotOverwritesCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	h.mut.respond = func(mutation.Mutation, int) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"rx-1","quantity":30,"status":"filled"}`), nil
	}

	_, err := h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpUpdate, "rx-1",
		json.RawMessage(`{"quantity":30}`))
	require.NoError(t, err)

	_, err = h.engine.DrainOnce(ctx)
	require.NoError(t, err)

	value, found := h.cached(t, mutation.EntityPrescription, "rx-1")
	require.True(t, found)
	assert.JSONEq(t, `{"id":"rx-1","quantity":30,"status":"filled"}`, value)
}

func TestDrainOnce_RetryExhaustionAbandonsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	h.mut.respond = func(mutation.Mutation, int) (json.RawMessage, error) {
		return nil, apierr.Network("apply", errors.New("connection reset"))
	}

	_, err := h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p1",
		json.RawMessage(`{"name":"x"}`))
	require.NoError(t, err)

	for attempt := 1; attempt < DefaultMaxRetries; attempt++ {
		report, err := h.engine.DrainOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Retried)

		pending, err := h.store.DequeueCandidates(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, attempt, pending[0].RetryCount)
	}

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Zero(t, h.queueLen(t))

	// Further cycles find nothing to do.
	_, err = h.engine.DrainOnce(ctx)
	require.NoError(t, err)

	assert.Len(t, h.mut.Calls(), DefaultMaxRetries)
	assert.Equal(t, []EventKind{EventAbandoned}, h.events.kinds())
}

func TestDrainOnce_OfflineFailureKeepsRetryBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	h.mut.respond = func(m mutation.Mutation, _ int) (json.RawMessage, error) {
		if m.EntityID == "p1" {
			return nil, apierr.Offline("apply", nil)
		}

		// Connectivity drops while the request is on the wire.
		h.mon.Report(false)

		return nil, apierr.Network("apply", context.DeadlineExceeded)
	}

	_, err := h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p1", json.RawMessage(`{}`))
	require.NoError(t, err)

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Offline)
	assert.Zero(t, report.Retried)

	_, err = h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p2", json.RawMessage(`{}`))
	require.NoError(t, err)

	// p1 is first in the queue and blocks the cycle; let p2 run alone.
	pending, err := h.store.DequeueCandidates(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkDone(ctx, pending[0].ID))

	report, err = h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Offline)

	pending, err = h.store.DequeueCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].RetryCount)

	// While offline the cycle does not attempt anything.
	calls := len(h.mut.Calls())
	report, err = h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Offline)
	assert.Len(t, h.mut.Calls(), calls)
	assert.Empty(t, h.events.kinds())
}

func TestDrainOnce_RejectedIsRemovedWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	h.mut.respond = func(m mutation.Mutation, _ int) (json.RawMessage, error) {
		if m.EntityID == "rx-bad" {
			return nil, apierr.Rejected("apply", 409, "quantity exceeds stock")
		}

		return nil, nil
	}

	_, err := h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpUpdate, "rx-bad", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpUpdate, "rx-ok", json.RawMessage(`{}`))
	require.NoError(t, err)

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Applied)
	assert.Zero(t, h.queueLen(t))
	assert.Len(t, h.mut.Calls(), 2)

	require.Equal(t, []EventKind{EventRejected, EventApplied}, h.events.kinds())
	assert.ErrorIs(t, h.events.events[0].Err, apierr.ErrRejected)
}

func TestDrainOnce_UnregisteredEntityTypeIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	h.engine.registry.Register("supplier", mutation.Schema{Required: map[mutation.Op][]string{
		mutation.OpUpdate: {},
	}})

	_, err := h.engine.Enqueue(ctx, "supplier", mutation.OpUpdate, "s1", json.RawMessage(`{}`))
	require.NoError(t, err)

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.Zero(t, h.queueLen(t))
	assert.Empty(t, h.mut.Calls())
}

func TestDrainOnce_FailedEntityHoldsBackOnlyItsOwnEntries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	h.mut.respond = func(m mutation.Mutation, _ int) (json.RawMessage, error) {
		if m.EntityID == "rx-1" {
			return nil, apierr.Network("apply", errors.New("503"))
		}

		return nil, nil
	}

	_, err := h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpUpdate, "rx-1", json.RawMessage(`{"quantity":1}`))
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpUpdate, "rx-1", json.RawMessage(`{"quantity":2}`))
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p1", json.RawMessage(`{}`))
	require.NoError(t, err)

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 2, report.Remaining)

	calls := h.mut.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "rx-1", calls[0].EntityID)
	assert.Equal(t, "p1", calls[1].EntityID)
}

func TestDrainOnce_AuthLossPausesWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	h.mut.respond = func(mutation.Mutation, int) (json.RawMessage, error) {
		return nil, &broker.AuthError{Op: "refresh", Err: errors.New("revoked")}
	}

	_, err := h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p2", json.RawMessage(`{}`))
	require.NoError(t, err)

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.AuthLost)
	assert.Len(t, h.mut.Calls(), 1)

	pending, err := h.store.DequeueCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Zero(t, pending[0].RetryCount)
}

func TestDrainOnce_StoreFailureAbortsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	require.NoError(t, h.store.Close())

	_, err := h.engine.DrainOnce(context.Background())
	assert.ErrorIs(t, err, store.ErrStore)
}

func TestStart_DrainsWhenConnectivityReturns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()

	h.engine.Start(ctx)

	_, err := h.engine.Enqueue(ctx, mutation.EntityInventoryItem, mutation.OpUpdate, "i1",
		json.RawMessage(`{"quantity":4}`))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.mut.Calls())
	assert.Equal(t, 1, h.queueLen(t))

	h.mon.Report(true)

	require.Eventually(t, func() bool { return h.queueLen(t) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, h.mut.Calls(), 1)

	value, found := h.cached(t, mutation.EntityInventoryItem, "i1")
	require.True(t, found)
	assert.JSONEq(t, `{"id":"i1","quantity":4}`, value)
}

func TestStart_DrainsEntriesFromPreviousRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	m := &mutation.Mutation{
		ID:         "left-over",
		EntityType: mutation.EntityPatient,
		EntityID:   "p1",
		Op:         mutation.OpUpdate,
		Payload:    json.RawMessage(`{"name":"x"}`),
		EnqueuedAt: time.Now(),
	}
	_, err := h.store.Enqueue(ctx, m)
	require.NoError(t, err)

	h.engine.Start(ctx)

	require.Eventually(t, func() bool { return h.queueLen(t) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "left-over", h.mut.Calls()[0].ID)
}

func TestStart_RetriesTransientFailuresWithBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	h.mut.respond = func(_ mutation.Mutation, call int) (json.RawMessage, error) {
		if call < 3 {
			return nil, apierr.Network("apply", errors.New("502 bad gateway"))
		}

		return nil, nil
	}

	h.engine.Start(ctx)

	_, err := h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p1", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		kinds := h.events.kinds()
		return len(kinds) == 1 && kinds[0] == EventApplied
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, h.mut.Calls(), 3)
	assert.Zero(t, h.queueLen(t))
}

func TestDrainOnce_AbandonedEntryReleasesItsEntity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	first, err := h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpUpdate, "rx-1",
		json.RawMessage(`{"quantity":1}`))
	require.NoError(t, err)
	second, err := h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpUpdate, "rx-1",
		json.RawMessage(`{"quantity":2}`))
	require.NoError(t, err)

	h.mut.respond = func(m mutation.Mutation, _ int) (json.RawMessage, error) {
		if m.ID == first.ID {
			return nil, apierr.Network("apply", errors.New("connection reset"))
		}

		return nil, nil
	}

	for range DefaultMaxRetries - 1 {
		report, err := h.engine.DrainOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
	}

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, 1, report.Applied)
	assert.Zero(t, report.Skipped)
	assert.Zero(t, report.Remaining)

	calls := h.mut.Calls()
	assert.Equal(t, second.ID, calls[len(calls)-1].ID)
}

func TestStart_DrainsEntryHeldBackBehindAbandonedOne(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	first, err := h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpUpdate, "rx-1",
		json.RawMessage(`{"quantity":1}`))
	require.NoError(t, err)
	second, err := h.engine.Enqueue(ctx, mutation.EntityPrescription, mutation.OpUpdate, "rx-1",
		json.RawMessage(`{"quantity":2}`))
	require.NoError(t, err)

	h.mut.respond = func(m mutation.Mutation, _ int) (json.RawMessage, error) {
		if m.ID == first.ID {
			return nil, apierr.Network("apply", errors.New("connection reset"))
		}

		return nil, nil
	}

	h.engine.Start(ctx)

	require.Eventually(t, func() bool { return h.queueLen(t) == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventKind{EventAbandoned, EventApplied}, h.events.kinds())

	calls := h.mut.Calls()
	require.Len(t, calls, DefaultMaxRetries+1)
	assert.Equal(t, second.ID, calls[DefaultMaxRetries].ID)
}

// closedBackend returns a mutator that talks to a server that is no longer
// listening.
func closedBackend(t *testing.T) func(mutation.Mutation, int) (json.RawMessage, error) {
	t.Helper()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := api.NewClient(base, nil, testLogger())

	return func(m mutation.Mutation, _ int) (json.RawMessage, error) {
		return c.Do(context.Background(), http.MethodPut, "/api/patients/"+m.EntityID, m.Payload, "")
	}
}

func TestDrainOnce_UnreachableBackendKeepsRetryBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()
	h.mut.respond = closedBackend(t)

	_, err := h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p1", json.RawMessage(`{}`))
	require.NoError(t, err)

	// The monitor never learns of the outage; the refused dial alone must
	// keep the entry from being charged.
	for range DefaultMaxRetries + 2 {
		report, err := h.engine.DrainOnce(ctx)
		require.NoError(t, err)
		assert.True(t, report.Offline)
		assert.Zero(t, report.Retried)
	}

	pending, err := h.store.DequeueCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].RetryCount)
	assert.Empty(t, h.events.kinds())
}

func TestStart_RecoversWhenUnreachableBackendReturns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	unreachable := closedBackend(t)
	h.mut.respond = func(m mutation.Mutation, call int) (json.RawMessage, error) {
		if call <= DefaultMaxRetries+1 {
			return unreachable(m, call)
		}

		return nil, nil
	}

	_, err := h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p1", json.RawMessage(`{}`))
	require.NoError(t, err)

	h.engine.Start(ctx)

	require.Eventually(t, func() bool { return h.queueLen(t) == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventKind{EventApplied}, h.events.kinds())
}

func TestStart_TriggersDuringCycleCoalesce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	reports := make(chan CycleReport, 16)
	h.engine.afterCycle = func(r CycleReport) { reports <- r }

	started := make(chan struct{})
	release := make(chan struct{})

	h.mut.respond = func(_ mutation.Mutation, call int) (json.RawMessage, error) {
		if call == 1 {
			close(started)
			<-release
		}

		return nil, nil
	}

	h.engine.Start(ctx)

	// Start drains the (empty) queue once.
	first := <-reports
	assert.Zero(t, first.Attempted)

	_, err := h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p1", json.RawMessage(`{}`))
	require.NoError(t, err)

	<-started

	for _, id := range []string{"p2", "p3", "p4"} {
		_, err := h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, id, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	close(release)

	r1 := <-reports
	assert.Equal(t, 1, r1.Applied)

	r2 := <-reports
	assert.Equal(t, 3, r2.Applied)
	assert.Zero(t, r2.Remaining)

	select {
	case r := <-reports:
		t.Fatalf("unexpected extra cycle: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStop_IsIdempotentAndUnsubscribes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	ctx := context.Background()

	h.engine.Start(ctx)
	h.engine.Start(ctx)
	h.engine.Stop()
	h.engine.Stop()

	_, err := h.engine.Enqueue(ctx, mutation.EntityPatient, mutation.OpUpdate, "p1", json.RawMessage(`{}`))
	require.NoError(t, err)

	h.mon.Report(true)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, h.mut.Calls())
	assert.Equal(t, 1, h.queueLen(t))
}

func TestMergePatch(t *testing.T) {
	t.Parallel()

	merged, err := mergePatch(json.RawMessage(`{"a":1,"b":{"x":1},"c":3}`), json.RawMessage(`{"b":{"y":2},"c":null,"d":4}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":{"y":2},"d":4}`, string(merged))

	_, err = mergePatch(json.RawMessage(`[1,2]`), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestCalcBackoff(t *testing.T) {
	t.Parallel()

	base, maxDelay := time.Second, 60*time.Second

	for attempt := range 10 {
		d := calcBackoff(base, maxDelay, attempt)

		want := float64(base) * float64(int(1)<<attempt)
		if want > float64(maxDelay) {
			want = float64(maxDelay)
		}

		assert.GreaterOrEqual(t, float64(d), want*0.75, "attempt %d", attempt)
		assert.LessOrEqual(t, float64(d), want*1.25, "attempt %d", attempt)
	}
}

func TestEventKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "applied", EventApplied.String())
	assert.Equal(t, "rejected", EventRejected.String())
	assert.Equal(t, "abandoned", EventAbandoned.String())
}
