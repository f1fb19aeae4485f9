package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/rxsync/internal/apierr"
	"github.com/tonimelisma/rxsync/internal/broker"
	"github.com/tonimelisma/rxsync/internal/netmon"
	"github.com/tonimelisma/rxsync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAccessor(t *testing.T, online bool) (*Accessor, *store.Store, *netmon.Monitor) {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "rxsync.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mon := netmon.New(online, 0, testLogger())

	return NewAccessor(st, mon, 200*time.Millisecond, testLogger()), st, mon
}

func constFetcher(data string, err error) (Fetcher, *atomic.Int32) {
	var calls atomic.Int32

	return FetcherFunc(func(context.Context, string, string) (json.RawMessage, error) {
		calls.Add(1)

		if err != nil {
			return nil, err
		}

		return json.RawMessage(data), nil
	}), &calls
}

func TestFetch_OnlineFreshAndStored(t *testing.T) {
	t.Parallel()

	a, st, _ := newTestAccessor(t, true)
	ctx := context.Background()
	fetcher, calls := constFetcher(`{"id":"rx-1","quantity":30}`, nil)

	res, err := a.Fetch(ctx, "prescription", "rx-1", fetcher)
	require.NoError(t, err)
	assert.False(t, res.IsStale)
	assert.JSONEq(t, `{"id":"rx-1","quantity":30}`, string(res.Data))
	assert.EqualValues(t, 1, calls.Load())

	rec, found, err := st.Get(ctx, "prescription", "rx-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"id":"rx-1","quantity":30}`, string(rec.Value))
}

func TestFetch_OfflineServesStale(t *testing.T) {
	t.Parallel()

	a, st, _ := newTestAccessor(t, false)
	ctx := context.Background()
	written := time.Unix(1700000000, 0)

	require.NoError(t, st.Put(ctx, "patient", "p1", json.RawMessage(`{"name":"Ada"}`), written))

	fetcher, calls := constFetcher(`{}`, nil)

	res, err := a.Fetch(ctx, "patient", "p1", fetcher)
	require.NoError(t, err)
	assert.True(t, res.IsStale)
	assert.JSONEq(t, `{"name":"Ada"}`, string(res.Data))
	assert.True(t, res.UpdatedAt.Equal(written))
	assert.Zero(t, calls.Load(), "offline reads must not reach the backend")
}

func TestFetch_OfflineNothingCached(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAccessor(t, false)
	fetcher, _ := constFetcher(`{}`, nil)

	_, err := a.Fetch(context.Background(), "patient", "p404", fetcher)
	assert.ErrorIs(t, err, ErrNoCachedData)
}

func TestFetch_TransientFailureFallsBack(t *testing.T) {
	t.Parallel()

	a, st, _ := newTestAccessor(t, true)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "inventory_item", "i1", json.RawMessage(`{"quantity":3}`), time.Now()))

	fetcher, _ := constFetcher("", apierr.Network("fetch", errors.New("503 service unavailable")))

	res, err := a.Fetch(ctx, "inventory_item", "i1", fetcher)
	require.NoError(t, err)
	assert.True(t, res.IsStale)

	_, err = a.Fetch(ctx, "inventory_item", "missing", fetcher)
	assert.ErrorIs(t, err, ErrNoCachedData)
}

func TestFetch_TimeoutFallsBack(t *testing.T) {
	t.Parallel()

	a, st, _ := newTestAccessor(t, true)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "patient", "p1", json.RawMessage(`{"name":"Ada"}`), time.Now()))

	slow := FetcherFunc(func(ctx context.Context, _, _ string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res, err := a.Fetch(ctx, "patient", "p1", slow)
	require.NoError(t, err)
	assert.True(t, res.IsStale)
}

func TestFetch_RejectionAndAuthPropagate(t *testing.T) {
	t.Parallel()

	a, st, _ := newTestAccessor(t, true)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "patient", "p1", json.RawMessage(`{"name":"Ada"}`), time.Now()))

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"not found", apierr.Rejected("fetch", 404, "not found"), apierr.ErrRejected},
		{"auth expired", &broker.AuthError{Op: "refresh", Err: errors.New("revoked")}, broker.ErrAuthExpired},
		{"not logged in", broker.ErrNotLoggedIn, broker.ErrNotLoggedIn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher, _ := constFetcher("", tt.err)

			_, err := a.Fetch(ctx, "patient", "p1", fetcher)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestFetch_StoreFailureOnFreshDataIsReturned(t *testing.T) {
	t.Parallel()

	a, st, _ := newTestAccessor(t, true)
	require.NoError(t, st.Close())

	fetcher, _ := constFetcher(`{"id":"p1"}`, nil)

	_, err := a.Fetch(context.Background(), "patient", "p1", fetcher)
	assert.ErrorIs(t, err, store.ErrStore)
}

func TestPrefetch(t *testing.T) {
	t.Parallel()

	a, st, _ := newTestAccessor(t, true)
	ctx := context.Background()

	var inFlight, peak atomic.Int32

	fetcher := FetcherFunc(func(_ context.Context, _, id string) (json.RawMessage, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(5 * time.Millisecond)

		if id == "bad" {
			return nil, apierr.Rejected("fetch", 404, "not found")
		}

		return json.RawMessage(`{"id":"` + id + `"}`), nil
	})

	ids := []string{"a", "b", "bad", "c", "d", "e"}

	fresh, err := a.Prefetch(ctx, "patient", ids, fetcher, 2)
	assert.Equal(t, 5, fresh)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrRejected)
	assert.Contains(t, err.Error(), "patient/bad")
	assert.LessOrEqual(t, peak.Load(), int32(2))

	recs, err := st.Scan(ctx, "patient")
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestPrefetch_Offline(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAccessor(t, false)
	fetcher, calls := constFetcher(`{}`, nil)

	_, err := a.Prefetch(context.Background(), "patient", []string{"a"}, fetcher, 0)
	assert.ErrorIs(t, err, apierr.ErrOffline)
	assert.Zero(t, calls.Load())
}
