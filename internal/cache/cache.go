// Package cache is the read-through accessor. Reads go to the backend when
// connectivity is available and fall back to the last stored snapshot when
// it is not, telling the caller whether the data may be stale.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/rxsync/internal/apierr"
	"github.com/tonimelisma/rxsync/internal/broker"
	"github.com/tonimelisma/rxsync/internal/store"
)

// DefaultFetchTimeout bounds a single remote read.
const DefaultFetchTimeout = 15 * time.Second

// DefaultPrefetchWorkers is the concurrency used by Prefetch when the
// caller passes zero.
const DefaultPrefetchWorkers = 4

// ErrNoCachedData is returned when the backend cannot be reached and
// nothing is stored for the requested entity.
var ErrNoCachedData = errors.New("cache: no cached data")

// Fetcher reads one entity from the backend.
type Fetcher interface {
	Fetch(ctx context.Context, entityType, id string) (json.RawMessage, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, entityType, id string) (json.RawMessage, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, entityType, id string) (json.RawMessage, error) {
	return f(ctx, entityType, id)
}

// Online reports committed connectivity. Satisfied by *netmon.Monitor.
type Online interface {
	State() bool
}

// Result is the outcome of a read.
type Result struct {
	Data      json.RawMessage
	IsStale   bool      // served from the local store, not the backend
	UpdatedAt time.Time // when the local snapshot was written
}

// Accessor serves reads through the local store.
type Accessor struct {
	store   *store.Store
	online  Online
	timeout time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewAccessor returns an Accessor. A zero timeout uses DefaultFetchTimeout.
func NewAccessor(st *store.Store, online Online, timeout time.Duration, logger *slog.Logger) *Accessor {
	if logger == nil {
		logger = slog.Default()
	}

	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	return &Accessor{
		store:   st,
		online:  online,
		timeout: timeout,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Fetch returns the freshest available snapshot of (entityType, id). When
// online, the backend is asked first and a successful answer is stored
// before it is returned. Transient remote failures and offline state fall
// back to the stored snapshot. Rejections (e.g. not found) and expired
// credentials are returned to the caller unchanged.
func (a *Accessor) Fetch(ctx context.Context, entityType, id string, fetcher Fetcher) (Result, error) {
	if a.online.State() {
		res, err := a.fetchRemote(ctx, entityType, id, fetcher)
		if err == nil {
			return res, nil
		}

		if !fallsBack(err) {
			return Result{}, err
		}

		a.logger.Info("remote read failed, serving cached snapshot",
			slog.String("entity_type", entityType),
			slog.String("entity_id", id),
			slog.String("error", err.Error()),
		)
	}

	return a.fetchLocal(ctx, entityType, id)
}

func (a *Accessor) fetchRemote(ctx context.Context, entityType, id string, fetcher Fetcher) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	data, err := fetcher.Fetch(callCtx, entityType, id)
	if err != nil {
		if ctx.Err() == nil && callCtx.Err() != nil && !errors.Is(err, apierr.ErrNetwork) {
			// Our own deadline fired inside a fetcher that did not classify it.
			err = apierr.Network("fetch "+entityType+"/"+id, err)
		}

		return Result{}, err
	}

	now := a.nowFunc()

	// A failure to persist a fresh answer is surfaced, not swallowed.
	if err := a.store.Put(ctx, entityType, id, data, now); err != nil {
		return Result{}, fmt.Errorf("cache: storing %s/%s: %w", entityType, id, err)
	}

	return Result{Data: data, IsStale: false, UpdatedAt: now}, nil
}

func (a *Accessor) fetchLocal(ctx context.Context, entityType, id string) (Result, error) {
	rec, found, err := a.store.Get(ctx, entityType, id)
	if err != nil {
		return Result{}, fmt.Errorf("cache: reading %s/%s: %w", entityType, id, err)
	}

	if !found {
		return Result{}, fmt.Errorf("%w for %s/%s", ErrNoCachedData, entityType, id)
	}

	return Result{Data: rec.Value, IsStale: true, UpdatedAt: rec.UpdatedAt}, nil
}

// fallsBack reports whether a remote read failure should be answered from
// the local store.
func fallsBack(err error) bool {
	switch {
	case errors.Is(err, apierr.ErrRejected):
		return false
	case errors.Is(err, broker.ErrAuthExpired), errors.Is(err, broker.ErrNotLoggedIn):
		return false
	case errors.Is(err, store.ErrStore):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// Prefetch warms the local store with fresh copies of ids, running at most
// workers fetches at a time. It returns how many entities were refreshed
// and the joined errors of those that were not.
func (a *Accessor) Prefetch(
	ctx context.Context, entityType string, ids []string, fetcher Fetcher, workers int,
) (int, error) {
	if workers <= 0 {
		workers = DefaultPrefetchWorkers
	}

	if !a.online.State() {
		return 0, apierr.Offline("prefetch "+entityType, nil)
	}

	results := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, id := range ids {
		g.Go(func() error {
			// Per-entity failures are collected, not propagated, so one bad
			// id does not cancel the rest.
			_, results[i] = a.fetchRemote(gctx, entityType, id, fetcher)
			return nil
		})
	}

	_ = g.Wait()

	fresh := 0

	var errs []error

	for i, err := range results {
		if err == nil {
			fresh++
			continue
		}

		errs = append(errs, fmt.Errorf("%s/%s: %w", entityType, ids[i], err))
	}

	a.logger.Info("prefetch complete",
		slog.String("entity_type", entityType),
		slog.Int("requested", len(ids)),
		slog.Int("fresh", fresh),
		slog.Int("failed", len(errs)),
	)

	return fresh, errors.Join(errs...)
}
