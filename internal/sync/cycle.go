package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/rxsync/internal/apierr"
	"github.com/tonimelisma/rxsync/internal/broker"
	"github.com/tonimelisma/rxsync/internal/mutation"
)

// CycleReport summarizes one drain cycle.
type CycleReport struct {
	Attempted int
	Applied   int
	Rejected  int
	Abandoned int
	Retried   int  // transient failures that stay queued
	Skipped   int  // entries held back behind an earlier failure of the same entity
	Offline   bool // the cycle stopped because connectivity was lost
	AuthLost  bool // the cycle stopped because credentials are no longer valid
	Remaining int  // entries still queued after the cycle
	Duration  time.Duration
}

// outcome classifies a single remote apply.
type outcome int

const (
	outcomeApplied outcome = iota
	outcomeRejected
	outcomeTransient
	outcomeOffline
	outcomeAuthLost
	outcomeCanceled
)

// cycle snapshots the queue and applies each entry in FIFO order. A
// transient failure holds back later entries of the same entity for the
// rest of the cycle; losing connectivity or credentials stops the cycle
// without charging the retry budget.
func (e *Engine) cycle(ctx context.Context) (CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := e.nowFunc()

	var report CycleReport

	defer func() {
		report.Duration = e.nowFunc().Sub(start)

		if e.afterCycle != nil {
			e.afterCycle(report)
		}
	}()

	entries, err := e.store.DequeueCandidates(ctx)
	if err != nil {
		return report, fmt.Errorf("sync: loading queue: %w", err)
	}

	if len(entries) == 0 {
		return report, nil
	}

	e.logger.Info("drain cycle starting", slog.Int("queued", len(entries)))

	blocked := make(map[string]bool)

	for i := range entries {
		m := entries[i]

		if ctx.Err() != nil {
			break
		}

		if blocked[m.Key()] {
			report.Skipped++
			continue
		}

		if !e.conn.State() {
			report.Offline = true
			break
		}

		report.Attempted++
		retried := report.Retried

		res, applyErr := e.applyOne(ctx, m)

		stop, err := e.settle(ctx, m, res, applyErr, &report)
		if err != nil {
			return report, err
		}

		if stop {
			break
		}

		// An abandoned entry has left the queue and no longer holds back
		// later entries of its entity.
		if report.Retried > retried {
			blocked[m.Key()] = true
		}
	}

	remaining, err := e.store.QueueLen(ctx)
	if err != nil {
		return report, fmt.Errorf("sync: counting queue: %w", err)
	}

	report.Remaining = remaining

	e.logger.Info("drain cycle complete",
		slog.Int("applied", report.Applied),
		slog.Int("rejected", report.Rejected),
		slog.Int("abandoned", report.Abandoned),
		slog.Int("retried", report.Retried),
		slog.Int("remaining", report.Remaining),
		slog.Bool("offline", report.Offline),
	)

	return report, nil
}

// applyOne runs the registered mutator for m with a bounded timeout and
// classifies the result. On success the server snapshot, if any, overwrites
// the cached record.
func (e *Engine) applyOne(ctx context.Context, m mutation.Mutation) (outcome, error) {
	mut, ok := e.mutators[m.EntityType]
	if !ok {
		return outcomeRejected, apierr.Rejected("apply "+m.Key(), 0,
			fmt.Sprintf("no mutator registered for entity type %q", m.EntityType))
	}

	callCtx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()

	snapshot, err := mut.Apply(callCtx, m)
	if err == nil {
		if len(snapshot) > 0 && m.Op != mutation.OpDelete {
			if putErr := e.store.Put(ctx, m.EntityType, m.EntityID, snapshot, e.nowFunc()); putErr != nil {
				return outcomeApplied, putErr
			}
		}

		return outcomeApplied, nil
	}

	return e.classify(ctx, err), err
}

func (e *Engine) classify(ctx context.Context, err error) outcome {
	switch {
	case ctx.Err() != nil:
		return outcomeCanceled
	case errors.Is(err, apierr.ErrRejected):
		return outcomeRejected
	case errors.Is(err, broker.ErrAuthExpired), errors.Is(err, broker.ErrNotLoggedIn):
		return outcomeAuthLost
	case errors.Is(err, apierr.ErrOffline):
		return outcomeOffline
	case !e.conn.State():
		// The failure coincided with a committed loss of connectivity.
		return outcomeOffline
	default:
		// Network errors, per-call timeouts and anything unclassified are
		// treated as transient.
		return outcomeTransient
	}
}

// settle records the outcome of one entry in the queue and reports whether
// the cycle must stop.
func (e *Engine) settle(
	ctx context.Context, m mutation.Mutation, res outcome, applyErr error, report *CycleReport,
) (bool, error) {
	attrs := []any{
		slog.String("id", m.ID),
		slog.String("entity_type", m.EntityType),
		slog.String("entity_id", m.EntityID),
		slog.String("op", m.Op.String()),
	}

	switch res {
	case outcomeApplied:
		if applyErr != nil {
			// Remote write succeeded but the local snapshot could not be
			// stored. The entry stays queued and is replayed.
			return true, fmt.Errorf("sync: storing snapshot for %s: %w", m.Key(), applyErr)
		}

		if err := e.store.MarkDone(ctx, m.ID); err != nil {
			return true, fmt.Errorf("sync: settling %s: %w", m.ID, err)
		}

		report.Applied++
		e.logger.Debug("mutation applied", attrs...)
		e.events.publish(Event{Kind: EventApplied, Mutation: m})

	case outcomeRejected:
		if err := e.store.MarkDone(ctx, m.ID); err != nil {
			return true, fmt.Errorf("sync: settling %s: %w", m.ID, err)
		}

		report.Rejected++
		e.logger.Warn("mutation rejected by server",
			append(attrs, slog.String("error", applyErr.Error()))...)
		e.events.publish(Event{Kind: EventRejected, Mutation: m, Err: applyErr})

	case outcomeTransient:
		n, err := e.store.IncrementRetry(ctx, m.ID)
		if err != nil {
			return true, fmt.Errorf("sync: recording retry for %s: %w", m.ID, err)
		}

		m.RetryCount = n

		if n >= e.maxRetries {
			if err := e.store.MarkDone(ctx, m.ID); err != nil {
				return true, fmt.Errorf("sync: abandoning %s: %w", m.ID, err)
			}

			report.Abandoned++
			e.logger.Error("mutation abandoned after repeated failures",
				append(attrs, slog.Int("attempts", n), slog.String("error", applyErr.Error()))...)
			e.events.publish(Event{Kind: EventAbandoned, Mutation: m, Err: applyErr})

			return false, nil
		}

		report.Retried++
		e.logger.Warn("mutation failed, will retry",
			append(attrs, slog.Int("attempts", n), slog.String("error", applyErr.Error()))...)

	case outcomeOffline:
		report.Offline = true
		e.logger.Info("connectivity lost during drain, pausing",
			append(attrs, slog.String("error", applyErr.Error()))...)

		return true, nil

	case outcomeAuthLost:
		report.AuthLost = true
		e.logger.Warn("credentials rejected during drain, pausing until login",
			append(attrs, slog.String("error", applyErr.Error()))...)

		return true, nil

	case outcomeCanceled:
		return true, nil
	}

	return false, nil
}
