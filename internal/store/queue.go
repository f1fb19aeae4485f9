package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/rxsync/internal/mutation"
)

// SQL statements for the mutation queue. Rows are ordered by the
// autoincrement ordinal, which is assigned at commit and never reused.
const (
	sqlInsertMutation = `INSERT INTO mutation_queue
		(id, entity_type, entity_id, op, payload, retry_count, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	sqlListMutations = `SELECT id, entity_type, entity_id, op, payload, retry_count, enqueued_at
		FROM mutation_queue ORDER BY ordinal`

	sqlDeleteMutation = `DELETE FROM mutation_queue WHERE id = ?`

	sqlIncrementRetry = `UPDATE mutation_queue SET retry_count = retry_count + 1
		WHERE id = ? RETURNING retry_count`

	sqlCountMutations = `SELECT COUNT(*) FROM mutation_queue`
)

// CacheChange is the optimistic local effect of a mutation, applied in the
// same transaction as the queue insert. Delete removes the cached record;
// otherwise Value replaces it.
type CacheChange struct {
	Value     []byte
	Delete    bool
	UpdatedAt time.Time
}

// ApplyFunc computes the optimistic cache change for a mutation from the
// currently cached record. Returning a nil change leaves the cache alone.
type ApplyFunc func(current Record, found bool) (*CacheChange, error)

// Enqueue durably appends m to the mutation queue and returns its id.
// Enqueueing a mutation whose id is already queued is a no-op.
func (s *Store) Enqueue(ctx context.Context, m *mutation.Mutation) (string, error) {
	return s.ApplyAndEnqueue(ctx, m, nil)
}

// ApplyAndEnqueue reads the cached record for m's entity, writes the change
// returned by apply, and appends m to the queue, all in one transaction.
// Either both writes are committed or neither is. An error returned by apply
// aborts the transaction and is passed through unchanged. When m's id is
// already queued nothing is written and apply is not called.
func (s *Store) ApplyAndEnqueue(ctx context.Context, m *mutation.Mutation, apply ApplyFunc) (string, error) {
	if m.ID == "" {
		return "", storeErr("enqueue", errors.New("mutation id is empty"))
	}

	op := fmt.Sprintf("enqueue %s", m.ID)
	duplicate := false

	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		var payload []byte
		if len(m.Payload) > 0 {
			payload = m.Payload
		}

		res, err := tx.ExecContext(ctx, sqlInsertMutation,
			m.ID, normalizeKey(m.EntityType), normalizeKey(m.EntityID), m.Op.String(),
			payload, m.RetryCount, m.EnqueuedAt.UnixNano())
		if err != nil {
			return storeErr(op, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return storeErr(op, err)
		}

		// Already queued: the cache already carries its effect.
		if n == 0 {
			duplicate = true
			return nil
		}

		if apply == nil {
			return nil
		}

		current, found, err := s.getWith(ctx, tx, m.EntityType, m.EntityID)
		if err != nil {
			return err
		}

		change, err := apply(current, found)
		if err != nil {
			return err
		}

		if change == nil {
			return nil
		}

		return s.applyChange(ctx, tx, m, change)
	})
	if err != nil {
		return "", err
	}

	if duplicate {
		s.logger.Debug("mutation already queued", slog.String("id", m.ID))
		return m.ID, nil
	}

	s.logger.Debug("mutation enqueued",
		slog.String("id", m.ID),
		slog.String("entity_type", m.EntityType),
		slog.String("entity_id", m.EntityID),
		slog.String("op", m.Op.String()),
	)

	return m.ID, nil
}

func (s *Store) applyChange(ctx context.Context, tx *sql.Tx, m *mutation.Mutation, c *CacheChange) error {
	if c.Delete {
		if _, err := tx.ExecContext(ctx, sqlDeleteCache,
			normalizeKey(m.EntityType), normalizeKey(m.EntityID)); err != nil {
			return storeErr(fmt.Sprintf("delete %s", m.Key()), err)
		}

		return nil
	}

	return s.putWith(ctx, tx, m.EntityType, m.EntityID, c.Value, c.UpdatedAt)
}

// DequeueCandidates returns every queued mutation in FIFO order. Rows stay
// in the queue until MarkDone.
func (s *Store) DequeueCandidates(ctx context.Context) ([]mutation.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, sqlListMutations)
	if err != nil {
		return nil, storeErr("dequeue candidates", err)
	}
	defer rows.Close()

	var out []mutation.Mutation

	for rows.Next() {
		var (
			m        mutation.Mutation
			opName   string
			payload  []byte
			enqueued int64
		)

		if err := rows.Scan(&m.ID, &m.EntityType, &m.EntityID, &opName, &payload, &m.RetryCount, &enqueued); err != nil {
			return nil, storeErr("dequeue candidates", err)
		}

		op, err := mutation.ParseOp(opName)
		if err != nil {
			return nil, storeErr("dequeue candidates", err)
		}

		m.Op = op
		m.Payload = payload
		m.EnqueuedAt = time.Unix(0, enqueued)
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("dequeue candidates", err)
	}

	return out, nil
}

// MarkDone removes a settled mutation from the queue. Removing a mutation
// that is no longer queued is a no-op.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteMutation, id); err != nil {
		return storeErr("mark done "+id, err)
	}

	return nil
}

// IncrementRetry bumps the retry counter in place and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx, sqlIncrementRetry, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storeErr("increment retry "+id, ErrNotFound)
	}

	if err != nil {
		return 0, storeErr("increment retry "+id, err)
	}

	return n, nil
}

// QueueLen returns the number of queued mutations.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, sqlCountMutations).Scan(&n); err != nil {
		return 0, storeErr("queue length", err)
	}

	return n, nil
}
