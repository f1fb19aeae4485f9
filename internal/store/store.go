// Package store is the durable local store: a per-entity cache table and an
// append-only mutation queue, both in one SQLite database. Every write is
// committed with synchronous=FULL before the call returns, so a queued
// mutation is never visible to the sync engine before it is crash-safe.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/unicode/norm"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// SQL statements for cache operations.
const (
	sqlUpsertCache = `INSERT INTO cache (entity_type, entity_id, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		 value = excluded.value,
		 updated_at = excluded.updated_at`

	sqlGetCache = `SELECT value, updated_at FROM cache
		WHERE entity_type = ? AND entity_id = ?`

	sqlScanCache = `SELECT entity_id, value, updated_at FROM cache
		WHERE entity_type = ? ORDER BY entity_id`

	sqlDeleteCache = `DELETE FROM cache WHERE entity_type = ? AND entity_id = ?`

	sqlPurgeCache = `DELETE FROM cache WHERE entity_type = ?`
)

// Record is one cached entity snapshot.
type Record struct {
	EntityType string
	EntityID   string
	Value      json.RawMessage
	UpdatedAt  time.Time
}

// Store owns the SQLite database holding the cache and the mutation queue.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if missing) the SQLite database at dbPath and runs
// migrations. WAL mode with synchronous=FULL gives crash-safe commits.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open "+dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, storeErr("migrate", err)
	}

	logger.Info("local store opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// normalizeKey returns the NFC form of an entity type or id, so that two
// visually identical identifiers address the same row.
func normalizeKey(s string) string {
	return norm.NFC.String(s)
}

// Put upserts the snapshot for (entityType, id). Repeating an identical Put
// leaves the row unchanged.
func (s *Store) Put(ctx context.Context, entityType, id string, value json.RawMessage, updatedAt time.Time) error {
	return s.putWith(ctx, s.db, entityType, id, value, updatedAt)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) putWith(
	ctx context.Context, db execer, entityType, id string, value json.RawMessage, updatedAt time.Time,
) error {
	if len(value) == 0 {
		return storeErr("put", fmt.Errorf("empty value for %s/%s", entityType, id))
	}

	_, err := db.ExecContext(ctx, sqlUpsertCache,
		normalizeKey(entityType), normalizeKey(id), []byte(value), updatedAt.UnixNano())
	if err != nil {
		return storeErr(fmt.Sprintf("put %s/%s", entityType, id), err)
	}

	return nil
}

// Get returns the cached snapshot for (entityType, id). A missing record is
// reported as found=false with a nil error.
func (s *Store) Get(ctx context.Context, entityType, id string) (Record, bool, error) {
	return s.getWith(ctx, s.db, entityType, id)
}

func (s *Store) getWith(ctx context.Context, db execer, entityType, id string) (Record, bool, error) {
	var (
		value   []byte
		updated int64
	)

	err := db.QueryRowContext(ctx, sqlGetCache, normalizeKey(entityType), normalizeKey(id)).
		Scan(&value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}

	if err != nil {
		return Record{}, false, storeErr(fmt.Sprintf("get %s/%s", entityType, id), err)
	}

	return Record{
		EntityType: normalizeKey(entityType),
		EntityID:   normalizeKey(id),
		Value:      value,
		UpdatedAt:  time.Unix(0, updated),
	}, true, nil
}

// Scan returns all cached snapshots of entityType ordered by entity id.
func (s *Store) Scan(ctx context.Context, entityType string) ([]Record, error) {
	et := normalizeKey(entityType)

	rows, err := s.db.QueryContext(ctx, sqlScanCache, et)
	if err != nil {
		return nil, storeErr("scan "+entityType, err)
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		var (
			r       = Record{EntityType: et}
			value   []byte
			updated int64
		)

		if err := rows.Scan(&r.EntityID, &value, &updated); err != nil {
			return nil, storeErr("scan "+entityType, err)
		}

		r.Value = value
		r.UpdatedAt = time.Unix(0, updated)
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("scan "+entityType, err)
	}

	return out, nil
}

// Delete removes a single cached snapshot. Deleting a missing record is a no-op.
func (s *Store) Delete(ctx context.Context, entityType, id string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteCache, normalizeKey(entityType), normalizeKey(id)); err != nil {
		return storeErr(fmt.Sprintf("delete %s/%s", entityType, id), err)
	}

	return nil
}

// Purge removes every cached snapshot of entityType and returns how many
// rows were removed. Queued mutations are not touched.
func (s *Store) Purge(ctx context.Context, entityType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlPurgeCache, normalizeKey(entityType))
	if err != nil {
		return 0, storeErr("purge "+entityType, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("purge "+entityType, err)
	}

	s.logger.Info("cache purged",
		slog.String("entity_type", entityType),
		slog.Int64("rows", n),
	)

	return n, nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op+": begin", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr(op+": commit", err)
	}

	return nil
}
