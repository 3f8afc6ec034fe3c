// Package storage implements the per-actor byte-KV and SQL database
// contract (spec.md §4.1) over a per-actor SQLite database opened with
// modernc.org/sqlite (pure Go, no cgo).
//
// Grounded on other_examples/00c8adb4_bobbydeveaux-starbucks-mugs__internal-queue-sqlite_queue.go.go:
// same driver, same WAL + synchronous=NORMAL + single-writer-connection
// recipe, generalized from "one queue table" to "a generic byte-KV table
// plus a singleton metadata row plus an alarm slot", per spec.md's schema.
package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Key tags for the byte-KV namespace, per spec.md §6.
var (
	keyPersist = []byte{0x01}
	connPrefix = byte(0x02)
)

// MetaRow mirrors the singleton metadata row schema in spec.md §6.
type MetaRow struct {
	Name       string
	Key        string // JSON array of strings
	Destroyed  bool
	Generation int64
}

// Store wraps one actor's SQLite database: the byte-KV table, the
// singleton metadata row, and the alarm slot.
type Store struct {
	db     *sql.DB
	hostID string
}

const ddl = `
CREATE TABLE IF NOT EXISTS kv_storage (
    key   BLOB PRIMARY KEY,
    value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS actor_metadata (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    name       TEXT NOT NULL DEFAULT '',
    key        TEXT NOT NULL DEFAULT '[]',
    destroyed  INTEGER NOT NULL DEFAULT 0,
    generation INTEGER NOT NULL DEFAULT 0,
    alarm_at   INTEGER
);
`

// Open opens (or creates) the SQLite database for hostID under dataDir,
// applies WAL mode and the schema, and returns a ready Store.
func Open(dataDir, hostID string) (*Store, error) {
	dir := filepath.Join(dataDir, hostID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("storage: mkdir %q: %w", dir, err)
	}
	return openPath(filepath.Join(dir, "state.db"), hostID)
}

// OpenMemory opens an in-memory database for hostID, used by tests that
// don't need on-disk durability.
func OpenMemory(hostID string) (*Store, error) {
	// A unique, named in-memory database per hostID so that concurrent
	// tests opening multiple "actors" don't share state, matching
	// SQLite's shared-cache in-memory semantics when given a name.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", hostID)
	return openPath(dsn, hostID)
}

func openPath(dsn, hostID string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", dsn, err)
	}
	// SQLite allows exactly one writer; pinning the pool to a single
	// connection serializes writers and avoids SQLITE_BUSY under
	// concurrent actor wake/suspend, same rationale as the grounding
	// example.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	return &Store{db: db, hostID: hostID}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// HostID returns the host id this store was opened for.
func (s *Store) HostID() string { return s.hostID }

//
// Byte-KV
//

// KVGet returns the value stored at key, or ok=false if absent.
func (s *Store) KVGet(ctx context.Context, key []byte) (value []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv_storage WHERE key = ?`, key)
	var v []byte
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: kv get: %w", err)
	}
	return v, true, nil
}

// KVPut atomically upserts key/value.
func (s *Store) KVPut(ctx context.Context, key, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_storage (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: kv put: %w", err)
	}
	return nil
}

// KVDelete removes key, if present.
func (s *Store) KVDelete(ctx context.Context, key []byte) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_storage WHERE key = ?`, key); err != nil {
		return fmt.Errorf("storage: kv delete: %w", err)
	}
	return nil
}

// KVPair is one row returned by KVListPrefix.
type KVPair struct {
	Key   []byte
	Value []byte
}

// KVListPrefix enumerates all keys with the given prefix. Enumeration
// order is unspecified, per spec.md §4.1.
func (s *Store) KVListPrefix(ctx context.Context, prefix []byte) ([]KVPair, error) {
	upper := prefixUpperBound(prefix)
	var rows *sql.Rows
	var err error
	if upper == nil {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv_storage WHERE key >= ?`, prefix)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv_storage WHERE key >= ? AND key < ?`, prefix, upper)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: kv list prefix: %w", err)
	}
	defer rows.Close()

	var out []KVPair
	for rows.Next() {
		var p KVPair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, fmt.Errorf("storage: kv list prefix scan: %w", err)
		}
		if !bytes.HasPrefix(p.Key, prefix) {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// prefixUpperBound returns the smallest byte string greater than every
// string starting with prefix, or nil if prefix is all 0xFF (no upper
// bound; callers fall back to an open-ended scan).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

//
// Persist blob (kv[0x01]) with transparent zstd compression above a
// configurable threshold (SPEC_FULL.md §4.1).
//

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

const compressedMagic = "ZST1"

// PutState writes the actor's persist blob, compressing it with zstd when
// it exceeds threshold bytes.
func (s *Store) PutState(ctx context.Context, data []byte, threshold int) error {
	if threshold > 0 && len(data) > threshold {
		compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
		framed := append([]byte(compressedMagic), compressed...)
		return s.KVPut(ctx, keyPersist, framed)
	}
	return s.KVPut(ctx, keyPersist, data)
}

// GetState reads the actor's persist blob, transparently decompressing it
// if it was written compressed.
func (s *Store) GetState(ctx context.Context) (data []byte, ok bool, err error) {
	raw, ok, err := s.KVGet(ctx, keyPersist)
	if err != nil || !ok {
		return nil, ok, err
	}
	if len(raw) >= len(compressedMagic) && string(raw[:len(compressedMagic)]) == compressedMagic {
		out, derr := zstdDecoder.DecodeAll(raw[len(compressedMagic):], nil)
		if derr != nil {
			return nil, false, fmt.Errorf("storage: decompress state: %w", derr)
		}
		return out, true, nil
	}
	return raw, true, nil
}

//
// Connection KV (kv[0x02, ...connId])
//

func connKey(connID string) []byte {
	key := make([]byte, 0, 1+len(connID))
	key = append(key, connPrefix)
	key = append(key, connID...)
	return key
}

func (s *Store) PutConn(ctx context.Context, connID string, data []byte) error {
	return s.KVPut(ctx, connKey(connID), data)
}

func (s *Store) GetConn(ctx context.Context, connID string) ([]byte, bool, error) {
	return s.KVGet(ctx, connKey(connID))
}

func (s *Store) DeleteConn(ctx context.Context, connID string) error {
	return s.KVDelete(ctx, connKey(connID))
}

func (s *Store) ListConns(ctx context.Context) ([]KVPair, error) {
	return s.KVListPrefix(ctx, []byte{connPrefix})
}

//
// SQL (actor-defined relational state)
//

// SQLExec runs a statement that doesn't return rows (INSERT/UPDATE/DELETE/
// DDL/BEGIN/COMMIT/ROLLBACK), per spec.md's SQLite-compatible dialect.
func (s *Store) SQLExec(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: sql exec: %w", err)
	}
	return res, nil
}

// SQLQuery runs a statement that returns rows.
func (s *Store) SQLQuery(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: sql query: %w", err)
	}
	return rows, nil
}

// SQLQueryRow runs a statement expected to return at most one row.
func (s *Store) SQLQueryRow(ctx context.Context, stmt string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, stmt, args...)
}

// WithTx runs fn inside a single SQL transaction, used by the metadata
// registry to make create/destroy's read-modify-write sequence atomic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

//
// Metadata row + alarm slot
//

// GetMetaRow reads the singleton metadata row, or ok=false if no row has
// ever been written for this host id.
func (s *Store) GetMetaRow(ctx context.Context, tx *sql.Tx) (row MetaRow, ok bool, err error) {
	query := `SELECT name, key, destroyed, generation FROM actor_metadata WHERE id = 1`
	var scanErr error
	var destroyed int
	if tx != nil {
		scanErr = tx.QueryRowContext(ctx, query).Scan(&row.Name, &row.Key, &destroyed, &row.Generation)
	} else {
		scanErr = s.db.QueryRowContext(ctx, query).Scan(&row.Name, &row.Key, &destroyed, &row.Generation)
	}
	if scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return MetaRow{}, false, nil
		}
		return MetaRow{}, false, fmt.Errorf("storage: get meta row: %w", scanErr)
	}
	row.Destroyed = destroyed != 0
	return row, true, nil
}

// PutMetaRow upserts the singleton metadata row.
func (s *Store) PutMetaRow(ctx context.Context, tx *sql.Tx, row MetaRow) error {
	stmt := `INSERT INTO actor_metadata (id, name, key, destroyed, generation)
	         VALUES (1, ?, ?, ?, ?)
	         ON CONFLICT(id) DO UPDATE SET
	           name = excluded.name, key = excluded.key,
	           destroyed = excluded.destroyed, generation = excluded.generation`
	destroyed := 0
	if row.Destroyed {
		destroyed = 1
	}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, stmt, row.Name, row.Key, destroyed, row.Generation)
	} else {
		_, err = s.db.ExecContext(ctx, stmt, row.Name, row.Key, destroyed, row.Generation)
	}
	if err != nil {
		return fmt.Errorf("storage: put meta row: %w", err)
	}
	return nil
}

// WipeKV deletes every kv_storage row, used by destroy (spec.md §4.8:
// "DELETE FROM kv_storage").
func (s *Store) WipeKV(ctx context.Context, tx *sql.Tx) error {
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM kv_storage`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM kv_storage`)
	}
	if err != nil {
		return fmt.Errorf("storage: wipe kv: %w", err)
	}
	return nil
}

// AlarmSet persists the wake time, replacing any previously-set alarm.
func (s *Store) AlarmSet(ctx context.Context, timestampMs int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE actor_metadata SET alarm_at = ? WHERE id = 1`, timestampMs); err != nil {
		return fmt.Errorf("storage: alarm set: %w", err)
	}
	return nil
}

// AlarmClear removes any pending alarm.
func (s *Store) AlarmClear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE actor_metadata SET alarm_at = NULL WHERE id = 1`); err != nil {
		return fmt.Errorf("storage: alarm clear: %w", err)
	}
	return nil
}

// AlarmGet returns the pending alarm timestamp, if any.
func (s *Store) AlarmGet(ctx context.Context) (timestampMs int64, ok bool, err error) {
	var ts sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT alarm_at FROM actor_metadata WHERE id = 1`)
	if scanErr := row.Scan(&ts); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("storage: alarm get: %w", scanErr)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}
