// Package sqlite is a storage engine keeping one SQLite database per
// partition. Writes are buffered in a per-partition memtable of lazy handles
// and materialized only when the memtable is flushed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"isolator/internal/lazy"
	"isolator/internal/storage"

	_ "modernc.org/sqlite"
)

const (
	schema = `
CREATE TABLE IF NOT EXISTS kv (
	key BLOB PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;
`
	DefaultMemtableSize = 1024
)

type pending struct {
	value   lazy.Value[[]byte]
	deleted bool
}

type partition struct {
	db       *sql.DB
	memtable map[string]pending
}

type Engine struct {
	dir          string
	memtableSize int

	mu         sync.Mutex
	partitions map[int]*partition
	closed     bool
}

var _ storage.PartitionEngine = (*Engine)(nil)

// Open returns an engine storing partition databases under dir.
func Open(dir string, memtableSize int) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir storage dir: %w", err)
	}
	if memtableSize <= 0 {
		memtableSize = DefaultMemtableSize
	}
	return &Engine{dir: dir, memtableSize: memtableSize, partitions: make(map[int]*partition)}, nil
}

// NewFactory returns a storage.Factory placing each stream under baseDir.
func NewFactory(baseDir string, memtableSize int) storage.Factory {
	return func(stream string) (storage.PartitionEngine, error) {
		return Open(filepath.Join(baseDir, stream), memtableSize)
	}
}

// PartitionPath is the database file of partition p.
func (e *Engine) PartitionPath(p int) string {
	return filepath.Join(e.dir, fmt.Sprintf("p%03d.db", p))
}

func (e *Engine) OpenPartition(p int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return storage.ErrEngineClosed
	}
	if _, ok := e.partitions[p]; ok {
		return nil
	}
	db, err := openSQLite(e.PartitionPath(p))
	if err != nil {
		return fmt.Errorf("open partition %d: %w", p, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("init partition %d: %w", p, err)
	}
	e.partitions[p] = &partition{db: db, memtable: make(map[string]pending)}
	return nil
}

func (e *Engine) ClosePartition(p int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	part, ok := e.partitions[p]
	if !ok {
		return nil
	}
	delete(e.partitions, p)
	return closePartition(part)
}

func (e *Engine) Partitions() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, 0, len(e.partitions))
	for p := range e.partitions {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (e *Engine) Put(ctx context.Context, key lazy.Value[[]byte], value lazy.Value[[]byte], p int) error {
	return e.buffer(ctx, key, pending{value: value}, p)
}

// Delete of a key still in the memtable drops its value unmaterialized.
func (e *Engine) Delete(ctx context.Context, key lazy.Value[[]byte], p int) error {
	return e.buffer(ctx, key, pending{deleted: true}, p)
}

func (e *Engine) buffer(ctx context.Context, key lazy.Value[[]byte], op pending, p int) error {
	k, err := key.Get()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	part, err := e.partitionLocked(p)
	if err != nil {
		return err
	}
	part.memtable[string(k)] = op
	if len(part.memtable) >= e.memtableSize {
		return flush(ctx, part)
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, key lazy.Value[[]byte], p int) (lazy.Value[[]byte], bool, error) {
	k, err := key.Get()
	if err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	part, err := e.partitionLocked(p)
	if err != nil {
		e.mu.Unlock()
		return nil, false, err
	}
	if op, ok := part.memtable[string(k)]; ok {
		e.mu.Unlock()
		if op.deleted {
			return nil, false, nil
		}
		return op.value, true, nil
	}
	db := part.db
	e.mu.Unlock()

	var raw []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, k).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return lazy.Ready(raw), true, nil
}

// Flush writes the memtable of partition p.
func (e *Engine) Flush(ctx context.Context, p int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	part, err := e.partitionLocked(p)
	if err != nil {
		return err
	}
	return flush(ctx, part)
}

// FlushAll writes every buffered operation of every open partition.
func (e *Engine) FlushAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for _, part := range e.partitions {
		if err := flush(ctx, part); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	for p, part := range e.partitions {
		if err := closePartition(part); err != nil {
			errs = append(errs, fmt.Errorf("close partition %d: %w", p, err))
		}
	}
	e.partitions = nil
	return errors.Join(errs...)
}

func (e *Engine) partitionLocked(p int) (*partition, error) {
	if e.closed {
		return nil, storage.ErrEngineClosed
	}
	part, ok := e.partitions[p]
	if !ok {
		return nil, storage.ErrPartitionClosed
	}
	return part, nil
}

func closePartition(part *partition) error {
	return errors.Join(flush(context.Background(), part), part.db.Close())
}

// flush commits the memtable. Values that fail to materialize are evicted
// and reported as *storage.ValueError; the other entries are still written.
func flush(ctx context.Context, part *partition) error {
	if len(part.memtable) == 0 {
		return nil
	}
	var errs []error
	for k, op := range part.memtable {
		if op.deleted {
			continue
		}
		if _, err := op.value.Get(); err != nil {
			delete(part.memtable, k)
			errs = append(errs, &storage.ValueError{Key: []byte(k), Err: err})
		}
	}
	if err := write(ctx, part.db, part.memtable); err != nil {
		return errors.Join(append(errs, err)...)
	}
	part.memtable = make(map[string]pending)
	return errors.Join(errs...)
}

func write(ctx context.Context, db *sql.DB, memtable map[string]pending) error {
	if len(memtable) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for k, op := range memtable {
		if op.deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, []byte(k)); err != nil {
				return err
			}
			continue
		}
		v, _ := op.value.Get()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO kv(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, []byte(k), v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
