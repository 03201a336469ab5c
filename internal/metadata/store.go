// Package metadata persists ingestion progress: per-partition checkpoints
// and transformer checksums, and per-version state.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"isolator/internal/state"

	_ "modernc.org/sqlite"
)

// ErrNoCheckpoint is returned when a partition has never been checkpointed.
var ErrNoCheckpoint = errors.New("no checkpoint recorded")

const schema = `
CREATE TABLE IF NOT EXISTS partition_checkpoints (
	stream TEXT NOT NULL,
	partition_id INTEGER NOT NULL,
	checkpoint BLOB NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (stream, partition_id)
);

CREATE TABLE IF NOT EXISTS transformer_checksums (
	stream TEXT NOT NULL,
	partition_id INTEGER NOT NULL,
	checksum BLOB NOT NULL,
	PRIMARY KEY (stream, partition_id)
);

CREATE TABLE IF NOT EXISTS version_states (
	stream TEXT PRIMARY KEY,
	state BLOB NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the metadata database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir metadata dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers without SQLITE_BUSY retries
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init metadata schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// PutCheckpoint replaces the checkpoint of a partition. When checksum is
// non-nil it is stored in the same transaction.
func (s *Store) PutCheckpoint(ctx context.Context, stream string, partition int, cp state.Checkpoint, checksum []byte) error {
	b, err := state.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO partition_checkpoints(stream, partition_id, checkpoint, updated_at_utc_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(stream, partition_id) DO UPDATE SET checkpoint=excluded.checkpoint, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		stream, partition, b, time.Now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	if checksum != nil {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO transformer_checksums(stream, partition_id, checksum) VALUES(?, ?, ?)
ON CONFLICT(stream, partition_id) DO UPDATE SET checksum=excluded.checksum`,
			stream, partition, checksum); err != nil {
			return fmt.Errorf("upsert transformer checksum: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) LastCheckpoint(ctx context.Context, stream string, partition int) (state.Checkpoint, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT checkpoint FROM partition_checkpoints WHERE stream=? AND partition_id=?`, stream, partition).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Checkpoint{}, fmt.Errorf("%w for %s/%d", ErrNoCheckpoint, stream, partition)
	}
	if err != nil {
		return state.Checkpoint{}, err
	}
	return state.DecodeCheckpoint(b)
}

func (s *Store) PutTransformerChecksum(ctx context.Context, stream string, partition int, checksum []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transformer_checksums(stream, partition_id, checksum) VALUES(?, ?, ?)
ON CONFLICT(stream, partition_id) DO UPDATE SET checksum=excluded.checksum`,
		stream, partition, checksum)
	return err
}

func (s *Store) TransformerChecksum(ctx context.Context, stream string, partition int) ([]byte, bool, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT checksum FROM transformer_checksums WHERE stream=? AND partition_id=?`, stream, partition).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) PutVersionState(ctx context.Context, stream string, vs state.VersionState) error {
	b, err := state.EncodeVersionState(vs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO version_states(stream, state, updated_at_utc_ns) VALUES(?, ?, ?)
ON CONFLICT(stream) DO UPDATE SET state=excluded.state, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		stream, b, time.Now().UTC().UnixNano())
	return err
}

func (s *Store) VersionState(ctx context.Context, stream string) (state.VersionState, bool, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM version_states WHERE stream=?`, stream).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return state.VersionState{}, false, nil
	}
	if err != nil {
		return state.VersionState{}, false, err
	}
	vs, err := state.DecodeVersionState(b)
	if err != nil {
		return state.VersionState{}, false, err
	}
	return vs, true, nil
}

// ClearPartition forgets the checkpoint and checksum of a partition.
func (s *Store) ClearPartition(ctx context.Context, stream string, partition int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM partition_checkpoints WHERE stream=? AND partition_id=?`, stream, partition); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transformer_checksums WHERE stream=? AND partition_id=?`, stream, partition); err != nil {
		return err
	}
	return tx.Commit()
}
