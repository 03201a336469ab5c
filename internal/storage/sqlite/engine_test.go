package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isolator/internal/lazy"
	"isolator/internal/storage"
)

func countingValue(counter *atomic.Int32, v string) lazy.Value[[]byte] {
	return lazy.Of(func() ([]byte, error) {
		counter.Add(1)
		return []byte(v), nil
	})
}

func TestSchemaInitializationCreatesKVTable(t *testing.T) {
	e, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.OpenPartition(0))

	db, err := sql.Open("sqlite", e.PartitionPath(0))
	require.NoError(t, err)
	defer db.Close()
	var cnt int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='kv'`).Scan(&cnt))
	assert.Equal(t, 1, cnt)
}

func TestPutThenDeleteNeverMaterializesValue(t *testing.T) {
	ctx := context.Background()
	e, err := Open(t.TempDir(), 16)
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.OpenPartition(3))

	var materialized atomic.Int32
	key := lazy.Ready([]byte("k"))
	require.NoError(t, e.Put(ctx, key, countingValue(&materialized, "v"), 3))
	require.NoError(t, e.Delete(ctx, key, 3))
	require.NoError(t, e.FlushAll(ctx))

	_, ok, err := e.Get(ctx, key, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, materialized.Load())
}

func TestValuesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e, err := Open(dir, 2)
	require.NoError(t, err)
	require.NoError(t, e.OpenPartition(1))

	var materialized atomic.Int32
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, e.Put(ctx, lazy.Ready([]byte(k)), countingValue(&materialized, "v-"+k), 1))
	}
	// memtable of two flushed once on the second put
	assert.Equal(t, int32(2), materialized.Load())
	require.NoError(t, e.ClosePartition(1))
	assert.Equal(t, int32(3), materialized.Load())
	require.NoError(t, e.Close())

	reopened, err := Open(dir, 2)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.OpenPartition(1))

	v, ok, err := reopened.Get(ctx, lazy.Ready([]byte("c")), 1)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := v.Get()
	require.NoError(t, err)
	assert.Equal(t, []byte("v-c"), got)

	_, ok, err = reopened.Get(ctx, lazy.Ready([]byte("missing")), 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRemovesFlushedKey(t *testing.T) {
	ctx := context.Background()
	e, err := Open(t.TempDir(), 1)
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.OpenPartition(0))

	key := lazy.Ready([]byte("k"))
	require.NoError(t, e.Put(ctx, key, lazy.Ready([]byte("v")), 0))
	require.NoError(t, e.Delete(ctx, key, 0))

	_, ok, err := e.Get(ctx, key, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	e, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, e.OpenPartition(0))
	require.NoError(t, e.ClosePartition(0))
	require.NoError(t, e.ClosePartition(0))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	err = e.OpenPartition(0)
	require.ErrorIs(t, err, storage.ErrEngineClosed)
}

func TestFlushWritesOnlyThatPartition(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e, err := Open(dir, 100)
	require.NoError(t, err)
	require.NoError(t, e.OpenPartition(0))
	require.NoError(t, e.OpenPartition(1))

	require.NoError(t, e.Put(ctx, lazy.Ready([]byte("a")), lazy.Ready([]byte("1")), 0))
	require.NoError(t, e.Put(ctx, lazy.Ready([]byte("b")), lazy.Ready([]byte("2")), 1))
	require.NoError(t, e.Flush(ctx, 0))

	db, err := sql.Open("sqlite", e.PartitionPath(0))
	require.NoError(t, err)
	defer db.Close()
	var v []byte
	require.NoError(t, db.QueryRow(`SELECT value FROM kv WHERE key=?`, []byte("a")).Scan(&v))
	assert.Equal(t, []byte("1"), v)

	other, err := sql.Open("sqlite", e.PartitionPath(1))
	require.NoError(t, err)
	defer other.Close()
	err = other.QueryRow(`SELECT value FROM kv WHERE key=?`, []byte("b")).Scan(&v)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	require.ErrorIs(t, e.Flush(ctx, 7), storage.ErrPartitionClosed)
	require.NoError(t, e.Close())
}

func TestFlushEvictsValueThatFailsToMaterialize(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e, err := Open(dir, 100)
	require.NoError(t, err)
	require.NoError(t, e.OpenPartition(2))

	corrupt := errors.New("corrupt payload")
	require.NoError(t, e.Put(ctx, lazy.Ready([]byte("good-1")), lazy.Ready([]byte("v1")), 2))
	require.NoError(t, e.Put(ctx, lazy.Ready([]byte("bad")), lazy.Of(func() ([]byte, error) { return nil, corrupt }), 2))
	require.NoError(t, e.Put(ctx, lazy.Ready([]byte("good-2")), lazy.Ready([]byte("v2")), 2))

	err = e.Flush(ctx, 2)
	require.ErrorIs(t, err, corrupt)
	var ve *storage.ValueError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []byte("bad"), ve.Key)

	// the bad entry is gone, so later flushes and the close succeed
	require.NoError(t, e.Flush(ctx, 2))
	require.NoError(t, e.ClosePartition(2))
	require.NoError(t, e.Close())

	reopened, err := Open(dir, 100)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.OpenPartition(2))
	for k, want := range map[string]string{"good-1": "v1", "good-2": "v2"} {
		v, ok, err := reopened.Get(ctx, lazy.Ready([]byte(k)), 2)
		require.NoError(t, err)
		require.True(t, ok, k)
		got, err := v.Get()
		require.NoError(t, err)
		assert.Equal(t, []byte(want), got)
	}
	_, ok, err := reopened.Get(ctx, lazy.Ready([]byte("bad")), 2)
	require.NoError(t, err)
	assert.False(t, ok)
}
