package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isolator/internal/domain"
)

var key = domain.PartitionKey{Stream: "storeA_v1", Partition: 3}

func TestLookupUnknownIsNotSubscribed(t *testing.T) {
	tr := NewTracker()
	e, ok := tr.Lookup(key)
	assert.False(t, ok)
	assert.Nil(t, e)
}

func TestSubscribeIsInsertIfAbsent(t *testing.T) {
	tr := NewTracker()
	const n = 32
	var created atomic.Int32
	entries := make([]*Entry, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, c := tr.Subscribe(key)
			entries[i] = e
			if c {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, e := range entries {
		assert.Same(t, entries[0], e)
	}
	assert.Equal(t, 1, tr.Len())
}

func TestEntryResolvesExactlyOnce(t *testing.T) {
	tr := NewTracker()
	e, _ := tr.Subscribe(key)
	assert.Equal(t, StatusPending, e.Status())

	assert.True(t, e.Claim())
	assert.False(t, e.Claim())

	require.NoError(t, e.Resolve(domain.Report{Stream: key.Stream, Partition: key.Partition, Status: domain.ReportStatusCompleted}))
	require.ErrorIs(t, e.Resolve(domain.Report{}), ErrAlreadyResolved)
	require.ErrorIs(t, e.Fail(domain.Report{ErrorMessage: "late"}, nil), ErrAlreadyResolved)
	assert.Equal(t, StatusCompleted, e.Status())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := e.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusCompleted, r.Status)
}

func TestFailCarriesError(t *testing.T) {
	e := newEntry(key)
	boom := errors.New("boom")
	require.NoError(t, e.Fail(domain.Report{Status: domain.ReportStatusError, ErrorMessage: "boom"}, boom))
	assert.Equal(t, StatusErrored, e.Status())
	_, err := e.Wait(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestWaitHonorsContext(t *testing.T) {
	e := newEntry(key)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoveOnlyMatchingInstance(t *testing.T) {
	tr := NewTracker()
	first, _ := tr.Subscribe(key)
	require.True(t, tr.Remove(key, first))

	second, created := tr.Subscribe(key)
	require.True(t, created)
	assert.False(t, tr.Remove(key, first))

	got, ok := tr.Lookup(key)
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, []domain.PartitionKey{key}, tr.Keys())
}
