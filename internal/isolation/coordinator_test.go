package isolation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isolator/internal/control"
	"isolator/internal/domain"
	"isolator/internal/metadata"
	"isolator/internal/workerpool"
)

func TestCompletionWithoutVersionStateSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "storeA_v1", 3, 10, false)

	_, err := f.coord.ReportCompletion(context.Background(), domain.Report{Stream: "storeA_v1", Partition: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingVersionState)
	assert.Empty(t, f.sender.sent())
}

func TestCompletionWithoutRequiredVersionStateSucceeds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "storeC_v1", 0, 5, false)

	r, err := f.coord.ReportCompletion(context.Background(), domain.Report{Stream: "storeC_v1", Partition: 0})
	require.NoError(t, err)
	assert.Nil(t, r.VersionState)
	require.Len(t, f.sender.sent(), 1)
}

func TestCompletionFillsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "storeA_v1", 3, 42, true)

	r, err := f.coord.ReportCompletion(context.Background(), domain.Report{Stream: "storeA_v1", Partition: 3})
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusCompleted, r.Status)
	assert.Equal(t, int64(42), r.Offset)
	assert.NotEmpty(t, r.Checkpoint)
	assert.NotEmpty(t, r.VersionState)

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "storeA_v1", sent[0].TopicName)
	assert.Equal(t, int32(control.ReportTypeCompletion), sent[0].ReportType)
	assert.Equal(t, 1, f.j.closeCount())

	engine, ok := f.storage.Repository().LocalEngine("storeA_v1")
	require.True(t, ok)
	assert.NotContains(t, engine.Partitions(), 3)
}

func TestCloseWaitsForStopConfirmation(t *testing.T) {
	f := newFixture(t)
	f.consumer.gate = make(chan struct{})
	const partitions = 4
	for p := 0; p < partitions; p++ {
		f.seed(t, "storeA_v1", p, int64(p), true)
	}

	var wg sync.WaitGroup
	errs := make(chan error, partitions)
	for p := 0; p < partitions; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, err := f.coord.ReportCompletion(context.Background(), domain.Report{Stream: "storeA_v1", Partition: p})
			errs <- err
		}(p)
	}

	require.Eventually(t, func() bool { return f.consumer.stopCount() == partitions }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.j.closeCount())

	close(f.consumer.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, partitions, f.j.closeCount())
	assert.Empty(t, f.j.early)
}

func TestUnconfirmedStopStillClosesPartition(t *testing.T) {
	f := newFixture(t)
	f.consumer.confirm = false
	f.seed(t, "storeA_v1", 1, 7, true)

	_, err := f.coord.ReportCompletion(context.Background(), domain.Report{Stream: "storeA_v1", Partition: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, f.j.closeCount())
	assert.Len(t, f.sender.sent(), 1)
}

func TestTransmissionFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("controller unreachable")
	f.seed(t, "storeA_v1", 2, 9, true)

	r, err := f.coord.ReportCompletion(context.Background(), domain.Report{Stream: "storeA_v1", Partition: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusCompleted, r.Status)
}

func TestReportErrorCarriesMessage(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "storeA_v1", 4, 3, true)

	err := f.coord.ReportError(context.Background(), domain.Report{Stream: "storeA_v1", Partition: 4, ErrorMessage: "decode failure"})
	require.NoError(t, err)
	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, int32(domain.ReportStatusError), sent[0].Status)
	assert.Equal(t, "decode failure", sent[0].ErrorMessage)
	assert.Empty(t, sent[0].OffsetRecord)
	assert.Equal(t, 1, f.j.closeCount())
}

func TestOnCompletedReportsAndClearsTracker(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "storeA_v1", 5, 100, true)

	f.coord.OnCompleted("storeA_v1", 5, 100)
	require.Eventually(t, func() bool { return len(f.sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.coord.tracker.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(100), f.sender.sent()[0].Offset)
}

func TestOnErrorReportsError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "storeA_v1", 6, 1, true)

	f.coord.OnError("storeA_v1", 6, errors.New("fetch failed"))
	require.Eventually(t, func() bool { return len(f.sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	sent := f.sender.sent()[0]
	assert.Equal(t, int32(domain.ReportStatusError), sent.Status)
	assert.Equal(t, "fetch failed", sent.ErrorMessage)
	require.Eventually(t, func() bool { return f.j.closeCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestActivate(t *testing.T) {
	c := New(0)
	defer c.Stop()
	err := c.Activate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage")
	assert.False(t, c.Initiated())

	_, err = c.ReportCompletion(context.Background(), domain.Report{Stream: "s"})
	assert.ErrorIs(t, err, ErrNotInitiated)

	f := newFixture(t)
	assert.True(t, f.coord.Initiated())
	assert.ErrorIs(t, f.coord.Activate(), ErrAlreadyInitiated)
}

func TestStopOrderAndErrorSurfacing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Start(context.Background()))
	addr := f.coord.Addr()
	f.consumer.stopErr = errors.New("consumer wedged")
	f.storage.stopErr = errors.New("flush failed")
	f.consumer.onStop = func() {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			f.j.add("listener.open")
			return
		}
		f.j.add("listener.closed")
	}

	err := f.coord.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop consumption: consumer wedged")
	assert.Contains(t, err.Error(), "stop storage: flush failed")
	assert.Equal(t, []string{"listener.closed", "consumer.stop", "storage.stop"}, f.j.snapshot())
	assert.ErrorIs(t, f.coord.pool.Submit(func(context.Context) {}), workerpool.ErrPoolClosed)

	assert.Equal(t, err, f.coord.Stop())
	select {
	case <-f.coord.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.ErrorIs(t, f.coord.Start(context.Background()), ErrStopped)
}

func TestShutdownRejectedFromRemotePeer(t *testing.T) {
	f := newFixture(t)
	req := &control.Request{RequestId: "r1", Action: int32(control.ActionShutdown)}

	res, ok := f.coord.handleInline(req, &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 4000})
	require.True(t, ok)
	assert.Equal(t, int32(control.StatusBadRequest), res.StatusCode)
	select {
	case <-f.coord.Done():
		t.Fatal("remote shutdown stopped the coordinator")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDistinctPartitionsRunConcurrently(t *testing.T) {
	f := newFixture(t)
	for p := 0; p < 8; p++ {
		f.seed(t, "storeA_v1", p, int64(p), true)
	}
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, err := f.coord.ReportCompletion(context.Background(), domain.Report{Stream: "storeA_v1", Partition: p})
			assert.NoError(t, err, fmt.Sprintf("partition %d", p))
		}(p)
	}
	wg.Wait()
	assert.Len(t, f.sender.sent(), 8)
}

func TestMissingCheckpointIsReported(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.ReportCompletion(context.Background(), domain.Report{Stream: "storeB_v1", Partition: 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, metadata.ErrNoCheckpoint)
	assert.Empty(t, f.sender.sent())
}
