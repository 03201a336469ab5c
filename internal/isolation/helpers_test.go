package isolation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"isolator/internal/config"
	"isolator/internal/control"
	"isolator/internal/domain"
	"isolator/internal/metadata"
	"isolator/internal/state"
	"isolator/internal/storage"
	"isolator/internal/storage/memory"
)

// journal records collaborator calls in order.
type journal struct {
	mu        sync.Mutex
	events    []string
	confirmed map[domain.PartitionKey]bool
	closes    int
	early     []domain.PartitionKey
}

func newJournal() *journal { return &journal{confirmed: make(map[domain.PartitionKey]bool)} }

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) closeCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closes
}

type fakeConsumer struct {
	j        *journal
	gate     chan struct{}
	confirm  bool
	stopErr  error
	startErr error
	onStop   func()

	mu        sync.Mutex
	started   []domain.PartitionKey
	consuming map[domain.PartitionKey]bool
	stops     int
}

func newFakeConsumer(j *journal) *fakeConsumer { return &fakeConsumer{j: j, confirm: true} }

func (f *fakeConsumer) StartConsumption(_ context.Context, cfg config.StreamConfig, partition int) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := domain.PartitionKey{Stream: cfg.Name, Partition: partition}
	f.started = append(f.started, key)
	if f.consuming == nil {
		f.consuming = make(map[domain.PartitionKey]bool)
	}
	f.consuming[key] = true
	return nil
}

func (f *fakeConsumer) IsConsuming(stream string, partition int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consuming[domain.PartitionKey{Stream: stream, Partition: partition}]
}

func (f *fakeConsumer) StopConsumptionAndWait(ctx context.Context, cfg config.StreamConfig, partition int, _ int, _ time.Duration) bool {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return false
		}
	}
	key := domain.PartitionKey{Stream: cfg.Name, Partition: partition}
	f.j.mu.Lock()
	f.j.confirmed[key] = true
	f.j.mu.Unlock()
	if f.confirm {
		f.mu.Lock()
		delete(f.consuming, key)
		f.mu.Unlock()
	}
	return f.confirm
}

func (f *fakeConsumer) Stop() error {
	if f.onStop != nil {
		f.onStop()
	}
	f.j.add("consumer.stop")
	return f.stopErr
}

func (f *fakeConsumer) startedKeys() []domain.PartitionKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PartitionKey(nil), f.started...)
}

func (f *fakeConsumer) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// watchedEngine flags a partition closed before its consumption stop was
// confirmed.
type watchedEngine struct {
	*memory.Engine
	stream string
	j      *journal
}

func (e *watchedEngine) ClosePartition(p int) error {
	e.j.mu.Lock()
	key := domain.PartitionKey{Stream: e.stream, Partition: p}
	if !e.j.confirmed[key] {
		e.j.early = append(e.j.early, key)
	}
	e.j.closes++
	e.j.mu.Unlock()
	return e.Engine.ClosePartition(p)
}

type fakeStorage struct {
	*storage.Service
	j       *journal
	stopErr error
}

func (s *fakeStorage) Stop() error {
	s.j.add("storage.stop")
	if err := s.Service.Stop(); err != nil {
		return err
	}
	return s.stopErr
}

func newFakeStorage(j *journal) *fakeStorage {
	svc := storage.NewService(func(stream string) (storage.PartitionEngine, error) {
		return &watchedEngine{Engine: memory.New(), stream: stream, j: j}, nil
	})
	return &fakeStorage{Service: svc, j: j}
}

type captureSender struct {
	mu      sync.Mutex
	reports []*control.TaskReport
	err     error
}

func (s *captureSender) SendRequest(_ context.Context, action control.Action, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	tr, err := control.UnmarshalTaskReport(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if action == control.ActionReport {
		s.reports = append(s.reports, tr)
	}
	return nil
}

func (s *captureSender) sent() []*control.TaskReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*control.TaskReport(nil), s.reports...)
}

type fixture struct {
	coord    *Coordinator
	j        *journal
	consumer *fakeConsumer
	storage  *fakeStorage
	meta     *metadata.Store
	sender   *captureSender
}

func testSettings() Settings {
	s := DefaultSettings()
	s.Host = "127.0.0.1"
	s.BindAttempts = 20
	s.BindInterval = 5 * time.Millisecond
	s.ReleaseTimeout = 50 * time.Millisecond
	s.ShutdownTimeout = time.Second
	s.CompletionStop = config.StopPolicy{Attempts: 1, Timeout: 200 * time.Millisecond}
	s.ErrorStop = config.StopPolicy{Attempts: 2, Timeout: 20 * time.Millisecond}
	s.ReportTimeout = time.Second
	return s
}

// newFixture builds an activated coordinator with fakes for consumption,
// storage and report transport and a real metadata store.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	meta, err := metadata.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	loader, err := config.NewLoader(map[string]config.StreamConfig{
		"storeC_v1": {VersionStateRequired: false},
	})
	require.NoError(t, err)

	j := newJournal()
	f := &fixture{j: j, consumer: newFakeConsumer(j), storage: newFakeStorage(j), meta: meta, sender: &captureSender{}}
	base := []Option{
		WithSettings(testSettings()),
		WithConsumer(f.consumer),
		WithStorage(f.storage),
		WithMetadata(meta),
		WithReporter(f.sender),
		WithStreamConfigs(loader),
	}
	f.coord = New(0, append(base, opts...)...)
	require.NoError(t, f.coord.Activate())
	t.Cleanup(func() { _ = f.coord.Stop() })
	return f
}

func (f *fixture) seed(t *testing.T, stream string, partition int, offset int64, withVersionState bool) {
	t.Helper()
	ctx := context.Background()
	cp := state.NewCheckpoint()
	cp.Advance(offset, time.Now())
	cp.EndOfPush = true
	require.NoError(t, f.meta.PutCheckpoint(ctx, stream, partition, cp, nil))
	if withVersionState {
		require.NoError(t, f.meta.PutVersionState(ctx, stream, state.VersionState{Sorted: true, Compression: state.CompressionNone}))
	}
	engine, err := f.storage.Repository().OpenEngine(stream)
	require.NoError(t, err)
	require.NoError(t, engine.OpenPartition(partition))
}
