// Package consumer is the consumption engine: it tails change-log partitions
// and applies their records to local storage.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"isolator/internal/config"
	"isolator/internal/domain"
	"isolator/internal/kafkaclient"
	"isolator/internal/lazy"
	"isolator/internal/logctx"
	"isolator/internal/metadata"
	"isolator/internal/metrics"
	"isolator/internal/state"
	"isolator/internal/storage"
)

var ErrStopped = errors.New("consumption service stopped")

const (
	maxFetchFailures = 10
	fetchBackoff     = 200 * time.Millisecond
)

// Store is the part of the metadata layer ingestion writes.
type Store interface {
	LastCheckpoint(ctx context.Context, stream string, partition int) (state.Checkpoint, error)
	PutCheckpoint(ctx context.Context, stream string, partition int, cp state.Checkpoint, checksum []byte) error
	VersionState(ctx context.Context, stream string) (state.VersionState, bool, error)
	PutVersionState(ctx context.Context, stream string, vs state.VersionState) error
	TransformerChecksum(ctx context.Context, stream string, partition int) ([]byte, bool, error)
}

// Listener is told when a partition reaches end of push or fails. Callbacks
// run on their own goroutine.
type Listener interface {
	OnCompleted(stream string, partition int, offset int64)
	OnError(stream string, partition int, err error)
}

// Transformer rewrites a value before it is stored.
type Transformer func(key, value []byte) ([]byte, error)

var zstdDecoder, _ = zstd.NewReader(nil)

type task struct {
	key     domain.PartitionKey
	cfg     config.StreamConfig
	engine  storage.PartitionEngine
	fetcher Fetcher
	cancel  context.CancelFunc
	stopped chan struct{}

	cp              state.Checkpoint
	versionState    *state.VersionState
	checksum        *state.Checksum
	sinceCheckpoint int
	persistErr      error
}

type Service struct {
	repo       *storage.Repository
	meta       Store
	newFetcher FetcherFactory
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	interval   int
	transform  Transformer
	now        func() time.Time

	mu       sync.Mutex
	listener Listener
	tasks    map[domain.PartitionKey]*task
	closed   bool
	wg       sync.WaitGroup
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = logctx.Component(l, "consumer") } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithCheckpointInterval persists a checkpoint every n records in addition
// to the end of every fetched batch.
func WithCheckpointInterval(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.interval = n
		}
	}
}

func WithTransformer(t Transformer) Option { return func(s *Service) { s.transform = t } }

func New(repo *storage.Repository, meta Store, newFetcher FetcherFactory, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		meta:       meta,
		newFetcher: newFetcher,
		logger:     zerolog.Nop(),
		interval:   1000,
		now:        time.Now,
		tasks:      make(map[domain.PartitionKey]*task),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// StartConsumption begins tailing a partition from its last checkpoint.
// Starting a partition that is already consuming is a no-op.
func (s *Service) StartConsumption(ctx context.Context, cfg config.StreamConfig, partition int) error {
	key := domain.PartitionKey{Stream: cfg.Name, Partition: partition}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStopped
	}
	if _, ok := s.tasks[key]; ok {
		return nil
	}

	engine, err := s.repo.OpenEngine(cfg.Name)
	if err != nil {
		return fmt.Errorf("open engine %s: %w", cfg.Name, err)
	}
	if err := engine.OpenPartition(partition); err != nil {
		return err
	}
	cp, err := s.meta.LastCheckpoint(ctx, cfg.Name, partition)
	if errors.Is(err, metadata.ErrNoCheckpoint) {
		cp = state.NewCheckpoint()
	} else if err != nil {
		return err
	}
	t := &task{key: key, cfg: cfg, engine: engine, cp: cp, stopped: make(chan struct{})}
	if vs, ok, err := s.meta.VersionState(ctx, cfg.Name); err != nil {
		return err
	} else if ok {
		t.versionState = &vs
	}
	if s.transform != nil {
		if t.checksum, err = s.resumeChecksum(ctx, key); err != nil {
			return err
		}
	}
	t.fetcher, err = s.newFetcher(cfg, partition, cp.NextOffset())
	if err != nil {
		return fmt.Errorf("open fetcher for %s: %w", key, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	s.tasks[key] = t
	if s.metrics != nil {
		s.metrics.PartitionStarted()
	}
	s.logger.Info().Str("stream", cfg.Name).Int("partition", partition).Int64("from_offset", cp.NextOffset()).Msg("consumption started")
	s.wg.Add(1)
	go s.run(runCtx, t)
	return nil
}

func (s *Service) resumeChecksum(ctx context.Context, key domain.PartitionKey) (*state.Checksum, error) {
	b, ok, err := s.meta.TransformerChecksum(ctx, key.Stream, key.Partition)
	if err != nil {
		return nil, err
	}
	if !ok {
		return state.NewChecksum(), nil
	}
	return state.ResumeChecksum(b)
}

// StopConsumptionAndWait signals the partition to stop and waits up to
// timeout for confirmation, re-signalling on each of attempts. It reports
// whether the stop was confirmed. A partition that is not consuming is
// confirmed immediately.
func (s *Service) StopConsumptionAndWait(ctx context.Context, cfg config.StreamConfig, partition int, attempts int, timeout time.Duration) bool {
	key := domain.PartitionKey{Stream: cfg.Name, Partition: partition}
	s.mu.Lock()
	t, ok := s.tasks[key]
	s.mu.Unlock()
	if !ok {
		return true
	}
	for i := 0; i < attempts; i++ {
		t.cancel()
		timer := time.NewTimer(timeout)
		select {
		case <-t.stopped:
			timer.Stop()
			s.forget(t)
			return true
		case <-timer.C:
			s.logger.Debug().Str("stream", key.Stream).Int("partition", partition).Int("attempt", i+1).Msg("consumption stop not yet confirmed")
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
	return false
}

func (s *Service) IsConsuming(stream string, partition int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[domain.PartitionKey{Stream: stream, Partition: partition}]
	return ok
}

// Stop halts every partition and waits for them to exit. Checkpoint
// failures seen while stopping are returned.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.cancel()
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	s.wg.Wait()
	var result *multierror.Error
	for _, t := range tasks {
		s.forget(t)
		if t.persistErr != nil {
			result = multierror.Append(result, fmt.Errorf("checkpoint %s: %w", t.key, t.persistErr))
		}
	}
	return result.ErrorOrNil()
}

func (s *Service) forget(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[t.key]; ok && cur == t {
		delete(s.tasks, t.key)
	}
}

func (s *Service) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer close(t.stopped)
	defer t.fetcher.Close()
	if s.metrics != nil {
		defer s.metrics.PartitionStopped()
	}
	logger := s.logger.With().Str("stream", t.key.Stream).Int("partition", t.key.Partition).Logger()

	failures := 0
	for {
		recs, err := t.fetcher.Poll(ctx)
		if ctx.Err() != nil {
			t.persistErr = s.persist(context.Background(), t)
			logger.Info().Int64("offset", t.cp.Offset).Msg("consumption stopped")
			return
		}
		if err != nil {
			failures++
			logger.Warn().Err(err).Int("failures", failures).Msg("fetch failed")
			if failures >= maxFetchFailures {
				_ = s.persist(context.Background(), t)
				s.notifyError(t, fmt.Errorf("fetch %s: %w", t.key, err))
				return
			}
			select {
			case <-time.After(fetchBackoff):
			case <-ctx.Done():
			}
			continue
		}
		failures = 0
		if err := s.apply(ctx, t, recs); err != nil {
			// the checkpoint stays at the last batch that was made durable
			logger.Error().Err(err).Msg("ingestion failed")
			s.notifyError(t, err)
			return
		}
	}
}

func (s *Service) apply(ctx context.Context, t *task, recs []*kgo.Record) error {
	applied := 0
	for _, r := range recs {
		switch kafkaclient.ControlType(r) {
		case kafkaclient.ControlStartOfPush:
			vs, err := state.DecodeVersionState(r.Value)
			if err != nil {
				return err
			}
			if err := s.meta.PutVersionState(ctx, t.key.Stream, vs); err != nil {
				return err
			}
			t.versionState = &vs
			t.cp.Advance(r.Offset, s.now())
		case kafkaclient.ControlEndOfPush:
			t.cp.EndOfPush = true
			t.cp.Advance(r.Offset, s.now())
			if err := s.persist(ctx, t); err != nil {
				return err
			}
			s.notifyCompleted(t, r.Offset)
		case "":
			if err := s.applyData(ctx, t, r); err != nil {
				return fmt.Errorf("apply %s@%d: %w", t.key, r.Offset, err)
			}
			t.cp.Advance(r.Offset, s.now())
			applied++
			t.sinceCheckpoint++
			if t.sinceCheckpoint >= s.interval {
				if err := s.persist(ctx, t); err != nil {
					return err
				}
			}
		default:
			t.cp.Advance(r.Offset, s.now())
		}
	}
	if s.metrics != nil && applied > 0 {
		s.metrics.RecordIngested(t.key.Stream, applied)
	}
	if t.sinceCheckpoint > 0 {
		return s.persist(ctx, t)
	}
	return nil
}

func (s *Service) applyData(ctx context.Context, t *task, r *kgo.Record) error {
	key := lazy.Ready(r.Key)
	if r.Value == nil {
		return t.engine.Delete(ctx, key, t.key.Partition)
	}
	value := s.valueHandle(t, r.Value)
	if s.transform != nil {
		raw, err := value.Get()
		if err != nil {
			return err
		}
		out, err := s.transform(r.Key, raw)
		if err != nil {
			return fmt.Errorf("transform: %w", err)
		}
		t.checksum.Update(r.Key, out)
		value = lazy.Ready(out)
	}
	return t.engine.Put(ctx, key, value, t.key.Partition)
}

// valueHandle defers decompression until the value is read.
func (s *Service) valueHandle(t *task, raw []byte) lazy.Value[[]byte] {
	compression := t.cfg.Compression
	if t.versionState != nil && t.versionState.Compression != "" {
		compression = t.versionState.Compression
	}
	if compression != state.CompressionZstd {
		return lazy.Ready(raw)
	}
	return lazy.Of(func() ([]byte, error) {
		out, err := zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress value: %w", err)
		}
		return out, nil
	})
}

func (s *Service) persist(ctx context.Context, t *task) error {
	var checksum []byte
	if t.checksum != nil {
		b, err := t.checksum.MarshalBinary()
		if err != nil {
			return err
		}
		checksum = b
	}
	if t.cp.Offset < 0 {
		return nil
	}
	// a checkpoint may only cover writes the engine has made durable
	if err := t.engine.Flush(ctx, t.key.Partition); err != nil {
		return fmt.Errorf("flush %s: %w", t.key, err)
	}
	if err := s.meta.PutCheckpoint(ctx, t.key.Stream, t.key.Partition, t.cp, checksum); err != nil {
		return err
	}
	t.sinceCheckpoint = 0
	return nil
}

func (s *Service) currentListener() Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *Service) notifyCompleted(t *task, offset int64) {
	l := s.currentListener()
	if l == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.OnCompleted(t.key.Stream, t.key.Partition, offset)
	}()
}

func (s *Service) notifyError(t *task, err error) {
	s.forget(t)
	l := s.currentListener()
	if l == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.OnError(t.key.Stream, t.key.Partition, err)
	}()
}
