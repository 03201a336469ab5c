// Package isolation runs the ingestion coordinator: the control-channel
// service that starts and stops partition consumption, closes storage
// partitions once consumption has halted and reports partition lifecycle
// events to the controller.
package isolation

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"isolator/internal/config"
	"isolator/internal/control"
	"isolator/internal/domain"
	"isolator/internal/lifecycle"
	"isolator/internal/logctx"
	"isolator/internal/metrics"
	"isolator/internal/report"
	"isolator/internal/snapshot"
	"isolator/internal/state"
	"isolator/internal/workerpool"
)

var (
	ErrNotInitiated     = errors.New("coordinator is not initiated")
	ErrAlreadyInitiated = errors.New("coordinator is already initiated")
	ErrAlreadyStarted   = errors.New("coordinator is already started")
	ErrStopped          = errors.New("coordinator is stopped")
	ErrPartitionStopped = errors.New("partition consumption stopped")
	// ErrMissingVersionState aborts a completion report whose stream
	// expects a stored version state.
	ErrMissingVersionState = snapshot.ErrMissingVersionState
)

const (
	reportKindCompletion = "completion"
	reportKindError      = "error"
)

type Coordinator struct {
	port     int
	settings Settings
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	listen   func(network, address string) (net.Listener, error)

	storage  StorageService
	consumer Consumption
	meta     snapshot.Reader
	reporter report.Sender
	streams  StreamResolver

	tracker *lifecycle.Tracker
	pool    *workerpool.Pool

	mu        sync.Mutex
	server    *server
	initiated atomic.Bool

	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

// New builds an uninitiated coordinator for port. Collaborators are
// injected through options and checked by Activate.
func New(port int, opts ...Option) *Coordinator {
	c := &Coordinator{
		port:    port,
		logger:  zerolog.Nop(),
		listen:  net.Listen,
		tracker: lifecycle.NewTracker(),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.settings = c.settings.withDefaults()
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	c.pool = workerpool.New(c.settings.WorkerPoolSize, c.settings.WorkerQueueSize)
	return c
}

// Start releases a stale binding, binds the control port and begins
// accepting connections. The listener is accepting when Start returns.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}
	if c.server != nil {
		return ErrAlreadyStarted
	}

	c.releaseStaleBinding(ctx)
	ln, err := c.bind(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("control port unavailable")
		return err
	}
	c.server = &server{
		ln:          ln,
		pool:        c.pool,
		handle:      c.handle,
		inline:      c.handleInline,
		maxInflight: c.settings.MaxInflight,
		framer:      control.Framer{Limit: c.settings.MaxFrameSize},
		logger:      c.logger,
	}
	c.server.serve()
	c.logger.Info().Str("address", ln.Addr().String()).Msg("control listener started")
	return nil
}

// Addr is the bound listener address, or "" before Start.
func (c *Coordinator) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return ""
	}
	return c.server.Addr()
}

// Activate checks that every collaborator was injected and starts
// accepting commands. It succeeds once per coordinator.
func (c *Coordinator) Activate() error {
	var missing []string
	if c.storage == nil {
		missing = append(missing, "storage")
	}
	if c.consumer == nil {
		missing = append(missing, "consumer")
	}
	if c.meta == nil {
		missing = append(missing, "metadata")
	}
	if c.reporter == nil {
		missing = append(missing, "reporter")
	}
	if c.streams == nil {
		missing = append(missing, "stream configs")
	}
	if len(missing) > 0 {
		return errors.Errorf("cannot activate coordinator, missing %s", strings.Join(missing, ", "))
	}
	if !c.initiated.CompareAndSwap(false, true) {
		return ErrAlreadyInitiated
	}
	c.logger.Info().Msg("coordinator initiated")
	return nil
}

func (c *Coordinator) Initiated() bool { return c.initiated.Load() }

// Done is closed when Stop has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.stopped }

// Stop closes the listener and waits for open connections, then stops
// consumption and storage, and finally releases the worker pool. Failures
// from consumption or storage are returned; the pool is released regardless.
func (c *Coordinator) Stop() error {
	c.stopOnce.Do(func() {
		defer close(c.stopped)
		c.mu.Lock()
		srv := c.server
		c.mu.Unlock()
		if srv != nil {
			srv.Close()
			c.logger.Info().Msg("control listener closed")
		}

		var result *multierror.Error
		if c.consumer != nil {
			if err := c.consumer.Stop(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "stop consumption"))
			}
		}
		if c.storage != nil {
			if err := c.storage.Stop(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "stop storage"))
			}
		}
		if !c.pool.Shutdown(c.settings.ShutdownTimeout) {
			c.logger.Warn().Dur("timeout", c.settings.ShutdownTimeout).Msg("worker pool did not drain, remaining tasks cancelled")
		}
		c.stopErr = result.ErrorOrNil()
		if c.stopErr != nil {
			c.logger.Error().Err(c.stopErr).Msg("coordinator stopped with errors")
			return
		}
		c.logger.Info().Msg("coordinator stopped")
	})
	return c.stopErr
}

func (c *Coordinator) resolve(stream string) (config.StreamConfig, error) {
	cfg, err := c.streams.Resolve(stream)
	if err != nil {
		return config.StreamConfig{}, errors.Wrapf(err, "resolve stream %s", stream)
	}
	return cfg, nil
}

// stopAndClose halts consumption of a partition and only then closes its
// storage partition. An unconfirmed stop is logged and the close proceeds:
// the consumer may still write briefly to a closed handle.
func (c *Coordinator) stopAndClose(ctx context.Context, cfg config.StreamConfig, partition int, policy config.StopPolicy, kind string) error {
	logger := logctx.FromContext(ctx)
	start := time.Now()
	confirmed := c.consumer.StopConsumptionAndWait(ctx, cfg, partition, policy.Attempts, policy.Timeout)
	c.metrics.ObserveStopLatency(time.Since(start))
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "waiting for consumption to stop")
	}
	if !confirmed {
		c.metrics.RecordStopTimeout(kind)
		logger.Warn().Int("attempts", policy.Attempts).Dur("timeout", policy.Timeout).Msg("consumption stop not confirmed, closing partition anyway")
	}

	engine, ok := c.storage.Repository().LocalEngine(cfg.Name)
	if !ok {
		return nil
	}
	if err := engine.ClosePartition(partition); err != nil {
		return errors.Wrapf(err, "close partition %s/%d", cfg.Name, partition)
	}
	logger.Info().Msg("storage partition closed")
	return nil
}

// ReportCompletion stops consumption, closes the storage partition, fills
// r with the partition snapshot and transmits it. A missing checkpoint or a
// missing required version state aborts the report without sending it.
// Transmission failures are logged; the controller re-queries with REPORT.
func (c *Coordinator) ReportCompletion(ctx context.Context, r domain.Report) (*domain.Report, error) {
	if !c.initiated.Load() {
		return nil, ErrNotInitiated
	}
	ctx = c.partitionContext(ctx, r.Stream, r.Partition)
	logger := logctx.FromContext(ctx)

	cfg, err := c.resolve(r.Stream)
	if err != nil {
		return nil, err
	}
	if err := c.stopAndClose(ctx, cfg, r.Partition, c.settings.CompletionStop, reportKindCompletion); err != nil {
		return nil, err
	}
	meta, err := snapshot.Build(ctx, c.meta, cfg.Name, r.Partition, cfg.VersionStateRequired)
	if err != nil {
		c.metrics.RecordReport(reportKindCompletion, metrics.ReportOutcomeAborted)
		logger.Error().Err(err).Msg("completion report aborted")
		return nil, errors.Wrap(err, "build partition snapshot")
	}
	cp, err := state.DecodeCheckpoint(meta.Checkpoint)
	if err != nil {
		return nil, err
	}

	r.Status = domain.ReportStatusCompleted
	r.ErrorMessage = ""
	r.Offset = cp.Offset
	r.Checkpoint = meta.Checkpoint
	r.VersionState = meta.VersionState
	r.TransformerChecksum = meta.TransformerChecksum
	c.send(ctx, reportKindCompletion, r)
	return &r, nil
}

// ReportError stops consumption with the shorter error budget, closes the
// storage partition and transmits r with its error message and no snapshot.
func (c *Coordinator) ReportError(ctx context.Context, r domain.Report) error {
	if !c.initiated.Load() {
		return ErrNotInitiated
	}
	ctx = c.partitionContext(ctx, r.Stream, r.Partition)
	cfg, err := c.resolve(r.Stream)
	if err != nil {
		return err
	}
	if err := c.stopAndClose(ctx, cfg, r.Partition, c.settings.ErrorStop, reportKindError); err != nil {
		logger := logctx.FromContext(ctx)
		logger.Warn().Err(err).Msg("partition not closed before error report")
	}
	r.Status = domain.ReportStatusError
	r.Checkpoint, r.VersionState, r.TransformerChecksum = nil, nil, nil
	c.send(ctx, reportKindError, r)
	return nil
}

// send makes one transmission attempt.
func (c *Coordinator) send(ctx context.Context, kind string, r domain.Report) {
	logger := logctx.FromContext(ctx)
	payload, err := control.MarshalMessage(control.ToTaskReport(r))
	if err != nil {
		c.metrics.RecordReport(kind, metrics.ReportOutcomeFailed)
		logger.Error().Err(err).Msg("encode report")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.settings.ReportTimeout)
	defer cancel()
	if err := c.reporter.SendRequest(ctx, control.ActionReport, payload); err != nil {
		c.metrics.RecordReport(kind, metrics.ReportOutcomeFailed)
		logger.Warn().Err(err).Str("kind", kind).Msg("report not delivered, awaiting controller re-query")
		return
	}
	c.metrics.RecordReport(kind, metrics.ReportOutcomeSent)
	logger.Info().Str("kind", kind).Str("status", r.Status.String()).Int64("offset", r.Offset).Msg("report sent")
}

func (c *Coordinator) partitionContext(ctx context.Context, stream string, partition int) context.Context {
	return logctx.WithPartition(logctx.WithLogger(ctx, c.logger), stream, partition)
}

// complete runs the completion sequence for a claimed entry and resolves it.
// The entry leaves the tracker once resolved, so a later REPORT starts over.
func (c *Coordinator) complete(ctx context.Context, entry *lifecycle.Entry, r domain.Report) {
	defer c.tracker.Remove(entry.Key(), entry)
	done, err := c.ReportCompletion(ctx, r)
	if err != nil {
		r.Status = domain.ReportStatusError
		r.ErrorMessage = err.Error()
		_ = entry.Fail(r, err)
		return
	}
	_ = entry.Resolve(*done)
}

// OnCompleted is called by the consumption engine when a partition reaches
// end of push. The entry is claimed by the task itself, so a REPORT waiting
// on the pool only ever waits on a sequence that is already running.
func (c *Coordinator) OnCompleted(stream string, partition int, offset int64) {
	key := domain.PartitionKey{Stream: stream, Partition: partition}
	entry, created := c.tracker.Subscribe(key)
	r := domain.Report{Stream: stream, Partition: partition, Offset: offset}
	c.submit(entry, created, r, func(ctx context.Context) {
		if !entry.Claim() {
			return
		}
		c.complete(ctx, entry, r)
	})
}

// OnError is called by the consumption engine when a partition fails.
func (c *Coordinator) OnError(stream string, partition int, cause error) {
	key := domain.PartitionKey{Stream: stream, Partition: partition}
	entry, created := c.tracker.Subscribe(key)
	r := domain.Report{Stream: stream, Partition: partition, Status: domain.ReportStatusError, ErrorMessage: cause.Error()}
	c.submit(entry, created, r, func(ctx context.Context) {
		if !entry.Claim() {
			c.logger.Warn().Err(cause).Str("stream", stream).Int("partition", partition).Msg("ingestion error while partition report in progress")
			return
		}
		defer c.tracker.Remove(key, entry)
		if err := c.ReportError(ctx, r); err != nil {
			c.logger.Error().Err(err).Str("stream", stream).Int("partition", partition).Msg("error report failed")
		}
		_ = entry.Fail(r, cause)
	})
}

// submit queues a lifecycle task. Nothing waits on an unclaimed entry, so a
// rejected task only drops the entry it created.
func (c *Coordinator) submit(entry *lifecycle.Entry, created bool, r domain.Report, task workerpool.Task) {
	if err := c.pool.Submit(task); err != nil {
		c.logger.Warn().Err(err).Str("stream", r.Stream).Int("partition", r.Partition).Str("status", r.Status.String()).Msg("lifecycle report not scheduled")
		if created {
			c.tracker.Remove(entry.Key(), entry)
		}
	}
}
