package isolation

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"isolator/internal/config"
	"isolator/internal/control"
	"isolator/internal/logctx"
	"isolator/internal/metrics"
	"isolator/internal/report"
	"isolator/internal/snapshot"
	"isolator/internal/storage"
)

// Consumption is the consumption engine as seen by the coordinator.
type Consumption interface {
	StartConsumption(ctx context.Context, cfg config.StreamConfig, partition int) error
	StopConsumptionAndWait(ctx context.Context, cfg config.StreamConfig, partition int, attempts int, timeout time.Duration) bool
	IsConsuming(stream string, partition int) bool
	Stop() error
}

// StorageService owns the local storage engines.
type StorageService interface {
	Repository() *storage.Repository
	Stop() error
}

// StreamResolver resolves the configuration of a stream version.
type StreamResolver interface {
	Resolve(stream string) (config.StreamConfig, error)
}

// Settings are the coordinator's tunables. Zero values are replaced by
// DefaultSettings.
type Settings struct {
	// Host is the listen host; empty listens on every interface.
	Host            string
	BindAttempts    int
	BindInterval    time.Duration
	ReleaseTimeout  time.Duration
	WorkerPoolSize  int
	WorkerQueueSize int
	ShutdownTimeout time.Duration
	MaxInflight     int
	MaxFrameSize    int
	CompletionStop  config.StopPolicy
	ErrorStop       config.StopPolicy
	ReportTimeout   time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		BindAttempts:    100,
		BindInterval:    100 * time.Millisecond,
		ReleaseTimeout:  500 * time.Millisecond,
		WorkerPoolSize:  10,
		WorkerQueueSize: 1024,
		ShutdownTimeout: 5 * time.Second,
		MaxInflight:     64,
		MaxFrameSize:    control.DefaultMaxFrameSize,
		CompletionStop:  config.StopPolicy{Attempts: 1, Timeout: 60 * time.Second},
		ErrorStop:       config.StopPolicy{Attempts: 10, Timeout: time.Second},
		ReportTimeout:   5 * time.Second,
	}
}

// SettingsFrom maps the process configuration onto coordinator settings.
func SettingsFrom(cfg config.Config) Settings {
	return Settings{
		BindAttempts:    cfg.Server.BindAttempts,
		BindInterval:    cfg.Server.BindInterval,
		ReleaseTimeout:  cfg.Server.ReleaseTimeout,
		WorkerPoolSize:  cfg.Server.WorkerPoolSize,
		WorkerQueueSize: cfg.Server.WorkerQueueSize,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxInflight:     cfg.Server.MaxInflight,
		MaxFrameSize:    cfg.Server.MaxFrameSize,
		CompletionStop:  cfg.Ingestion.CompletionStop,
		ErrorStop:       cfg.Ingestion.ErrorStop,
		ReportTimeout:   cfg.Ingestion.ReportTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.BindAttempts <= 0 {
		s.BindAttempts = d.BindAttempts
	}
	if s.BindInterval <= 0 {
		s.BindInterval = d.BindInterval
	}
	if s.ReleaseTimeout <= 0 {
		s.ReleaseTimeout = d.ReleaseTimeout
	}
	if s.WorkerPoolSize <= 0 {
		s.WorkerPoolSize = d.WorkerPoolSize
	}
	if s.WorkerQueueSize <= 0 {
		s.WorkerQueueSize = d.WorkerQueueSize
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = d.ShutdownTimeout
	}
	if s.MaxInflight <= 0 {
		s.MaxInflight = d.MaxInflight
	}
	if s.MaxFrameSize <= 0 {
		s.MaxFrameSize = d.MaxFrameSize
	}
	if s.CompletionStop.Attempts <= 0 || s.CompletionStop.Timeout <= 0 {
		s.CompletionStop = d.CompletionStop
	}
	if s.ErrorStop.Attempts <= 0 || s.ErrorStop.Timeout <= 0 {
		s.ErrorStop = d.ErrorStop
	}
	if s.ReportTimeout <= 0 {
		s.ReportTimeout = d.ReportTimeout
	}
	return s
}

type Option func(*Coordinator)

func WithStorage(s StorageService) Option { return func(c *Coordinator) { c.storage = s } }

func WithConsumer(cs Consumption) Option { return func(c *Coordinator) { c.consumer = cs } }

func WithMetadata(r snapshot.Reader) Option { return func(c *Coordinator) { c.meta = r } }

func WithReporter(s report.Sender) Option { return func(c *Coordinator) { c.reporter = s } }

func WithStreamConfigs(r StreamResolver) Option { return func(c *Coordinator) { c.streams = r } }

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logctx.Component(l, "isolation") }
}

func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

func WithSettings(s Settings) Option { return func(c *Coordinator) { c.settings = s } }

// withListen replaces net.Listen during bind.
func withListen(fn func(network, address string) (net.Listener, error)) Option {
	return func(c *Coordinator) { c.listen = fn }
}
