// Package producer writes change-log records for the streams the sidecar
// ingests. It is used by tooling and tests to feed a version end to end.
package producer

import (
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"isolator/internal/config"
	"isolator/internal/hashroute"
	"isolator/internal/kafkaclient"
	"isolator/internal/logctx"
	"isolator/internal/state"
)

type Producer struct {
	client  *kgo.Client
	router  *hashroute.Router
	logger  zerolog.Logger
	encoder *zstd.Encoder

	mu      sync.RWMutex
	streams map[string]config.StreamConfig

	produce func(context.Context, *kgo.Record) error
}

type Option func(*Producer)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Producer) { p.logger = logctx.Component(l, "producer") }
}

// New connects a producer for streams. Records are assigned partitions by
// key hash, so every stream needs a partition count.
func New(kcfg config.KafkaConfig, streams []config.StreamConfig, opts ...Option) (*Producer, error) {
	kopts, err := kafkaclient.Options(kcfg)
	if err != nil {
		return nil, err
	}
	kopts = append(kopts, kgo.RecordPartitioner(kgo.ManualPartitioner()), kgo.AllowAutoTopicCreation())
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	p, err := newProducer(streams, func(ctx context.Context, r *kgo.Record) error {
		return cl.ProduceSync(ctx, r).FirstErr()
	}, opts...)
	if err != nil {
		cl.Close()
		return nil, err
	}
	p.client = cl
	return p, nil
}

func newProducer(streams []config.StreamConfig, produce func(context.Context, *kgo.Record) error, opts ...Option) (*Producer, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	p := &Producer{
		router:  hashroute.NewRouter(),
		logger:  zerolog.Nop(),
		encoder: enc,
		streams: make(map[string]config.StreamConfig),
		produce: produce,
	}
	for _, o := range opts {
		o(p)
	}
	for _, s := range streams {
		if err := p.AddStream(s); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddStream registers or replaces a stream.
func (p *Producer) AddStream(s config.StreamConfig) error {
	if s.Partitions < 1 {
		return fmt.Errorf("stream %s: partitions must be > 0", s.Name)
	}
	if s.Topic == "" {
		s.Topic = s.Name
	}
	p.mu.Lock()
	p.streams[s.Name] = s
	p.mu.Unlock()
	p.router.SetPartitions(s.Topic, s.Partitions)
	return nil
}

func (p *Producer) stream(name string) (config.StreamConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.streams[name]
	if !ok {
		return config.StreamConfig{}, fmt.Errorf("unknown stream %q", name)
	}
	return s, nil
}

// Put writes key=value to the partition owning key.
func (p *Producer) Put(ctx context.Context, stream string, key, value []byte) error {
	s, err := p.stream(stream)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if s.Compression == state.CompressionZstd {
		value = p.encoder.EncodeAll(value, nil)
	}
	return p.send(ctx, s, key, value)
}

// Delete writes a tombstone for key.
func (p *Producer) Delete(ctx context.Context, stream string, key []byte) error {
	s, err := p.stream(stream)
	if err != nil {
		return err
	}
	return p.send(ctx, s, key, nil)
}

func (p *Producer) send(ctx context.Context, s config.StreamConfig, key, value []byte) error {
	partition, err := p.router.Route(s.Topic, key)
	if err != nil {
		return err
	}
	r := &kgo.Record{Topic: s.Topic, Partition: int32(partition), Key: key, Value: value}
	if err := p.produce(ctx, r); err != nil {
		return fmt.Errorf("produce %s/%d: %w", s.Topic, partition, err)
	}
	return nil
}

// StartOfPush announces a new version on every partition. The version
// state carries the stream's compression so consumers decode values the
// same way they were written.
func (p *Producer) StartOfPush(ctx context.Context, stream string, vs state.VersionState) error {
	s, err := p.stream(stream)
	if err != nil {
		return err
	}
	if vs.Compression == "" {
		vs.Compression = s.Compression
	}
	if vs.PartitionCount == 0 {
		vs.PartitionCount = s.Partitions
	}
	b, err := state.EncodeVersionState(vs)
	if err != nil {
		return err
	}
	return p.broadcast(ctx, s, kafkaclient.ControlStartOfPush, b)
}

// EndOfPush marks every partition of stream as fully written.
func (p *Producer) EndOfPush(ctx context.Context, stream string) error {
	s, err := p.stream(stream)
	if err != nil {
		return err
	}
	return p.broadcast(ctx, s, kafkaclient.ControlEndOfPush, nil)
}

func (p *Producer) broadcast(ctx context.Context, s config.StreamConfig, control string, value []byte) error {
	for i := 0; i < s.Partitions; i++ {
		if err := p.produce(ctx, kafkaclient.ControlRecord(s.Topic, int32(i), control, value)); err != nil {
			return fmt.Errorf("produce %s to %s/%d: %w", control, s.Topic, i, err)
		}
	}
	p.logger.Info().Str("stream", s.Name).Str("control", control).Int("partitions", s.Partitions).Msg("control marker written")
	return nil
}

func (p *Producer) Close() {
	if p.client != nil {
		p.client.Flush(context.Background())
		p.client.Close()
	}
	_ = p.encoder.Close()
}
