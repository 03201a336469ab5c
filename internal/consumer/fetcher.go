package consumer

import (
	"context"
	"errors"

	"github.com/twmb/franz-go/pkg/kgo"

	"isolator/internal/config"
	"isolator/internal/kafkaclient"
)

// Fetcher reads one partition of one topic.
type Fetcher interface {
	// Poll blocks until records are available, ctx ends or fetching fails.
	Poll(ctx context.Context) ([]*kgo.Record, error)
	Close()
}

// FetcherFactory opens a fetcher positioned at startOffset.
type FetcherFactory func(stream config.StreamConfig, partition int, startOffset int64) (Fetcher, error)

// KafkaFetchers returns a factory creating one franz-go client per
// partition, assigned directly without a consumer group.
func KafkaFetchers(kcfg config.KafkaConfig, extra ...kgo.Opt) FetcherFactory {
	return func(stream config.StreamConfig, partition int, startOffset int64) (Fetcher, error) {
		opts, err := kafkaclient.Options(kcfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			stream.Topic: {int32(partition): kgo.NewOffset().At(startOffset)},
		}))
		opts = append(opts, extra...)
		cl, err := kgo.NewClient(opts...)
		if err != nil {
			return nil, err
		}
		return &kgoFetcher{client: cl}, nil
	}
}

type kgoFetcher struct {
	client *kgo.Client
}

func (f *kgoFetcher) Poll(ctx context.Context) ([]*kgo.Record, error) {
	fetches := f.client.PollFetches(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if fetchErr == nil && !errors.Is(err, context.Canceled) {
			fetchErr = err
		}
	})
	if fetchErr != nil {
		return nil, fetchErr
	}
	return fetches.Records(), nil
}

func (f *kgoFetcher) Close() { f.client.Close() }
