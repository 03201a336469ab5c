// Package storage defines the capability ingestion writes into: a keyed,
// partitioned engine that accepts lazily materialized keys and values.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"isolator/internal/lazy"
)

var (
	ErrEngineClosed    = errors.New("storage engine closed")
	ErrPartitionClosed = errors.New("storage partition not open")
)

// ValueError reports a buffered value that could not be materialized. The
// write is dropped; the rest of the batch is still applied.
type ValueError struct {
	Key []byte
	Err error
}

func (e *ValueError) Error() string { return fmt.Sprintf("materialize value of key %q: %v", e.Key, e.Err) }

func (e *ValueError) Unwrap() error { return e.Err }

// Engine is the storage contract. A missing key is reported by Get as
// ok=false, never as an error. Close is idempotent.
type Engine[K, V any] interface {
	Put(ctx context.Context, key lazy.Value[K], value lazy.Value[V], partition int) error
	Delete(ctx context.Context, key lazy.Value[K], partition int) error
	Get(ctx context.Context, key lazy.Value[K], partition int) (lazy.Value[V], bool, error)
	Close() error
}

// PartitionEngine is the byte-keyed engine the ingestion path uses, with
// explicit per-partition lifecycle.
type PartitionEngine interface {
	Engine[[]byte, []byte]
	OpenPartition(partition int) error
	// ClosePartition flushes and releases a partition. Closing a partition
	// that is not open is a no-op.
	ClosePartition(partition int) error
	// Flush makes every write accepted so far for partition durable.
	Flush(ctx context.Context, partition int) error
	Partitions() []int
}

// Factory creates the engine backing one stream.
type Factory func(stream string) (PartitionEngine, error)

// Repository holds the local engine of every stream hosted by this process.
type Repository struct {
	factory Factory

	mu      sync.Mutex
	engines map[string]PartitionEngine
	closed  bool
}

func NewRepository(factory Factory) *Repository {
	return &Repository{factory: factory, engines: make(map[string]PartitionEngine)}
}

// LocalEngine returns the engine of stream if one has been opened.
func (r *Repository) LocalEngine(stream string) (PartitionEngine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[stream]
	return e, ok
}

// OpenEngine returns the engine of stream, creating it on first use.
func (r *Repository) OpenEngine(stream string) (PartitionEngine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrEngineClosed
	}
	if e, ok := r.engines[stream]; ok {
		return e, nil
	}
	e, err := r.factory(stream)
	if err != nil {
		return nil, err
	}
	r.engines[stream] = e
	return e, nil
}

// Streams lists the streams with an open engine, sorted.
func (r *Repository) Streams() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.engines))
	for name := range r.engines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Repository) closeAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var result *multierror.Error
	for name, e := range r.engines {
		if err := e.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close engine %s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

// Service owns the repository for the lifetime of the process.
type Service struct {
	repo *Repository
	once sync.Once
	err  error
}

func NewService(factory Factory) *Service {
	return &Service{repo: NewRepository(factory)}
}

func (s *Service) Repository() *Repository { return s.repo }

// Stop closes every engine. Failures are aggregated; later calls return the
// first result.
func (s *Service) Stop() error {
	s.once.Do(func() { s.err = s.repo.closeAll() })
	return s.err
}
