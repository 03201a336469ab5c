// Package memory is an in-process storage engine. Values are kept as the
// lazy handles they were written with and only materialize when read.
package memory

import (
	"context"
	"sort"
	"sync"

	"isolator/internal/lazy"
	"isolator/internal/storage"
)

type partition struct {
	values map[string]lazy.Value[[]byte]
}

type Engine struct {
	mu         sync.RWMutex
	partitions map[int]*partition
	closed     bool
}

var _ storage.PartitionEngine = (*Engine)(nil)

func New() *Engine {
	return &Engine{partitions: make(map[int]*partition)}
}

// Factory adapts New to storage.Factory.
func Factory(string) (storage.PartitionEngine, error) { return New(), nil }

func (e *Engine) OpenPartition(p int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return storage.ErrEngineClosed
	}
	if _, ok := e.partitions[p]; !ok {
		e.partitions[p] = &partition{values: make(map[string]lazy.Value[[]byte])}
	}
	return nil
}

func (e *Engine) ClosePartition(p int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.partitions, p)
	return nil
}

// Flush has nothing to write; it only checks the partition is open.
func (e *Engine) Flush(_ context.Context, p int) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return storage.ErrEngineClosed
	}
	if _, ok := e.partitions[p]; !ok {
		return storage.ErrPartitionClosed
	}
	return nil
}

func (e *Engine) Partitions() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]int, 0, len(e.partitions))
	for p := range e.partitions {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (e *Engine) Put(_ context.Context, key lazy.Value[[]byte], value lazy.Value[[]byte], p int) error {
	k, err := key.Get()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	part, err := e.partitionLocked(p)
	if err != nil {
		return err
	}
	part.values[string(k)] = value
	return nil
}

func (e *Engine) Delete(_ context.Context, key lazy.Value[[]byte], p int) error {
	k, err := key.Get()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	part, err := e.partitionLocked(p)
	if err != nil {
		return err
	}
	delete(part.values, string(k))
	return nil
}

func (e *Engine) Get(_ context.Context, key lazy.Value[[]byte], p int) (lazy.Value[[]byte], bool, error) {
	k, err := key.Get()
	if err != nil {
		return nil, false, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	part, err := e.partitionLocked(p)
	if err != nil {
		return nil, false, err
	}
	v, ok := part.values[string(k)]
	return v, ok, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.partitions = make(map[int]*partition)
	return nil
}

func (e *Engine) partitionLocked(p int) (*partition, error) {
	if e.closed {
		return nil, storage.ErrEngineClosed
	}
	part, ok := e.partitions[p]
	if !ok {
		return nil, storage.ErrPartitionClosed
	}
	return part, nil
}
