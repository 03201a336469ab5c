// Package lazy provides deferred values that are computed at most once.
//
// Ingestion hands keys and values to storage engines as lazy handles so that
// records which are filtered, routed or deleted before they hit disk never pay
// for decoding.
package lazy

import "sync"

// Value is a handle to a value that may not have been computed yet.
type Value[T any] interface {
	// Get materializes the value on first call and returns the cached result
	// (including a cached error) afterwards.
	Get() (T, error)
	// Materialized reports whether Get has already computed the value.
	Materialized() bool
}

type memo[T any] struct {
	once sync.Once
	fn   func() (T, error)

	mu    sync.Mutex
	done  bool
	value T
	err   error
}

// Of returns a Value backed by fn. fn runs at most once, on the first Get.
func Of[T any](fn func() (T, error)) Value[T] {
	return &memo[T]{fn: fn}
}

func (m *memo[T]) Get() (T, error) {
	m.once.Do(func() {
		v, err := m.fn()
		m.mu.Lock()
		m.value, m.err, m.done = v, err, true
		m.fn = nil
		m.mu.Unlock()
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.err
}

func (m *memo[T]) Materialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

type ready[T any] struct{ value T }

// Ready wraps an already materialized value.
func Ready[T any](v T) Value[T] { return ready[T]{value: v} }

func (r ready[T]) Get() (T, error)    { return r.value, nil }
func (r ready[T]) Materialized() bool { return true }

// Map defers fn until the returned Value is read. Reading the result
// materializes src.
func Map[S, T any](src Value[S], fn func(S) (T, error)) Value[T] {
	return Of(func() (T, error) {
		s, err := src.Get()
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(s)
	})
}
