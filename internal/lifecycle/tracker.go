// Package lifecycle tracks the outstanding completion of every partition the
// controller has subscribed to.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"isolator/internal/domain"
)

var ErrAlreadyResolved = errors.New("partition lifecycle already resolved")

type Status int32

const (
	StatusPending Status = iota
	StatusCompleted
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusErrored:
		return "errored"
	default:
		return "pending"
	}
}

// Entry is a one-shot handle resolved either with a completion report or with
// an error report.
type Entry struct {
	key     domain.PartitionKey
	claimed atomic.Bool
	status  atomic.Int32

	once   sync.Once
	done   chan struct{}
	report domain.Report
	err    error
}

func newEntry(key domain.PartitionKey) *Entry {
	return &Entry{key: key, done: make(chan struct{})}
}

func (e *Entry) Key() domain.PartitionKey { return e.key }

// Claim elects the caller as the single resolver. Only the first call
// returns true.
func (e *Entry) Claim() bool { return e.claimed.CompareAndSwap(false, true) }

func (e *Entry) Status() Status { return Status(e.status.Load()) }

// Done is closed once the entry is resolved.
func (e *Entry) Done() <-chan struct{} { return e.done }

func (e *Entry) Resolve(report domain.Report) error {
	return e.settle(StatusCompleted, report, nil)
}

// Fail resolves the entry with an error report. err is returned by Wait.
func (e *Entry) Fail(report domain.Report, err error) error {
	if err == nil {
		err = errors.New(report.ErrorMessage)
	}
	return e.settle(StatusErrored, report, err)
}

func (e *Entry) settle(status Status, report domain.Report, err error) error {
	settled := false
	e.once.Do(func() {
		e.report, e.err = report, err
		e.status.Store(int32(status))
		close(e.done)
		settled = true
	})
	if !settled {
		return ErrAlreadyResolved
	}
	return nil
}

// Wait blocks until the entry is resolved or ctx ends.
func (e *Entry) Wait(ctx context.Context) (domain.Report, error) {
	select {
	case <-e.done:
		return e.report, e.err
	case <-ctx.Done():
		return domain.Report{}, ctx.Err()
	}
}

// Tracker is a concurrent map of partition entries. Unknown keys mean "not
// subscribed" and are not errors.
type Tracker struct {
	entries sync.Map
}

func NewTracker() *Tracker { return &Tracker{} }

// Subscribe returns the entry of key, inserting a pending one if absent.
// created reports whether this call inserted it.
func (t *Tracker) Subscribe(key domain.PartitionKey) (entry *Entry, created bool) {
	fresh := newEntry(key)
	actual, loaded := t.entries.LoadOrStore(key, fresh)
	return actual.(*Entry), !loaded
}

func (t *Tracker) Lookup(key domain.PartitionKey) (*Entry, bool) {
	v, ok := t.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Remove deletes key only if it still maps to entry, so a re-subscription
// that raced with delivery survives.
func (t *Tracker) Remove(key domain.PartitionKey, entry *Entry) bool {
	return t.entries.CompareAndDelete(key, entry)
}

func (t *Tracker) Len() int {
	n := 0
	t.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Keys snapshots the subscribed keys.
func (t *Tracker) Keys() []domain.PartitionKey {
	var out []domain.PartitionKey
	t.entries.Range(func(k, _ any) bool {
		out = append(out, k.(domain.PartitionKey))
		return true
	})
	return out
}
