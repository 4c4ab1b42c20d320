package model

import "sync/atomic"

// Snapshot is an immutable, reference-counted publication of a
// component's result (a ModuleMap, HandleMap, …). The process owns its
// current snapshot; caches hold additional references keyed by epoch.
// Cleanup (via Release) runs the embedded StringPool's implicit free
// exactly once, when the last reference drops (spec.md §3, §5).
type Snapshot[T any] struct {
	Epoch uint64
	Value T
	pool  *StringPool
	refs  int32
}

// NewSnapshot publishes value with one initial reference.
func NewSnapshot[T any](epoch uint64, value T, pool *StringPool) *Snapshot[T] {
	return &Snapshot[T]{Epoch: epoch, Value: value, pool: pool, refs: 1}
}

// Pool returns the snapshot's owned string pool, for Ref resolution.
func (s *Snapshot[T]) Pool() *StringPool { return s.pool }

// Retain increments the reference count. Callers handing a *Snapshot
// to more than one holder (process + cache) must Retain before the
// second holder stores it.
func (s *Snapshot[T]) Retain() *Snapshot[T] {
	atomic.AddInt32(&s.refs, 1)
	return s
}

// Release drops one reference. The caller must not use s after a
// Release that returns true.
func (s *Snapshot[T]) Release() (freed bool) {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		s.pool = nil
		return true
	}
	return false
}
