/*
Copyright 2026 Nscale.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lru

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brunoga/deep"
)

// StoredValue wraps a cached value with the wall clock time at which it was
// produced.  The time is diagnostic only and plays no part in eviction or
// recency decisions.
type StoredValue[V any] struct {
	// Value is the cached value.
	Value V
	// UpdateTime is when the value was produced.
	UpdateTime time.Time
}

// Handle is a reference to a cached value.  A handle may outlive its entry in
// the store.  Invalidation flips the validity flag shared between the store
// and every outstanding handle, but the underlying value remains readable for
// as long as the handle is held.
type Handle[V any] struct {
	// value points at the referenced value, nil for the zero handle.
	value *V
	// updateTime is when the value was produced.
	updateTime time.Time
	// valid is shared with the stored entry.
	valid *atomic.Bool
}

// NewHandle wraps a caller supplied value in a handle that is always valid.
// The update time is the zero time sentinel.
func NewHandle[V any](value V) Handle[V] {
	valid := &atomic.Bool{}
	valid.Store(true)

	return Handle[V]{
		value: &value,
		valid: valid,
	}
}

// Ok tells us whether the handle references anything at all.
func (h Handle[V]) Ok() bool {
	return h.value != nil
}

// Valid tells us whether the referenced entry is still valid, that is it has
// not been invalidated since the handle was obtained.  The zero handle is
// never valid.
func (h Handle[V]) Valid() bool {
	return h.valid != nil && h.valid.Load()
}

// Value returns the referenced value, nil for the zero handle.
func (h Handle[V]) Value() *V {
	return h.value
}

// UpdateTime returns the wall clock time the value was produced.
func (h Handle[V]) UpdateTime() time.Time {
	return h.updateTime
}

// EntryInfo is a point in time description of a single cached entry.
type EntryInfo[K comparable] struct {
	// Key identifies the entry.
	Key K
	// UpdateTime is when the entry's value was produced.
	UpdateTime time.Time
	// Valid is whether the entry is still valid, false once invalidated.
	Valid bool
}

// entry is a resident cache entry.
type entry[K comparable, V any] struct {
	// key indexes the entry, immutable.
	key K
	// value is the cached value.
	value V
	// updateTime is when the value was produced.
	updateTime time.Time
	// valid is shared with every handle referencing the entry.
	valid atomic.Bool
	// element is the entry's position in the recency list.
	element *list.Element
}

func (e *entry[K, V]) handle() Handle[V] {
	return Handle[V]{
		value:      &e.value,
		updateTime: e.updateTime,
		valid:      &e.valid,
	}
}

// Store is a bounded key value store with least recently used eviction and
// explicit invalidation.  Eviction quietly drops entries, invalidation
// additionally flips the validity flag observed by outstanding handles.
// The store is internally synchronized and its lock ranks below any lock
// held by callers.
type Store[K comparable, V any] struct {
	// size bounds the number of resident entries, zero disables storage
	// entirely.
	size int

	// lock guards the map and recency list.
	lock sync.Mutex
	// entries indexes resident entries by key.
	entries map[K]*entry[K, V]
	// order is the recency list, most recently used at the front.
	order *list.List
}

// New creates a store bounding residency to size entries.  A size of zero is
// permitted and stores nothing, though inserts still mint usable handles.
func New[K comparable, V any](size int) *Store[K, V] {
	return &Store[K, V]{
		size:    size,
		entries: make(map[K]*entry[K, V]),
		order:   list.New(),
	}
}

// Get returns a handle to the entry for key, promoting it to most recently
// used.  The zero handle is returned on a miss.
func (s *Store[K, V]) Get(key K) Handle[V] {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Handle[V]{}
	}

	s.order.MoveToFront(e.element)

	return e.handle()
}

// InsertOrAssignAndGet unconditionally places value in the store, replacing
// any existing entry for key, and returns a handle to it.  A replaced entry
// is invalidated so stale handles can be detected.  Overflow is evicted
// without invalidation.
func (s *Store[K, V]) InsertOrAssignAndGet(key K, value StoredValue[V]) Handle[V] {
	s.lock.Lock()
	defer s.lock.Unlock()

	if old, ok := s.entries[key]; ok {
		old.valid.Store(false)
		s.order.Remove(old.element)
		delete(s.entries, key)
	}

	e := &entry[K, V]{
		key:        key,
		value:      value.Value,
		updateTime: value.UpdateTime,
	}
	e.valid.Store(true)

	if s.size > 0 {
		e.element = s.order.PushFront(e)
		s.entries[key] = e

		for len(s.entries) > s.size {
			lru := s.order.Back()
			victim := lru.Value.(*entry[K, V]) //nolint:forcetypeassert

			s.order.Remove(lru)
			delete(s.entries, victim.key)
		}
	}

	return e.handle()
}

// Invalidate removes key from the store, flipping the validity flag on any
// outstanding handles.  It returns whether an entry was present.
func (s *Store[K, V]) Invalidate(key K) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}

	s.remove(e)

	return true
}

// InvalidateIf invalidates every entry whose key satisfies the predicate and
// returns how many were removed.  The predicate only sees the key, values are
// deliberately not exposed.
func (s *Store[K, V]) InvalidateIf(predicate func(K) bool) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	count := 0

	for key, e := range s.entries {
		if predicate(key) {
			s.remove(e)
			count++
		}
	}

	return count
}

// remove drops an entry and invalidates its handles.  Caller holds the lock.
func (s *Store[K, V]) remove(e *entry[K, V]) {
	e.valid.Store(false)
	s.order.Remove(e.element)
	delete(s.entries, e.key)
}

// Info returns a snapshot of resident entries in recency order, most recently
// used first.  Keys are deep copied so the snapshot cannot alias store state.
func (s *Store[K, V]) Info() []EntryInfo[K] {
	s.lock.Lock()
	defer s.lock.Unlock()

	info := make([]EntryInfo[K], 0, len(s.entries))

	for element := s.order.Front(); element != nil; element = element.Next() {
		e := element.Value.(*entry[K, V]) //nolint:forcetypeassert

		info = append(info, EntryInfo[K]{
			Key:        deep.MustCopy(e.key),
			UpdateTime: e.updateTime,
			Valid:      e.valid.Load(),
		})
	}

	return info
}
