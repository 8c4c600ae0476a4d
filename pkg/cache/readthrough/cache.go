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

package readthrough

import (
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"k8s.io/utils/clock"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/unikorn-cloud/readthrough/pkg/cache/lru"
	"github.com/unikorn-cloud/readthrough/pkg/constants"
	errs "github.com/unikorn-cloud/readthrough/pkg/errors"
	"github.com/unikorn-cloud/readthrough/pkg/options"
	"github.com/unikorn-cloud/readthrough/pkg/service"
)

// Handle is an opaque reference to a value produced by a lookup or an
// insertion.  See the lru package for its semantics.
type Handle[V any] = lru.Handle[V]

// NewHandle wraps a caller supplied value in a handle that is always valid,
// bypassing the cache entirely.
func NewHandle[V any](value V) Handle[V] {
	return lru.NewHandle(value)
}

// LookupFunc consults the backing store for a key.  A nil value with a nil
// error means the key does not exist, which is reported to waiters as an
// unset handle and deliberately not cached.  The lookup runs on a pool
// worker under a freshly fabricated operation and should watch the
// operation's context if it blocks.
type LookupFunc[K comparable, V any] func(op *service.Operation, key K) (*V, error)

// Pool schedules nullary work.  Satisfied by pool.WorkPool.  Shutting the
// pool down drains all scheduled lookups, which is the caller's
// responsibility before closing the cache.
type Pool interface {
	// Submit queues a task, returning an error if the pool has been shut
	// down.
	Submit(task func()) error
}

// errRestart is the synthetic non cancellation status used to enter the
// retry loop for a newly created in progress entry, which starts out not
// valid and so schedules its first round.
//
//nolint:gochecknoglobals
var errRestart = errors.New("restart lookup")

// Cache is a bounded read through cache.  Absent values are fetched through
// the lookup function on the worker pool, with concurrent requests for the
// same key coalesced onto a single in flight lookup.  Invalidation acts as a
// barrier, any in flight lookup for an invalidated key is restarted so every
// waiter observes data fetched strictly after the invalidation.
type Cache[K comparable, V any] struct {
	// service fabricates the per lookup operations.
	service *service.Service
	// pool runs the lookups.
	pool Pool
	// lookup consults the backing store.
	lookup LookupFunc[K, V]
	// clock supplies the wall clock times stored with new entries.
	clock clock.PassiveClock
	// tracer emits a span per executed lookup.
	tracer trace.Tracer
	// store holds completed fetches.  Internally synchronized, readable
	// without the cache lock on the fast path.
	store *lru.Store[K, V]

	// lock guards the in progress map, the valid flag and cancel token of
	// every in progress entry, and the atomicity of the detach/insert
	// transition.
	lock sync.Mutex
	// inProgress tracks the active fetch per key.  A lookup round only
	// publishes to the store after its entry is removed from here, though
	// InsertOrAssign stores a key whose lookup is still in flight.
	inProgress map[K]*inProgressLookup[K, V]
}

// New creates a cache of at most size entries.  A size of zero disables
// storage but preserves lookup coalescing.
func New[K comparable, V any](svc *service.Service, workers Pool, lookup LookupFunc[K, V], size int) *Cache[K, V] {
	return NewWithClock(svc, workers, lookup, size, clock.RealClock{})
}

// NewFromOptions creates a cache sized by flag configurable options, see
// options.CacheOptions.  The pool is deliberately not constructed here, its
// lifecycle belongs to the caller (pool.NewFromOptions shares the same
// options type).
func NewFromOptions[K comparable, V any](svc *service.Service, workers Pool, lookup LookupFunc[K, V], o *options.CacheOptions) *Cache[K, V] {
	return New(svc, workers, lookup, o.Size)
}

// NewWithClock is New with an explicit time source.
func NewWithClock[K comparable, V any](svc *service.Service, workers Pool, lookup LookupFunc[K, V], size int, clk clock.PassiveClock) *Cache[K, V] {
	return &Cache[K, V]{
		service:    svc,
		pool:       workers,
		lookup:     lookup,
		clock:      clk,
		tracer:     otel.Tracer(constants.TracerName),
		store:      lru.New[K, V](size),
		inProgress: make(map[K]*inProgressLookup[K, V]),
	}
}

// AcquireAsync returns a future for the value of key.  The future resolves
// with a set handle on a hit, an unset handle when the backing store reports
// the key absent, or an error when the lookup fails or is canceled.
func (c *Cache[K, V]) AcquireAsync(key K) *Future[V] {
	// Fast path, the store is internally synchronized so no cache lock is
	// needed for a hit.
	if handle := c.store.Get(key); handle.Ok() && handle.Valid() {
		return newResolvedFuture(handle)
	}

	c.lock.Lock()

	// An insertion may have raced in between the unlocked probe and here.
	if handle := c.store.Get(key); handle.Ok() && handle.Valid() {
		c.lock.Unlock()
		return newResolvedFuture(handle)
	}

	if in, ok := c.inProgress[key]; ok {
		future := in.addWaiter()
		c.lock.Unlock()

		return future
	}

	in := newInProgressLookup(c, key)
	c.inProgress[key] = in
	future := in.addWaiter()

	c.lock.Unlock()

	// The new entry starts out not valid, so feeding a synthetic non
	// cancellation status into the retry loop schedules the first round.
	c.lookupWhileNotValid(key, nil, errRestart)

	return future
}

// Acquire is the blocking form of AcquireAsync, waiting on the future with
// interruption through the caller's operation.
func (c *Cache[K, V]) Acquire(op *service.Operation, key K) (Handle[V], error) {
	return c.AcquireAsync(key).Wait(op.Context())
}

// InsertOrAssign unconditionally places value in the store with the given
// update time, returning a fresh handle.  Any in flight lookup for the key
// is invalidated and its current round canceled, so a racing round retries
// rather than publishing over the insertion with stale data.
func (c *Cache[K, V]) InsertOrAssign(key K, value V, updateTime time.Time) Handle[V] {
	c.lock.Lock()
	defer c.lock.Unlock()

	if in, ok := c.inProgress[key]; ok {
		in.invalidateAndCancelCurrentRound()
	}

	return c.store.InsertOrAssignAndGet(key, lru.StoredValue[V]{Value: value, UpdateTime: updateTime})
}

// Invalidate removes key from the store and restarts any in flight lookup
// for it.  Every acquisition that begins after this call observes either a
// miss or a value fetched strictly after it.
func (c *Cache[K, V]) Invalidate(key K) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if in, ok := c.inProgress[key]; ok {
		in.invalidateAndCancelCurrentRound()
	}

	c.store.Invalidate(key)
}

// InvalidateIf invalidates every key satisfying the predicate, in flight
// lookups included.  The predicate only sees keys.
func (c *Cache[K, V]) InvalidateIf(predicate func(K) bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for key, in := range c.inProgress {
		if predicate(key) {
			in.invalidateAndCancelCurrentRound()
		}
	}

	c.store.InvalidateIf(predicate)
}

// InvalidateAll invalidates everything.
func (c *Cache[K, V]) InvalidateAll() {
	c.InvalidateIf(func(K) bool { return true })
}

// Stats returns a read only snapshot of the resident entries.
func (c *Cache[K, V]) Stats() []lru.EntryInfo[K] {
	return c.store.Info()
}

// Close asserts the destruction precondition, that no lookups remain in
// flight.  Callers drain by shutting the worker pool down first.  A violation
// is a programming error and fatal.
func (c *Cache[K, V]) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if len(c.inProgress) != 0 {
		panic("readthrough: cache closed with lookups in progress")
	}
}

// lookupWhileNotValid is the retry loop at the heart of the cache.  It runs
// once when a new in progress entry is created and once on the completion of
// every lookup round.
//
// A round that ended without a cancellation error while the entry is not
// valid was raced by an invalidation, its result is discarded and another
// round scheduled.  Otherwise the round is authoritative: the entry is
// detached from the in progress map and, on success with a value, the result
// moved into the store, all under one critical section so the in progress to
// cached transition is atomic with respect to invalidation.  Waiters are
// signaled only after the lock is released.
//
// A cancellation error is propagated to waiters even when the entry is not
// valid.  The cancellation arose from an invalidation that will be followed
// by a fresh acquisition from the next interested caller, retrying here
// would do useless work.
func (c *Cache[K, V]) lookupWhileNotValid(key K, value *V, err error) {
	c.lock.Lock()

	in, ok := c.inProgress[key]
	if !ok {
		panic("readthrough: lookup round completed with no in progress entry")
	}

	if !errs.IsCancellation(err) && !in.valid {
		if !errors.Is(err, errRestart) {
			log.Log.V(1).Info("restarting invalidated lookup round", "key", key)
		}

		in.asyncLookupRound()
		c.lock.Unlock()

		return
	}

	delete(c.inProgress, key)

	var handle Handle[V]

	if err == nil && value != nil {
		handle = c.store.InsertOrAssignAndGet(key, lru.StoredValue[V]{Value: *value, UpdateTime: c.clock.Now()})
	}

	c.lock.Unlock()

	in.signalWaiters(handle, err)
}
