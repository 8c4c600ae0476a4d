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

package readthrough_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/unikorn-cloud/readthrough/pkg/cache/readthrough"
	rterrors "github.com/unikorn-cloud/readthrough/pkg/errors"
	"github.com/unikorn-cloud/readthrough/pkg/options"
	"github.com/unikorn-cloud/readthrough/pkg/pool"
	"github.com/unikorn-cloud/readthrough/pkg/service"
)

// backingStore is a fake authoritative data source.  Lookups can be observed
// entering through the entered channel and held there with the gate channel,
// which gives tests precise control over what happens while a round is in
// flight.
type backingStore struct {
	lock   sync.Mutex
	values map[string]string
	errs   map[string]error

	// calls counts lookup invocations.
	calls atomic.Int64

	// entered, when set, receives the key at the start of every lookup.
	entered chan string
	// gate, when set, blocks every lookup until the test sends on it or
	// closes it.
	gate chan struct{}
}

func newBackingStore() *backingStore {
	return &backingStore{
		values: map[string]string{},
		errs:   map[string]error{},
	}
}

func (s *backingStore) set(key, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.values[key] = value
}

func (s *backingStore) setError(key string, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.errs[key] = err
}

func (s *backingStore) lookup(_ *service.Operation, key string) (*string, error) {
	s.calls.Add(1)

	if s.entered != nil {
		s.entered <- key
	}

	if s.gate != nil {
		<-s.gate
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.errs[key]; err != nil {
		return nil, err
	}

	value, ok := s.values[key]
	if !ok {
		return nil, nil
	}

	return ptr.To(value), nil
}

// epoch is the fake wall clock's origin.
//
//nolint:gochecknoglobals
var epoch = time.Unix(1700000000, 0)

// testEnv wires a cache up to real collaborators with a fake time source.
type testEnv struct {
	pool  *pool.WorkPool
	clock *clocktesting.FakePassiveClock
	cache *readthrough.Cache[string, string]
}

// newTestEnv creates the environment and registers orderly teardown: gates
// are released first so no lookup can block the drain, then the pool is shut
// down, then the destruction precondition is asserted.
func newTestEnv(t *testing.T, store *backingStore, size int) *testEnv {
	t.Helper()

	e := &testEnv{
		pool:  pool.New(4, 64),
		clock: clocktesting.NewFakePassiveClock(epoch),
	}

	e.cache = readthrough.NewWithClock(service.New("readthrough-test"), e.pool, store.lookup, size, e.clock)

	t.Cleanup(func() {
		e.pool.Shutdown()
		e.cache.Close()
	})

	if store.gate != nil {
		t.Cleanup(func() {
			close(store.gate)
		})
	}

	return e
}

// operation fabricates a caller side operation for blocking acquires.
func operation(t *testing.T) *service.Operation {
	t.Helper()

	op := service.New("readthrough-test-client").NewOperation(t.Context())

	t.Cleanup(op.Finish)

	return op
}

// TestAcquireHitAndMiss covers the basic read through path, a miss invokes
// the lookup and the result is served from the store thereafter.
func TestAcquireHitAndMiss(t *testing.T) {
	t.Parallel()

	store := newBackingStore()
	store.set("a", "v1")

	e := newTestEnv(t, store, 4)

	op := operation(t)

	handle, err := e.cache.Acquire(op, "a")
	require.NoError(t, err)
	require.True(t, handle.Ok())
	require.True(t, handle.Valid())
	require.Equal(t, "v1", *handle.Value())
	require.Equal(t, epoch, handle.UpdateTime())
	require.EqualValues(t, 1, store.calls.Load())

	// Second acquisition is a pure cache hit.
	handle, err = e.cache.Acquire(op, "a")
	require.NoError(t, err)
	require.Equal(t, "v1", *handle.Value())
	require.EqualValues(t, 1, store.calls.Load())
}

// TestCoalescing checks that ten concurrent acquisitions of the same missing
// key share a single lookup and all observe an identical outcome.
func TestCoalescing(t *testing.T) {
	t.Parallel()

	store := newBackingStore()
	store.set("a", "v1")
	store.entered = make(chan string, 1)
	store.gate = make(chan struct{})

	e := newTestEnv(t, store, 4)

	const n = 10

	futures := make([]*readthrough.Future[string], n)

	futures[0] = e.cache.AcquireAsync("a")

	// Hold the round inside the lookup function so the rest must coalesce
	// rather than resolve from the store.
	require.Equal(t, "a", <-store.entered)

	for i := 1; i < n; i++ {
		futures[i] = e.cache.AcquireAsync("a")
	}

	store.gate <- struct{}{}

	for _, future := range futures {
		handle, err := future.Wait(t.Context())
		require.NoError(t, err)
		require.True(t, handle.Ok())
		require.Equal(t, "v1", *handle.Value())
		require.Equal(t, epoch, handle.UpdateTime())
	}

	require.EqualValues(t, 1, store.calls.Load())
}

// TestInvalidationBarrier checks that invalidating a key while its lookup is
// in flight forces a second round, and the waiter resolves to the second
// round's result rather than anything fetched before the invalidation.
func TestInvalidationBarrier(t *testing.T) {
	t.Parallel()

	store := newBackingStore()
	store.set("a", "v1")
	store.entered = make(chan string, 1)
	store.gate = make(chan struct{})

	e := newTestEnv(t, store, 4)

	future := e.cache.AcquireAsync("a")

	require.Equal(t, "a", <-store.entered)

	// The backing store moves on and the invalidation makes anything
	// fetched before it unpublishable.
	store.set("a", "v2")
	e.cache.Invalidate("a")

	// Release round one, it was raced by the invalidation and whatever it
	// fetched must be discarded.
	store.gate <- struct{}{}

	// A second round is observed, release it too.
	require.Equal(t, "a", <-store.entered)
	store.gate <- struct{}{}

	handle, err := future.Wait(t.Context())
	require.NoError(t, err)
	require.True(t, handle.Ok())
	require.Equal(t, "v2", *handle.Value())
	require.EqualValues(t, 2, store.calls.Load())
}

// TestInsertWhileInFlight checks that an insertion racing an in flight
// lookup wins, the stale round's result is discarded and the waiter ends up
// with current data.
func TestInsertWhileInFlight(t *testing.T) {
	t.Parallel()

	store := newBackingStore()
	store.set("b", "vold")
	store.entered = make(chan string, 1)
	store.gate = make(chan struct{})

	e := newTestEnv(t, store, 4)

	future := e.cache.AcquireAsync("b")

	require.Equal(t, "b", <-store.entered)

	// The caller learned of the new value out of band and pushes it in
	// while round one is still blocked on the old one.
	store.set("b", "vnew")

	handle := e.cache.InsertOrAssign("b", "vnew", epoch)
	require.True(t, handle.Ok())
	require.Equal(t, "vnew", *handle.Value())

	// Release round one, whose result must not be published, and the
	// replacement round that follows it.
	store.gate <- struct{}{}

	require.Equal(t, "b", <-store.entered)
	store.gate <- struct{}{}

	waited, err := future.Wait(t.Context())
	require.NoError(t, err)
	require.True(t, waited.Ok())
	require.Equal(t, "vnew", *waited.Value())

	// Exactly one entry remains and it's the new value.
	info := e.cache.Stats()
	require.Len(t, info, 1)
	require.Equal(t, "b", info[0].Key)
	require.Equal(t, epoch, info[0].UpdateTime)
	require.True(t, info[0].Valid)

	op := operation(t)

	final, err := e.cache.Acquire(op, "b")
	require.NoError(t, err)
	require.Equal(t, "vnew", *final.Value())
}

// TestLookupFailureNotCached checks that a lookup error reaches the waiters
// verbatim and nothing is cached, so the next acquisition tries again.
func TestLookupFailureNotCached(t *testing.T) {
	t.Parallel()

	errBackend := errors.New("backend exploded")

	store := newBackingStore()
	store.setError("c", errBackend)

	e := newTestEnv(t, store, 4)

	op := operation(t)

	_, err := e.cache.Acquire(op, "c")
	require.ErrorIs(t, err, errBackend)
	require.EqualValues(t, 1, store.calls.Load())

	_, err = e.cache.Acquire(op, "c")
	require.ErrorIs(t, err, errBackend)
	require.EqualValues(t, 2, store.calls.Load())

	require.Empty(t, e.cache.Stats())
}

// TestAbsentNotCached checks that a key missing from the backing store
// resolves to an unset handle and is not negatively cached.
func TestAbsentNotCached(t *testing.T) {
	t.Parallel()

	store := newBackingStore()

	e := newTestEnv(t, store, 4)

	op := operation(t)

	handle, err := e.cache.Acquire(op, "d")
	require.NoError(t, err)
	require.False(t, handle.Ok())
	require.EqualValues(t, 1, store.calls.Load())

	handle, err = e.cache.Acquire(op, "d")
	require.NoError(t, err)
	require.False(t, handle.Ok())
	require.EqualValues(t, 2, store.calls.Load())
}

// TestSizeZeroCoalesces checks that a cache with storage disabled still
// coalesces concurrent misses, and that nothing survives resolution.
func TestSizeZeroCoalesces(t *testing.T) {
	t.Parallel()

	store := newBackingStore()
	store.set("a", "v1")
	store.entered = make(chan string, 1)
	store.gate = make(chan struct{})

	e := newTestEnv(t, store, 0)

	const n = 10

	futures := make([]*readthrough.Future[string], n)

	futures[0] = e.cache.AcquireAsync("a")

	require.Equal(t, "a", <-store.entered)

	for i := 1; i < n; i++ {
		futures[i] = e.cache.AcquireAsync("a")
	}

	store.gate <- struct{}{}

	for _, future := range futures {
		handle, err := future.Wait(t.Context())
		require.NoError(t, err)
		require.True(t, handle.Ok())
		require.True(t, handle.Valid())
		require.Equal(t, "v1", *handle.Value())
	}

	require.EqualValues(t, 1, store.calls.Load())
	require.Empty(t, e.cache.Stats())

	// Nothing was stored, so the next acquisition pays for a lookup.
	future := e.cache.AcquireAsync("a")

	require.Equal(t, "a", <-store.entered)
	store.gate <- struct{}{}

	_, err := future.Wait(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 2, store.calls.Load())
}

// TestInvalidateIf checks predicated invalidation of both stored entries and
// handles in the wild.
func TestInvalidateIf(t *testing.T) {
	t.Parallel()

	store := newBackingStore()

	e := newTestEnv(t, store, 8)

	a := e.cache.InsertOrAssign("tenant1/a", "v1", epoch)
	b := e.cache.InsertOrAssign("tenant1/b", "v2", epoch)
	c := e.cache.InsertOrAssign("tenant2/c", "v3", epoch)

	require.Len(t, e.cache.Stats(), 3)

	e.cache.InvalidateIf(func(key string) bool {
		return key[:7] == "tenant1"
	})

	require.False(t, a.Valid())
	require.False(t, b.Valid())
	require.True(t, c.Valid())

	info := e.cache.Stats()
	require.Len(t, info, 1)
	require.Equal(t, "tenant2/c", info[0].Key)

	e.cache.InvalidateAll()
	require.False(t, c.Valid())
	require.Empty(t, e.cache.Stats())
}

// TestInsertThenAcquire checks the ordering guarantee that an insertion is
// observed by any acquisition that starts after it.
func TestInsertThenAcquire(t *testing.T) {
	t.Parallel()

	store := newBackingStore()

	e := newTestEnv(t, store, 4)

	updateTime := epoch.Add(time.Hour)

	e.cache.InsertOrAssign("k", "v", updateTime)

	op := operation(t)

	handle, err := e.cache.Acquire(op, "k")
	require.NoError(t, err)
	require.Equal(t, "v", *handle.Value())
	require.Equal(t, updateTime, handle.UpdateTime())

	// The lookup was never consulted.
	require.Zero(t, store.calls.Load())
}

// TestAcquireInterrupted checks that a blocking acquire honours caller
// interruption without affecting the lookup itself.
func TestAcquireInterrupted(t *testing.T) {
	t.Parallel()

	store := newBackingStore()
	store.set("a", "v1")
	store.entered = make(chan string, 1)
	store.gate = make(chan struct{})

	e := newTestEnv(t, store, 4)

	op := service.New("readthrough-test-client").NewOperation(t.Context())

	future := e.cache.AcquireAsync("a")

	require.Equal(t, "a", <-store.entered)

	op.Interrupt()

	_, err := future.Wait(op.Context())
	require.ErrorIs(t, err, rterrors.ErrOperationInterrupted)

	// The lookup is unaffected, release it and observe the value land.
	store.gate <- struct{}{}

	handle, err := future.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, "v1", *handle.Value())
}

// TestDirectHandle checks the degenerate constructor that wraps a caller
// supplied value.
func TestDirectHandle(t *testing.T) {
	t.Parallel()

	handle := readthrough.NewHandle("direct")

	require.True(t, handle.Ok())
	require.True(t, handle.Valid())
	require.Equal(t, "direct", *handle.Value())
	require.True(t, handle.UpdateTime().IsZero())
}

// TestCloseWithLookupInFlight checks the destruction precondition, closing
// with an outstanding lookup is fatal, draining first is legal.
func TestCloseWithLookupInFlight(t *testing.T) {
	t.Parallel()

	store := newBackingStore()
	store.set("a", "v1")
	store.entered = make(chan string, 1)
	store.gate = make(chan struct{})

	workers := pool.New(2, 16)
	clk := clocktesting.NewFakePassiveClock(epoch)

	cache := readthrough.NewWithClock(service.New("readthrough-test"), workers, store.lookup, 4, clk)

	future := cache.AcquireAsync("a")

	require.Equal(t, "a", <-store.entered)

	require.Panics(t, cache.Close)

	// Drain and retry, this time it's legal.
	store.gate <- struct{}{}

	_, err := future.Wait(t.Context())
	require.NoError(t, err)

	workers.Shutdown()

	require.NotPanics(t, cache.Close)
}

// TestNewFromOptions drives the flag configured construction path end to
// end, cache and pool sized from one parsed option set.
func TestNewFromOptions(t *testing.T) {
	t.Parallel()

	o := &options.CacheOptions{}

	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	o.AddFlags(flags)

	require.NoError(t, flags.Parse([]string{
		"--cache-size=4",
		"--cache-workers=2",
		"--cache-queue-depth=16",
	}))

	store := newBackingStore()
	store.set("a", "v1")

	workers := pool.NewFromOptions(o)

	cache := readthrough.NewFromOptions(service.New("readthrough-test"), workers, store.lookup, o)

	t.Cleanup(func() {
		workers.Shutdown()
		cache.Close()
	})

	op := operation(t)

	handle, err := cache.Acquire(op, "a")
	require.NoError(t, err)
	require.True(t, handle.Ok())
	require.Equal(t, "v1", *handle.Value())
	require.EqualValues(t, 1, store.calls.Load())
}

// TestConcurrentAcquireInvalidate hammers a small key space with concurrent
// acquisitions and invalidations, checking nothing deadlocks and every
// resolved handle carries the value its key maps to.
func TestConcurrentAcquireInvalidate(t *testing.T) {
	t.Parallel()

	store := newBackingStore()

	keys := []string{"a", "b", "c", "d"}

	for _, key := range keys {
		store.set(key, "value-"+key)
	}

	e := newTestEnv(t, store, 2)

	var group sync.WaitGroup

	stop := make(chan struct{})

	// Failures are collected and asserted on the test goroutine.
	const readers = 8

	failures := make([]error, readers)

	for r := range readers {
		group.Add(1)

		go func() {
			defer group.Done()

			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}

				key := keys[i%len(keys)]

				handle, err := e.cache.AcquireAsync(key).Wait(t.Context())
				if err != nil {
					// An invalidation that lands before the round
					// begins executing surfaces as a cancellation,
					// which is part of the contract.
					if errors.Is(err, rterrors.ErrLookupCanceled) {
						continue
					}

					failures[r] = err

					return
				}

				if !handle.Ok() || *handle.Value() != "value-"+key {
					failures[r] = errors.New("handle does not match key " + key)
					return
				}
			}
		}()
	}

	for range 2 {
		group.Add(1)

		go func() {
			defer group.Done()

			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}

				e.cache.Invalidate(keys[i%len(keys)])
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(stop)
	group.Wait()

	for _, err := range failures {
		require.NoError(t, err)
	}
}

// BenchmarkAcquireHit measures the lock free fast path.  Expect this to be
// dominated by the store's internal lock.
func BenchmarkAcquireHit(b *testing.B) {
	store := newBackingStore()
	store.set("hot", "value")

	workers := pool.New(4, 64)
	defer workers.Shutdown()

	cache := readthrough.New(service.New("readthrough-bench"), workers, store.lookup, 1024)

	op := service.New("readthrough-bench-client").NewOperation(b.Context())
	defer op.Finish()

	if _, err := cache.Acquire(op, "hot"); err != nil {
		b.Fatal(err)
	}

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			handle, err := cache.AcquireAsync("hot").Wait(op.Context())
			if err != nil || !handle.Ok() {
				b.Fail()
			}
		}
	})
}
