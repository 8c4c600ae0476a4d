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

// inProgressLookup is the per key state machine for an active fetch.  It is
// created on the first miss for a key, lives across one or more lookup
// rounds, and is destroyed when a round completes while still valid or when
// the round ends with a cancellation error.
//
// All fields other than the future's internals are guarded by the cache lock.
// The back reference to the cache is non owning, the cache strictly outlives
// every in progress entry (enforced by the Close precondition).
type inProgressLookup[K comparable, V any] struct {
	// cache owns this entry.
	cache *Cache[K, V]
	// key is immutable for the lifetime of the entry.
	key K
	// valid is set at the start of each round and cleared by
	// invalidation.  Between the cache lock being released to schedule a
	// round and reacquired to observe its outcome, this flag is the
	// authoritative signal of whether the round's result may be
	// published.
	valid bool
	// cancel is the token for the current round, at most one outstanding.
	cancel *cancelToken[V]
	// future fans the final outcome out to all registered waiters.
	future *Future[V]
}

func newInProgressLookup[K comparable, V any](cache *Cache[K, V], key K) *inProgressLookup[K, V] {
	return &inProgressLookup[K, V]{
		cache:  cache,
		key:    key,
		future: newFuture[V](),
	}
}

// asyncLookupRound schedules one invocation of the lookup function, marking
// the entry valid and replacing any previous cancel token.  The round's
// completion chains back into the cache's retry loop.  Caller holds the
// cache lock.
func (in *inProgressLookup[K, V]) asyncLookupRound() {
	in.valid = true
	in.cancel = in.cache.asyncWork(in.key, func(value *V, err error) {
		in.cache.lookupWhileNotValid(in.key, value, err)
	})
}

// addWaiter registers another caller on the shared completion.  Caller holds
// the cache lock.
func (in *inProgressLookup[K, V]) addWaiter() *Future[V] {
	return in.future
}

// invalidateAndCancelCurrentRound clears the valid flag and attempts to
// cancel the outstanding round, if any.  Caller holds the cache lock.
func (in *inProgressLookup[K, V]) invalidateAndCancelCurrentRound() {
	in.valid = false

	if in.cancel != nil {
		in.cancel.tryCancel()
	}
}

// signalWaiters publishes the final outcome to every waiter.  Must be called
// after the entry has been detached from the in progress map, and without
// the cache lock held so waiter continuations never run under it.
func (in *inProgressLookup[K, V]) signalWaiters(handle Handle[V], err error) {
	in.future.resolve(handle, err)
}
