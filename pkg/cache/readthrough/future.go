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
	"context"
	"fmt"

	"github.com/unikorn-cloud/readthrough/pkg/errors"
)

// Future is the shared completion of a cache acquisition.  Every waiter on
// the same in flight lookup holds the same future, so one resolution fans out
// to all of them with an identical outcome.
type Future[V any] struct {
	// done is closed exactly once on resolution and acts as the memory
	// barrier for the fields below.
	done chan struct{}
	// handle is the outcome on success.
	handle Handle[V]
	// err is the outcome on failure.
	err error
}

func newFuture[V any]() *Future[V] {
	return &Future[V]{
		done: make(chan struct{}),
	}
}

func newResolvedFuture[V any](handle Handle[V]) *Future[V] {
	f := newFuture[V]()
	f.resolve(handle, nil)

	return f
}

// resolve publishes the outcome.  It must be called exactly once.
func (f *Future[V]) resolve(handle Handle[V], err error) {
	f.handle = handle
	f.err = err

	close(f.done)
}

// Done returns a channel that is closed once the future has resolved.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or the context is canceled.  On
// success the handle may still be unset, which means the backing store
// reported the key as absent.
func (f *Future[V]) Wait(ctx context.Context) (Handle[V], error) {
	select {
	case <-f.done:
		return f.handle, f.err
	case <-ctx.Done():
		return Handle[V]{}, fmt.Errorf("%w: %w", errors.ErrOperationInterrupted, ctx.Err())
	}
}
