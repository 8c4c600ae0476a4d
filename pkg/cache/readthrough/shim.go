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
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/unikorn-cloud/readthrough/pkg/errors"
	"github.com/unikorn-cloud/readthrough/pkg/service"
)

// taskState tracks a scheduled unit of work through its lifetime.
type taskState int

const (
	// taskPending means the work is queued but has not begun executing.
	taskPending taskState = iota
	// taskRunning means a worker has picked the work up.
	taskRunning
	// taskDone means the work ran and its callback has been delivered.
	taskDone
	// taskCanceled means the work was dequeued before execution and its
	// callback delivered out of line with a cancellation error.
	taskCanceled
)

// cancelToken is the handle returned when work is scheduled through the shim.
// Its lock ranks strictly below the cache lock so invalidation never waits on
// work completion.
type cancelToken[V any] struct {
	// lock guards the state transitions.
	lock sync.Mutex
	// state is where the work is in its lifetime.
	state taskState
	// op is set for the duration of execution so a best effort interrupt
	// can be attempted on running work.
	op *service.Operation
	// deliver is the completion callback.  It is invoked exactly once,
	// either with the lookup's outcome or with a cancellation error.
	deliver func(value *V, err error)
}

// tryCancel attempts to stop the work.  Work that has not begun executing is
// logically removed from the queue and its callback invoked out of line with
// a cancellation error.  Work that is already executing is interrupted on a
// best effort basis and left to complete normally.
func (t *cancelToken[V]) tryCancel() {
	t.lock.Lock()

	switch t.state {
	case taskPending:
		t.state = taskCanceled
		t.lock.Unlock()

		go t.deliver(nil, errors.ErrLookupCanceled)
	case taskRunning:
		op := t.op
		t.lock.Unlock()

		if op != nil {
			op.Interrupt()
		}
	case taskDone, taskCanceled:
		t.lock.Unlock()
	}
}

// asyncWork schedules a lookup for key on the worker pool.  The work is
// invoked with a freshly fabricated operation, torn down immediately after
// the lookup returns.  If the pool refuses the work the callback is delivered
// out of line with a cancellation error, the caller never needs to care.
func (c *Cache[K, V]) asyncWork(key K, deliver func(value *V, err error)) *cancelToken[V] {
	token := &cancelToken[V]{
		deliver: deliver,
	}

	run := func() {
		token.lock.Lock()

		if token.state != taskPending {
			// Dequeued after a pre-execution cancellation, the
			// callback has already been delivered.
			token.lock.Unlock()
			return
		}

		op := c.service.NewOperation(context.Background())

		token.state = taskRunning
		token.op = op
		token.lock.Unlock()

		value, err := c.runLookup(op, key)

		op.Finish()

		token.lock.Lock()
		token.state = taskDone
		token.op = nil
		token.lock.Unlock()

		deliver(value, err)
	}

	if err := c.pool.Submit(run); err != nil {
		token.lock.Lock()
		token.state = taskCanceled
		token.lock.Unlock()

		go deliver(nil, fmt.Errorf("%w: %w", errors.ErrLookupCanceled, err))
	}

	return token
}

// runLookup invokes the user lookup function under a span, containing any
// panic as a lookup failure.
func (c *Cache[K, V]) runLookup(op *service.Operation, key K) (value *V, err error) {
	_, span := c.tracer.Start(op.Context(), "readthrough.lookup")

	span.SetAttributes(
		attribute.String("operation", op.ID()),
		attribute.String("client", op.Client()),
		attribute.String("key", fmt.Sprint(key)),
	)

	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, x)
		}

		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}

		span.End()
	}()

	return c.lookup(op, key)
}
