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

package pool

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/unikorn-cloud/readthrough/pkg/errors"
	"github.com/unikorn-cloud/readthrough/pkg/options"
)

// WorkPool executes nullary tasks on a fixed set of workers in FIFO order.
// Tasks are opaque, anything needing a result communicates through captured
// state.
type WorkPool struct {
	// tasks is the bounded submission queue.
	tasks chan func()
	// group owns the worker goroutines.
	group *errgroup.Group

	// lock serializes submission against shutdown.
	lock sync.Mutex
	// down records that Shutdown has been called.
	down bool
}

// New creates a pool with the given number of workers and queue depth.
// Workers must be at least one or nothing will ever run.
func New(workers, depth int) *WorkPool {
	p := &WorkPool{
		tasks: make(chan func(), depth),
		group: &errgroup.Group{},
	}

	for range workers {
		p.group.Go(p.run)
	}

	return p
}

// NewFromOptions creates a pool sized by flag configurable options.
func NewFromOptions(o *options.CacheOptions) *WorkPool {
	return New(o.Workers, o.QueueDepth)
}

// run is the worker loop.  A panicking task is contained here so one bad
// task cannot take out the whole pool.
func (p *WorkPool) run() error {
	for task := range p.tasks {
		p.invoke(task)
	}

	return nil
}

// invoke runs a single task with panic containment.
func (p *WorkPool) invoke(task func()) {
	defer func() {
		if x := recover(); x != nil {
			log.Log.Error(errors.ErrWorkerPanic, "caught unhandled exception", "value", x)
		}
	}()

	task()
}

// Submit queues a task for execution.  It blocks while the queue is full and
// returns ErrShutdown once the pool has been shut down.
func (p *WorkPool) Submit(task func()) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.down {
		return errors.ErrShutdown
	}

	p.tasks <- task

	return nil
}

// Shutdown stops accepting new work, drains anything already queued and joins
// the workers.  It is idempotent.
func (p *WorkPool) Shutdown() {
	p.lock.Lock()

	if p.down {
		p.lock.Unlock()
		return
	}

	p.down = true
	p.lock.Unlock()

	close(p.tasks)

	//nolint:errcheck
	p.group.Wait()
}
