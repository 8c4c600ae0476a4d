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

package service

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Service is a process-wide identity from which operations are fabricated.
// Every unit of background work performed on behalf of the process gets its
// own operation so it can be attributed and interrupted individually.
type Service struct {
	// name is the human readable service name.
	name string
	// client uniquely identifies this process instance.
	client string
	// log is the base logger operations derive from.
	log logr.Logger
}

// New creates a service context.  The client identity is unique per process
// so that work scheduled by different instances can be told apart.
func New(name string) *Service {
	return &Service{
		name:   name,
		client: fmt.Sprintf("%s-%s", name, uuid.NewString()),
		log:    log.Log.WithName(name),
	}
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// Client returns the process-wide client identity.
func (s *Service) Client() string {
	return s.client
}

// NewOperation fabricates a fresh operation for a unit of work.  The operation
// derives its context from the one provided, so process shutdown propagates to
// all outstanding operations.
func (s *Service) NewOperation(ctx context.Context) *Operation {
	id := uuid.NewString()

	opCtx, cancel := context.WithCancel(ctx)

	return &Operation{
		id:     id,
		client: s.client,
		ctx:    opCtx,
		cancel: cancel,
		log:    s.log.WithValues("operation", id, "client", s.client),
	}
}

// Operation is the handle through which a single unit of work can be logged
// against and interrupted.  It is opaque to the cache and passed verbatim to
// user lookup functions.
type Operation struct {
	// id uniquely identifies the operation.
	id string
	// client is the identity of the process that created the operation.
	client string
	// ctx is canceled when the operation is interrupted or finished.
	ctx context.Context
	// cancel interrupts the operation.
	cancel context.CancelFunc
	// log is scoped to the operation.
	log logr.Logger
}

// ID returns the operation identity.
func (o *Operation) ID() string {
	return o.id
}

// Client returns the identity of the owning process.
func (o *Operation) Client() string {
	return o.client
}

// Context returns a context that is canceled when the operation is
// interrupted.  Blocking work performed under the operation should watch it.
func (o *Operation) Context() context.Context {
	return o.ctx
}

// Log returns a logger scoped to the operation.
func (o *Operation) Log() logr.Logger {
	return o.log
}

// Interrupt requests cooperative cancellation of the operation.  Work that
// doesn't watch the context will run to completion regardless, this is best
// effort only.
func (o *Operation) Interrupt() {
	o.cancel()
}

// Interrupted tells us whether the operation has been interrupted.
func (o *Operation) Interrupted() bool {
	return o.ctx.Err() != nil
}

// Finish releases the operation's resources.  It must be called exactly once
// when the work completes.
func (o *Operation) Finish() {
	o.cancel()
}
