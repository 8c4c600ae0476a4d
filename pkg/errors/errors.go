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

package errors

import (
	"errors"
)

var (
	// ErrLookupCanceled is raised when a scheduled lookup was removed from
	// the work queue before it could run, or the pool refused to schedule it.
	// The name is preserved verbatim in error text for diagnostics.
	ErrLookupCanceled = errors.New("ReadThroughCacheLookupCanceled: lookup canceled before completion")

	// ErrShutdown is raised when work is scheduled against a pool that has
	// been shut down.  It is treated as a cancellation.
	ErrShutdown = errors.New("worker pool shut down")

	// ErrOperationInterrupted is raised when waiting on an operation whose
	// context has been interrupted.
	ErrOperationInterrupted = errors.New("operation interrupted")

	// ErrWorkerPanic is used to handle worker panics.
	ErrWorkerPanic = errors.New("worker panic")
)

// IsCancellation tells us whether an error terminates a lookup round without
// any possibility of a retry producing fresh data.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrLookupCanceled) || errors.Is(err, ErrShutdown)
}
