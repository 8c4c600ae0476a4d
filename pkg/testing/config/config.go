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

package config

import (
	"time"
)

// SoakConfig contains the knobs for the long running concurrency soak tests.
// These are off by default so the unit suite stays fast, CI opts in through
// the environment.
type SoakConfig struct {
	// Enabled opts the soak tests in.
	Enabled bool
	// Duration is how long to keep the load up.
	Duration time.Duration
	// Readers is the number of concurrent acquiring goroutines.
	Readers int
	// Invalidators is the number of concurrent invalidating goroutines.
	Invalidators int
	// Keys is the size of the key space, smaller means more contention.
	Keys int
	// CacheSize bounds the cache under test.
	CacheSize int
}

// NewSoakConfig creates a SoakConfig with default values.
func NewSoakConfig() *SoakConfig {
	return &SoakConfig{
		Duration:     5 * time.Second,
		Readers:      16,
		Invalidators: 2,
		Keys:         32,
		CacheSize:    16,
	}
}
