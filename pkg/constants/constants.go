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

package constants

import (
	"fmt"
	"os"
	"path"
)

var (
	// Application is the application name.
	//nolint:gochecknoglobals
	Application = path.Base(os.Args[0])

	// Version is the application version, set at link time.
	//nolint:gochecknoglobals
	Version string

	// Revision is the git revision, set at link time.
	//nolint:gochecknoglobals
	Revision string
)

// VersionString returns a canonical version string.  It's based on
// HTTP's User-Agent so can be used to set that too, if this ever has to
// call out to other micro services.
func VersionString() string {
	return fmt.Sprintf("%s/%s (revision/%s)", Application, Version, Revision)
}

// IsProduction tells us whether we need to check for silly assumptions that
// don't exist or are mostly irrelevant in development land.
func IsProduction() bool {
	return Version != DeveloperVersion
}

const (
	// DeveloperVersion is the version that marks a development build.
	DeveloperVersion = "0.0.0"

	// TracerName identifies spans emitted by the cache's asynchronous
	// work shim.
	TracerName = "readthrough"
)
