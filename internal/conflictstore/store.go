// Copyright 2025 The dibsfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package conflictstore persists rejected write payloads for diagnostic
// purposes. Persistence is best-effort: failures are swallowed, so a
// write's rejection never itself becomes a secondary failure.
package conflictstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jacobsa/timeutil"
)

// DirName is the conflict-store directory, relative to the backing root.
// It is filtered out of directory listings surfaced through the mount.
const DirName = ".dibs-conflicts"

// Store writes rejected write bodies under <backingRoot>/.dibs-conflicts/.
type Store struct {
	backingRoot string
	clock       timeutil.Clock
	enabled     bool
}

// New returns a Store rooted at backingRoot. If enabled is false, Save is a
// no-op; this lets the dispatcher call Save unconditionally and let the
// save-conflicts configuration toggle live entirely inside this package.
func New(backingRoot string, clock timeutil.Clock, enabled bool) *Store {
	return &Store{backingRoot: backingRoot, clock: clock, enabled: enabled}
}

// Save writes payload under the conflict directory using a
// <utc-timestamp>_<basename> filename derived from relPath. Any error is
// swallowed; Save never reports failure to its caller.
func (s *Store) Save(relPath string, payload []byte) {
	if !s.enabled {
		return
	}

	dir := filepath.Join(s.backingRoot, DirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}

	name := fmt.Sprintf("%s_%s", s.clock.Now().UTC().Format("20060102T150405.000000000Z"), filepath.Base(relPath))
	_ = os.WriteFile(filepath.Join(dir, name), payload, 0644)
}
