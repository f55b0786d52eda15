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

// Package virtualdir synthesizes the contents of the read-only .dibs/ tree:
// a live status report, a lock listing, and the conflict-store mirror.
package virtualdir

import (
	"encoding/json"
	"time"

	"github.com/neilmix/dibsfs/internal/cas"
)

// Name constants for the synthetic tree.
const (
	DirName          = ".dibs"
	StatusFileName   = "status"
	LocksFileName    = "locks"
	ConflictsDirName = "conflicts"
)

// StatusReport is the JSON body served at .dibs/status.
type StatusReport struct {
	TrackedFiles  int    `json:"tracked_files"`
	ActiveLocks   int    `json:"active_locks"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	SessionID     string `json:"session_id"`
}

// RenderStatus builds the JSON-encoded status report. sessionLabel is the
// configured textual session label, distinct from the numeric OS session
// ids used for OCC identity.
func RenderStatus(table *cas.Table, startedAt time.Time, now time.Time, sessionLabel string) []byte {
	report := StatusReport{
		TrackedFiles:  table.TrackedFileCount(),
		ActiveLocks:   table.ActiveWriterCount(),
		UptimeSeconds: int64(now.Sub(startedAt).Seconds()),
		SessionID:     sessionLabel,
	}
	b, _ := json.MarshalIndent(report, "", "  ")
	return append(b, '\n')
}

// LockInfo is one row of the .dibs/locks listing.
type LockInfo struct {
	Path       string  `json:"path"`
	Owner      *uint64 `json:"owner,omitempty"`
	LastAccess string  `json:"last_access"`
}

// RenderLocks builds the JSON-encoded, pretty-printed listing of tracked
// FileStates.
func RenderLocks(table *cas.Table) []byte {
	snapshots := table.ListTracked()
	infos := make([]LockInfo, 0, len(snapshots))
	for _, s := range snapshots {
		info := LockInfo{Path: s.Path, LastAccess: s.LastAccess.UTC().Format(time.RFC3339)}
		if s.Owner != nil {
			owner := uint64(*s.Owner)
			info.Owner = &owner
		}
		infos = append(infos, info)
	}
	b, _ := json.MarshalIndent(infos, "", "  ")
	return append(b, '\n')
}
