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

// Package handletable tracks per-open-file and per-open-directory state: the
// backing descriptor, the relative path, the digest observed at open time,
// the owning session, and whether the handle carries unflushed writes.
package handletable

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/neilmix/dibsfs/internal/digest"
	"github.com/neilmix/dibsfs/internal/virtualdir"
)

// State is the record kept for one open file.
type State struct {
	ID         fuseops.HandleID
	File       *os.File
	Path       string
	SID        uint32
	Flags      int
	HashAtOpen *digest.Digest // nil for a write-only open until a flush or truncate through it sets one
	Dirty      bool
}

// Table allocates monotonically increasing handle ids and stores one State
// per open file. All methods are safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	next    uint64
	entries map[fuseops.HandleID]*State
}

// New returns an empty handle table. Handle ids start at 1.
func New() *Table {
	return &Table{entries: make(map[fuseops.HandleID]*State)}
}

// Alloc stores st (assigning it a fresh id, which is also returned) and
// returns the id.
func (t *Table) Alloc(st *State) fuseops.HandleID {
	id := fuseops.HandleID(atomic.AddUint64(&t.next, 1))
	st.ID = id

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = st
	return id
}

// Get returns a copy of the state for id, if present. Callers read the
// copy and change fields through Mutate, so reads are serialized against
// concurrent writers of the same entry.
func (t *Table) Get(id fuseops.HandleID) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.entries[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Mutate runs fn with exclusive access to the state for id, if present. It
// reports whether id was found.
func (t *Table) Mutate(id fuseops.HandleID, fn func(*State)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.entries[id]
	if !ok {
		return false
	}
	fn(st)
	return true
}

// Remove deletes the entry for id, if present, and returns a copy of it.
func (t *Table) Remove(id fuseops.HandleID) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.entries[id]
	if !ok {
		return State{}, false
	}
	delete(t.entries, id)
	return *st, true
}

// ListOpen returns a snapshot of every currently open handle with a valid
// backing descriptor whose path is outside the virtual tree.
func (t *Table) ListOpen() []State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]State, 0, len(t.entries))
	for _, st := range t.entries {
		if st.File == nil {
			continue
		}
		if st.Path == virtualdir.DirName || strings.HasPrefix(st.Path, virtualdir.DirName+"/") {
			continue
		}
		out = append(out, *st)
	}
	return out
}

// DirState is the record kept for one open directory.
type DirState struct {
	ID   fuseops.HandleID
	Path string
	// Entries is a snapshot of directory contents taken at OpenDir time,
	// so concurrent ReadDir calls against the same handle see a
	// consistent listing regardless of kernel-driven re-reads.
	Entries []fuseutil.Dirent
}

// DirTable is the sibling of Table for directory handles; it follows the
// same id-allocation and locking discipline.
type DirTable struct {
	mu      sync.RWMutex
	next    uint64
	entries map[fuseops.HandleID]*DirState
}

// NewDirTable returns an empty directory handle table.
func NewDirTable() *DirTable {
	return &DirTable{entries: make(map[fuseops.HandleID]*DirState)}
}

// Alloc stores st under a fresh id and returns it.
func (t *DirTable) Alloc(st *DirState) fuseops.HandleID {
	id := fuseops.HandleID(atomic.AddUint64(&t.next, 1))
	st.ID = id

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = st
	return id
}

// Get returns a copy of the state for id, if present. The Entries slice is
// shared with the stored record but is never mutated after Alloc.
func (t *DirTable) Get(id fuseops.HandleID) (DirState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.entries[id]
	if !ok {
		return DirState{}, false
	}
	return *st, true
}

// Remove deletes the entry for id, if present.
func (t *DirTable) Remove(id fuseops.HandleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}
