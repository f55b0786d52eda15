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

// Package cas implements the optimistic-concurrency-control core: the
// per-path write-ownership table and the per-(session,path) reader-hash
// registry, and the admission protocol that decides whether a write may
// proceed.
package cas

import (
	"sync"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"

	"github.com/neilmix/dibsfs/internal/dibserr"
	"github.com/neilmix/dibsfs/internal/digest"
)

// readerKey identifies one session's view of one path.
type readerKey struct {
	sid  uint32
	path string
}

// fileState is the per-path record: the handle currently holding the write
// lock, if any, and the last time the admission protocol admitted a write
// for the path. Reader registration does not touch lastAccess, so a state
// created by Ensure keeps a zero lastAccess until its first admission.
type fileState struct {
	mu         sync.Mutex
	writeOwner fuseops.HandleID
	hasOwner   bool
	lastAccess time.Time
}

// readerEntry is the per-(session,path) baseline.
type readerEntry struct {
	digest     digest.Digest
	lastAccess time.Time
}

// Table is the CAS core. All methods are safe for concurrent use across
// paths; operations on the same path are serialized by that path's
// fileState lock only for the duration of the admission check, not for the
// I/O the caller performs around it.
type Table struct {
	clock timeutil.Clock

	mu      sync.Mutex // guards files and readers maps themselves
	files   map[string]*fileState
	readers map[readerKey]*readerEntry
}

// New returns an empty CAS table using clock for all timestamps.
func New(clock timeutil.Clock) *Table {
	return &Table{
		clock:   clock,
		files:   make(map[string]*fileState),
		readers: make(map[readerKey]*readerEntry),
	}
}

func (t *Table) getOrCreateFileState(path string) *fileState {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs, ok := t.files[path]
	if !ok {
		fs = &fileState{}
		t.files[path] = fs
	}
	return fs
}

func (t *Table) getFileState(path string) (*fileState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs, ok := t.files[path]
	return fs, ok
}

// Ensure lazily creates a FileState for path with no owner, so a later
// admission can take ownership without an intervening read. Used by the
// dispatcher for write-only opens.
func (t *Table) Ensure(path string) {
	t.getOrCreateFileState(path)
}

// RegisterReader records that session sid observed d as the content of path
// at open or flush time.
func (t *Table) RegisterReader(sid uint32, path string, d digest.Digest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readers[readerKey{sid, path}] = &readerEntry{digest: d, lastAccess: t.clock.Now()}
}

// ReaderDigest returns the digest session sid last observed for path, if
// any.
func (t *Table) ReaderDigest(sid uint32, path string) (digest.Digest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.readers[readerKey{sid, path}]
	if !ok {
		return nil, false
	}
	return e.digest, true
}

// HashProvider supplies the actual on-disk digest of path at admission
// time. The dispatcher passes digest.Hash; tests substitute a stub.
type HashProvider func(path string) (digest.Digest, error)

// AdmitWrite runs the admission protocol for handle h writing
// through session sid to path, with hashAtOpen being the handle's baseline
// (nil if the handle was opened write-only). hash supplies the actual
// on-disk digest. It returns nil if the write is admitted, or a
// dibserr-wrapped error otherwise.
func (t *Table) AdmitWrite(h fuseops.HandleID, sid uint32, path string, hashAtOpen *digest.Digest, hash HashProvider) error {
	fs := t.getOrCreateFileState(path)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.hasOwner && fs.writeOwner == h {
		fs.lastAccess = t.clock.Now()
		return nil
	}
	if fs.hasOwner {
		return dibserr.ErrWriteOwnership
	}

	var reference digest.Digest
	blind := false
	if hashAtOpen != nil {
		reference = *hashAtOpen
	} else if d, ok := t.ReaderDigest(sid, path); ok {
		reference = d
	} else {
		blind = true
	}

	if !blind {
		actual, err := hash(path)
		if err != nil {
			return err
		}
		if !reference.Equal(actual) {
			return dibserr.ErrCasConflict
		}
	}

	fs.writeOwner = h
	fs.hasOwner = true
	fs.lastAccess = t.clock.Now()
	return nil
}

// CheckDelete runs the CAS rule for unlink/rmdir: if a baseline exists for
// path and it disagrees with the actual on-disk digest, the deletion is
// rejected. sid and hashAtOpen behave as in AdmitWrite; hash supplies the
// actual digest. If there is no baseline at all (never read, no handle
// baseline), the delete is admitted unconditionally, matching a blind
// write's treatment.
func (t *Table) CheckDelete(sid uint32, path string, hashAtOpen *digest.Digest, hash HashProvider) error {
	var reference digest.Digest
	have := false

	if hashAtOpen != nil {
		reference = *hashAtOpen
		have = true
	} else if d, ok := t.ReaderDigest(sid, path); ok {
		reference = d
		have = true
	}

	if !have {
		return nil
	}

	actual, err := hash(path)
	if err != nil {
		return err
	}
	if !reference.Equal(actual) {
		return dibserr.ErrCasConflict
	}
	return nil
}

// ReleaseWrite clears path's write ownership if it is currently held by h.
// It is a no-op otherwise.
func (t *Table) ReleaseWrite(h fuseops.HandleID, path string) {
	fs, ok := t.getFileState(path)
	if !ok {
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.hasOwner && fs.writeOwner == h {
		fs.hasOwner = false
	}
}

// Invalidate drops every ReaderEntry keyed on path, so the next write-only
// admission for any session finds no baseline and is admitted as a blind
// write, until a fresh read-capable open registers a new one. A handle already holding hash_at_open from
// before the external modification is unaffected by this call directly; it
// is rejected instead by AdmitWrite's ordinary digest comparison, since the
// modification that triggered Invalidate necessarily changed the on-disk
// content away from that stale hash_at_open.
func (t *Table) Invalidate(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.readers {
		if k.path == path {
			delete(t.readers, k)
		}
	}
}

// HasActiveWriter reports whether path currently has a write owner. The
// watcher uses this to implement suppression layer 2.
func (t *Table) HasActiveWriter(path string) bool {
	fs, ok := t.getFileState(path)
	if !ok {
		return false
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.hasOwner
}

// Remove deletes all tracked state for path: its FileState and every
// ReaderEntry keyed on it. Used by unlink/rmdir on success.
func (t *Table) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, path)
	for k := range t.readers {
		if k.path == path {
			delete(t.readers, k)
		}
	}
}

// Rename relocates exactly the FileState keyed on oldPath and exactly the
// ReaderEntries whose path component is oldPath, to newPath. Locks on
// oldPath and newPath are taken in lexicographic order to preclude
// deadlock against a concurrent rename the other way.
func (t *Table) Rename(oldPath, newPath string) {
	first, second := oldPath, newPath
	if second < first {
		first, second = second, first
	}
	firstFS := t.getOrCreateFileState(first)
	firstFS.mu.Lock()
	defer firstFS.mu.Unlock()

	var secondFS *fileState
	if second != first {
		secondFS = t.getOrCreateFileState(second)
		secondFS.mu.Lock()
		defer secondFS.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.files[oldPath]
	if ok {
		delete(t.files, oldPath)
		t.files[newPath] = old
	}
	for k, v := range t.readers {
		if k.path == oldPath {
			delete(t.readers, k)
			t.readers[readerKey{k.sid, newPath}] = v
		}
	}
}

// EvictOlderThan removes every FileState with no write owner whose
// lastAccess predates the cutoff, and every ReaderEntry whose lastAccess
// predates it. A FileState with a non-null owner is never evicted.
func (t *Table) EvictOlderThan(cutoff time.Time) {
	// Snapshot first: per-path FileState locks are ordered before the
	// table lock everywhere else (AdmitWrite holds a FileState lock while
	// consulting the readers map), so taking them under t.mu here would
	// invert that order.
	t.mu.Lock()
	paths := make([]string, 0, len(t.files))
	states := make([]*fileState, 0, len(t.files))
	for p, fs := range t.files {
		paths = append(paths, p)
		states = append(states, fs)
	}
	t.mu.Unlock()

	for i, fs := range states {
		fs.mu.Lock()
		evict := !fs.hasOwner && fs.lastAccess.Before(cutoff)
		fs.mu.Unlock()
		if !evict {
			continue
		}
		t.mu.Lock()
		// Re-check identity: the path may have been removed and lazily
		// re-created since the snapshot.
		if cur, ok := t.files[paths[i]]; ok && cur == fs {
			delete(t.files, paths[i])
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.readers {
		if e.lastAccess.Before(cutoff) {
			delete(t.readers, k)
		}
	}
}

// Snapshot is one row of the .dibs/locks listing.
type Snapshot struct {
	Path       string
	Owner      *fuseops.HandleID
	LastAccess time.Time
}

// ListTracked returns a snapshot of every tracked FileState, for the
// virtual locks and status files.
func (t *Table) ListTracked() []Snapshot {
	t.mu.Lock()
	paths := make([]string, 0, len(t.files))
	states := make([]*fileState, 0, len(t.files))
	for p, fs := range t.files {
		paths = append(paths, p)
		states = append(states, fs)
	}
	t.mu.Unlock()

	out := make([]Snapshot, 0, len(paths))
	for i, fs := range states {
		fs.mu.Lock()
		s := Snapshot{Path: paths[i], LastAccess: fs.lastAccess}
		if fs.hasOwner {
			owner := fs.writeOwner
			s.Owner = &owner
		}
		fs.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// ActiveWriterCount returns the number of tracked paths with a non-null
// write owner, for the virtual status file.
func (t *Table) ActiveWriterCount() int {
	n := 0
	for _, s := range t.ListTracked() {
		if s.Owner != nil {
			n++
		}
	}
	return n
}

// TrackedFileCount returns the number of paths with any tracked state.
func (t *Table) TrackedFileCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
