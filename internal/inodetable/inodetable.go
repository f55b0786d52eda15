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

// Package inodetable maintains the bidirectional mapping between
// kernel-facing inode numbers and backing-relative paths, plus a reserved
// range of synthetic inodes for virtual entries that have no backing file.
package inodetable

import (
	"sync"

	"github.com/jacobsa/fuse/fuseops"
)

// RootInode is always bound to the empty relative path.
const RootInode = fuseops.RootInodeID

// syntheticRangeSize is the number of inode numbers reserved for virtual
// entries, drawn from the top of the uint64 space.
const syntheticRangeSize = 1000

// FirstSynthetic is the lowest inode number in the reserved synthetic
// range; allocations proceed downward from the top of the address space.
const FirstSynthetic = ^fuseops.InodeID(0) - syntheticRangeSize + 1

// Table is a bijective map between inode numbers and relative paths, safe
// for concurrent use.
type Table struct {
	mu        sync.Mutex
	byIno     map[fuseops.InodeID]string
	byPath    map[string]fuseops.InodeID
	nextSynth fuseops.InodeID
}

// New returns a Table with the root path bound to inode 1.
func New() *Table {
	t := &Table{
		byIno:     make(map[fuseops.InodeID]string),
		byPath:    make(map[string]fuseops.InodeID),
		nextSynth: ^fuseops.InodeID(0),
	}
	t.byIno[RootInode] = ""
	t.byPath[""] = RootInode
	return t
}

// Insert binds ino to path, first atomically removing any prior mapping
// that touches either key, so the table remains a bijection between live
// entries.
func (t *Table) Insert(ino fuseops.InodeID, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeByInoLocked(ino)
	t.removeByPathLocked(path)
	t.byIno[ino] = path
	t.byPath[path] = ino
}

// GetPath returns the path bound to ino, if any.
func (t *Table) GetPath(ino fuseops.InodeID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byIno[ino]
	return p, ok
}

// GetIno returns the inode bound to path, if any.
func (t *Table) GetIno(path string) (fuseops.InodeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ino, ok := t.byPath[path]
	return ino, ok
}

// RemoveByIno deletes the mapping keyed on ino, if any.
func (t *Table) RemoveByIno(ino fuseops.InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeByInoLocked(ino)
}

// RemoveByPath deletes the mapping keyed on path, if any.
func (t *Table) RemoveByPath(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeByPathLocked(path)
}

func (t *Table) removeByInoLocked(ino fuseops.InodeID) {
	if p, ok := t.byIno[ino]; ok {
		delete(t.byIno, ino)
		delete(t.byPath, p)
	}
}

func (t *Table) removeByPathLocked(path string) {
	if ino, ok := t.byPath[path]; ok {
		delete(t.byPath, path)
		delete(t.byIno, ino)
	}
}

// Rename relocates the entry keyed on oldPath to newPath, preserving its
// inode number. It is a no-op if oldPath is not tracked.
func (t *Table) Rename(oldPath, newPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ino, ok := t.byPath[oldPath]
	if !ok {
		return
	}
	t.removeByPathLocked(newPath)
	delete(t.byPath, oldPath)
	t.byPath[newPath] = ino
	t.byIno[ino] = newPath
}

// AllocSynthetic returns a fresh inode number from the reserved high range.
func (t *Table) AllocSynthetic() fuseops.InodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ino := t.nextSynth
	t.nextSynth--
	return ino
}

// IsSynthetic reports whether ino falls within the reserved synthetic
// range.
func IsSynthetic(ino fuseops.InodeID) bool {
	return ino >= FirstSynthetic
}
