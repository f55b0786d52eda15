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

package dibsfs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
	"github.com/stretchr/testify/require"

	"github.com/neilmix/dibsfs/internal/conflictstore"
	"github.com/neilmix/dibsfs/internal/virtualdir"
)

func init() {
	syncutil.EnableInvariantChecking()
}

// The tests below treat the request pid as the session id directly, so one
// test process can act as several independent agents.
func newTestFS(t *testing.T, mutate func(*Config)) (*FileSystem, string) {
	t.Helper()
	backing := t.TempDir()

	cfg := Config{
		Backing:         backing,
		SessionLabel:    "test-session",
		SessionResolver: func(pid int) (uint32, error) { return uint32(pid), nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fs, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(fs.Destroy)
	return fs, backing
}

func opCtx(sid uint32) fuseops.OpContext {
	return fuseops.OpContext{Pid: sid}
}

func lookup(t *testing.T, fs *FileSystem, parent fuseops.InodeID, name string) fuseops.ChildInodeEntry {
	t.Helper()
	op := &fuseops.LookUpInodeOp{Parent: parent, Name: name}
	require.NoError(t, fs.LookUpInode(context.Background(), op))
	return op.Entry
}

func openFor(t *testing.T, fs *FileSystem, ino fuseops.InodeID, accMode int, sid uint32) fuseops.HandleID {
	t.Helper()
	op := &fuseops.OpenFileOp{Inode: ino, OpContext: opCtx(sid)}
	op.OpenFlags = 0
	switch accMode {
	case syscall.O_WRONLY:
		op.OpenFlags = syscall.O_WRONLY
	case syscall.O_RDWR:
		op.OpenFlags = syscall.O_RDWR
	}
	require.NoError(t, fs.OpenFile(context.Background(), op))
	return op.Handle
}

func writeThrough(fs *FileSystem, h fuseops.HandleID, payload string, sid uint32) error {
	return fs.WriteFile(context.Background(), &fuseops.WriteFileOp{
		Handle:    h,
		Offset:    0,
		Data:      []byte(payload),
		OpContext: opCtx(sid),
	})
}

func flushAndRelease(t *testing.T, fs *FileSystem, h fuseops.HandleID) {
	t.Helper()
	require.NoError(t, fs.FlushFile(context.Background(), &fuseops.FlushFileOp{Handle: h}))
	require.NoError(t, fs.ReleaseFileHandle(context.Background(), &fuseops.ReleaseFileHandleOp{Handle: h}))
}

func TestTwoSessionsSecondWriterRejected(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(backing, "f"), []byte("x"), 0644))

	entry := lookup(t, fs, fuseops.RootInodeID, "f")
	hA := openFor(t, fs, entry.Child, syscall.O_RDWR, 100)
	hB := openFor(t, fs, entry.Child, syscall.O_RDWR, 200)

	require.NoError(t, writeThrough(fs, hA, "payload-A", 100))
	flushAndRelease(t, fs, hA)

	err := writeThrough(fs, hB, "payload-B", 200)
	require.ErrorIs(t, err, syscall.EIO)

	got, readErr := os.ReadFile(filepath.Join(backing, "f"))
	require.NoError(t, readErr)
	require.Equal(t, "payload-A", string(got))
}

func TestSameHandleWriteFlushWriteAdmits(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(backing, "f"), []byte("v1"), 0644))

	entry := lookup(t, fs, fuseops.RootInodeID, "f")
	h := openFor(t, fs, entry.Child, syscall.O_RDWR, 100)

	require.NoError(t, writeThrough(fs, h, "v2", 100))
	require.NoError(t, fs.FlushFile(context.Background(), &fuseops.FlushFileOp{Handle: h}))
	require.NoError(t, writeThrough(fs, h, "v3", 100))
	flushAndRelease(t, fs, h)

	got, err := os.ReadFile(filepath.Join(backing, "f"))
	require.NoError(t, err)
	require.Equal(t, "v3", string(got))
}

func TestExternalModificationRejectsWrite(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	path := filepath.Join(backing, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	entry := lookup(t, fs, fuseops.RootInodeID, "f")
	h := openFor(t, fs, entry.Child, syscall.O_RDWR, 100)

	// An external agent mutates the backing file behind the mount's back.
	require.NoError(t, os.WriteFile(path, []byte("world"), 0644))

	err := writeThrough(fs, h, "goodbye", 100)
	require.ErrorIs(t, err, syscall.EIO)

	got, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	require.Equal(t, "world", string(got))
}

func TestOneSessionTwoFilesBothAdmit(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(backing, "f"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(backing, "g"), []byte("hi"), 0644))

	fEntry := lookup(t, fs, fuseops.RootInodeID, "f")
	gEntry := lookup(t, fs, fuseops.RootInodeID, "g")
	hf := openFor(t, fs, fEntry.Child, syscall.O_RDWR, 100)
	hg := openFor(t, fs, gEntry.Child, syscall.O_RDWR, 100)

	require.NoError(t, writeThrough(fs, hf, "new-f", 100))
	require.NoError(t, writeThrough(fs, hg, "new-g", 100))
	flushAndRelease(t, fs, hf)
	flushAndRelease(t, fs, hg)
}

func TestUnlinkOnStaleViewRejected(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	path := filepath.Join(backing, "f")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	entry := lookup(t, fs, fuseops.RootInodeID, "f")
	h := openFor(t, fs, entry.Child, syscall.O_RDONLY, 100)
	defer flushAndRelease(t, fs, h)

	// Shield the external write from the watcher: the unlink check reads
	// the session baseline, which must survive for the check to be
	// non-blind; what's under test is the admission-time re-hash.
	fs.suppression.ArmExpected(path)
	fs.suppression.MarkRecent(path)
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))

	err := fs.Unlink(context.Background(), &fuseops.UnlinkOp{
		Parent:    fuseops.RootInodeID,
		Name:      "f",
		OpContext: opCtx(100),
	})
	require.ErrorIs(t, err, syscall.EIO)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "a rejected unlink must leave the backing file in place")
}

func TestBlindWriteAdmits(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	path := filepath.Join(backing, "f")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	// Session 300 never read f; another session's reader entry must not
	// bind it.
	entry := lookup(t, fs, fuseops.RootInodeID, "f")
	hReader := openFor(t, fs, entry.Child, syscall.O_RDONLY, 100)
	defer flushAndRelease(t, fs, hReader)

	h := openFor(t, fs, entry.Child, syscall.O_WRONLY, 300)
	require.NoError(t, writeThrough(fs, h, "new", 300))
	flushAndRelease(t, fs, h)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

func TestWriteOnlyOpenUsesSessionBaseline(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	path := filepath.Join(backing, "f")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	// The session reads through one handle, establishing its baseline.
	entry := lookup(t, fs, fuseops.RootInodeID, "f")
	hr := openFor(t, fs, entry.Child, syscall.O_RDONLY, 100)
	flushAndRelease(t, fs, hr)

	// Shield the external write from the watcher so the session baseline
	// survives; what's under test is the admission-time re-hash.
	fs.suppression.ArmExpected(path)
	fs.suppression.MarkRecent(path)
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))

	// A later write-only handle in the same session carries no hash of its
	// own, so the stale session baseline must reject the write.
	hw := openFor(t, fs, entry.Child, syscall.O_WRONLY, 100)
	err := writeThrough(fs, hw, "v3", 100)
	require.ErrorIs(t, err, syscall.EIO)
}

func TestCreateWriteReadBack(t *testing.T) {
	fs, backing := newTestFS(t, nil)

	op := &fuseops.CreateFileOp{
		Parent:    fuseops.RootInodeID,
		Name:      "f",
		Mode:      0644,
		OpContext: opCtx(100),
	}
	require.NoError(t, fs.CreateFile(context.Background(), op))

	require.NoError(t, writeThrough(fs, op.Handle, "contents", 100))
	flushAndRelease(t, fs, op.Handle)

	got, err := os.ReadFile(filepath.Join(backing, "f"))
	require.NoError(t, err)
	require.Equal(t, "contents", string(got))
}

func TestReadOnlyFallbackReportsEROFS(t *testing.T) {
	fs, backing := newTestFS(t, func(c *Config) { c.ReadOnlyFallback = true })
	path := filepath.Join(backing, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	entry := lookup(t, fs, fuseops.RootInodeID, "f")
	h := openFor(t, fs, entry.Child, syscall.O_RDWR, 100)

	require.NoError(t, os.WriteFile(path, []byte("world"), 0644))

	err := writeThrough(fs, h, "goodbye", 100)
	require.ErrorIs(t, err, syscall.EROFS)
}

func TestRejectedWriteSavedToConflictStore(t *testing.T) {
	fs, backing := newTestFS(t, func(c *Config) { c.SaveConflicts = true })
	path := filepath.Join(backing, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	entry := lookup(t, fs, fuseops.RootInodeID, "f")
	h := openFor(t, fs, entry.Child, syscall.O_RDWR, 100)

	require.NoError(t, os.WriteFile(path, []byte("world"), 0644))
	require.Error(t, writeThrough(fs, h, "goodbye", 100))

	entries, err := os.ReadDir(filepath.Join(backing, conflictstore.DirName))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	saved, err := os.ReadFile(filepath.Join(backing, conflictstore.DirName, entries[0].Name()))
	require.NoError(t, err)
	require.Equal(t, "goodbye", string(saved))

	// The same payload is reachable through the virtual conflicts mirror.
	dibsEntry := lookup(t, fs, fuseops.RootInodeID, virtualdir.DirName)
	conflictsEntry := lookup(t, fs, dibsEntry.Child, virtualdir.ConflictsDirName)
	fileEntry := lookup(t, fs, conflictsEntry.Child, entries[0].Name())
	require.Equal(t, uint64(len("goodbye")), fileEntry.Attributes.Size)

	ch := openFor(t, fs, fileEntry.Child, syscall.O_RDONLY, 100)
	readOp := &fuseops.ReadFileOp{Inode: fileEntry.Child, Handle: ch, Dst: make([]byte, 64)}
	require.NoError(t, fs.ReadFile(context.Background(), readOp))
	require.Equal(t, "goodbye", string(readOp.Dst[:readOp.BytesRead]))
	require.NoError(t, fs.ReleaseFileHandle(context.Background(), &fuseops.ReleaseFileHandleOp{Handle: ch}))
}

func TestSetattrTruncateOnStaleViewRejected(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	path := filepath.Join(backing, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	entry := lookup(t, fs, fuseops.RootInodeID, "f")
	h := openFor(t, fs, entry.Child, syscall.O_RDWR, 100)

	require.NoError(t, os.WriteFile(path, []byte("world!"), 0644))

	var size uint64
	err := fs.SetInodeAttributes(context.Background(), &fuseops.SetInodeAttributesOp{
		Inode:     entry.Child,
		Handle:    &h,
		Size:      &size,
		OpContext: opCtx(100),
	})
	require.ErrorIs(t, err, syscall.EIO)
}

func TestRenameRelocatesSessionBaseline(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(backing, "old"), []byte("v1"), 0644))

	entry := lookup(t, fs, fuseops.RootInodeID, "old")
	hr := openFor(t, fs, entry.Child, syscall.O_RDONLY, 100)
	flushAndRelease(t, fs, hr)

	require.NoError(t, fs.Rename(context.Background(), &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "old",
		NewParent: fuseops.RootInodeID,
		NewName:   "new",
		OpContext: opCtx(100),
	}))

	// The relocated baseline still refers to "v1", so a write-only handle
	// on the new name after an external change must be rejected. Shield
	// the change from the watcher so the baseline survives to be checked.
	fs.suppression.ArmExpected(filepath.Join(backing, "new"))
	fs.suppression.MarkRecent(filepath.Join(backing, "new"))
	require.NoError(t, os.WriteFile(filepath.Join(backing, "new"), []byte("v2"), 0644))
	newEntry := lookup(t, fs, fuseops.RootInodeID, "new")
	hw := openFor(t, fs, newEntry.Child, syscall.O_WRONLY, 100)
	err := writeThrough(fs, hw, "v3", 100)
	require.ErrorIs(t, err, syscall.EIO)
}

func TestHardLinkNotSupported(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(backing, "f"), []byte("x"), 0644))
	entry := lookup(t, fs, fuseops.RootInodeID, "f")

	err := fs.CreateLink(context.Background(), &fuseops.CreateLinkOp{
		Parent: fuseops.RootInodeID,
		Name:   "link",
		Target: entry.Child,
	})
	require.ErrorIs(t, err, syscall.ENOTSUP)
}

func TestSyntheticStatusFile(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(backing, "f"), []byte("x"), 0644))
	fEntry := lookup(t, fs, fuseops.RootInodeID, "f")
	hr := openFor(t, fs, fEntry.Child, syscall.O_RDONLY, 100)
	defer flushAndRelease(t, fs, hr)

	dibsEntry := lookup(t, fs, fuseops.RootInodeID, virtualdir.DirName)
	require.True(t, dibsEntry.Attributes.Mode.IsDir())

	statusEntry := lookup(t, fs, dibsEntry.Child, virtualdir.StatusFileName)
	require.Equal(t, os.FileMode(0444), statusEntry.Attributes.Mode)

	h := openFor(t, fs, statusEntry.Child, syscall.O_RDONLY, 100)
	readOp := &fuseops.ReadFileOp{
		Inode:  statusEntry.Child,
		Handle: h,
		Dst:    make([]byte, 4096),
	}
	require.NoError(t, fs.ReadFile(context.Background(), readOp))

	var report virtualdir.StatusReport
	require.NoError(t, json.Unmarshal(readOp.Dst[:readOp.BytesRead], &report))
	require.Equal(t, 1, report.TrackedFiles)
	require.Equal(t, "test-session", report.SessionID)
}

func TestSyntheticFilesRejectMutation(t *testing.T) {
	fs, _ := newTestFS(t, nil)

	dibsEntry := lookup(t, fs, fuseops.RootInodeID, virtualdir.DirName)
	statusEntry := lookup(t, fs, dibsEntry.Child, virtualdir.StatusFileName)

	openOp := &fuseops.OpenFileOp{Inode: statusEntry.Child, OpContext: opCtx(100)}
	openOp.OpenFlags = syscall.O_RDWR
	require.ErrorIs(t, fs.OpenFile(context.Background(), openOp), syscall.EACCES)

	err := fs.SetInodeAttributes(context.Background(), &fuseops.SetInodeAttributesOp{
		Inode:     statusEntry.Child,
		OpContext: opCtx(100),
	})
	require.ErrorIs(t, err, syscall.EACCES)

	err = fs.Unlink(context.Background(), &fuseops.UnlinkOp{
		Parent:    dibsEntry.Child,
		Name:      virtualdir.StatusFileName,
		OpContext: opCtx(100),
	})
	require.ErrorIs(t, err, syscall.EACCES)
}

func TestRootListingShowsDibsAndHidesConflictStore(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(backing, "f"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(backing, conflictstore.DirName), 0755))

	entries, err := fs.listDirEntries("")
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.Contains(t, names, "f")
	require.Contains(t, names, virtualdir.DirName)
	require.NotContains(t, names, conflictstore.DirName)
}

func TestReleaseWithoutFlushClearsOwnership(t *testing.T) {
	fs, backing := newTestFS(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(backing, "f"), []byte("x"), 0644))

	entry := lookup(t, fs, fuseops.RootInodeID, "f")
	h := openFor(t, fs, entry.Child, syscall.O_RDWR, 100)
	require.NoError(t, writeThrough(fs, h, "y", 100))

	require.True(t, fs.casTbl.HasActiveWriter("f"))
	require.NoError(t, fs.ReleaseFileHandle(context.Background(), &fuseops.ReleaseFileHandleOp{Handle: h}))
	require.False(t, fs.casTbl.HasActiveWriter("f"))

	// Releasing an unknown handle again is a no-op.
	require.NoError(t, fs.ReleaseFileHandle(context.Background(), &fuseops.ReleaseFileHandleOp{Handle: h}))
}
