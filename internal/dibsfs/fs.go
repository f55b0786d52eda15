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

// Package dibsfs implements the FUSE dispatcher, wiring the content hasher,
// inode table, handle tables, CAS table, watcher, eviction hooks, and
// virtual directory into the kernel-facing operations.
package dibsfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/neilmix/dibsfs/internal/cas"
	"github.com/neilmix/dibsfs/internal/conflictstore"
	"github.com/neilmix/dibsfs/internal/dibserr"
	"github.com/neilmix/dibsfs/internal/digest"
	"github.com/neilmix/dibsfs/internal/handletable"
	"github.com/neilmix/dibsfs/internal/inodetable"
	"github.com/neilmix/dibsfs/internal/sessionid"
	"github.com/neilmix/dibsfs/internal/virtualdir"
	"github.com/neilmix/dibsfs/internal/watcher"
)

// attrCacheTTL is the kernel attribute-cache lifetime.
const attrCacheTTL = 1 * time.Second

// Config configures a FileSystem. It is distinct from dibscfg.Config so
// this package doesn't need to depend on flag/viper machinery.
type Config struct {
	Backing          string
	SessionLabel     string
	ReadOnlyFallback bool
	SaveConflicts    bool
	Clock            timeutil.Clock
	Logger           *slog.Logger

	// SessionResolver maps a request's pid to its OS session group id.
	// Defaults to sessionid.Of; tests substitute a fake so they can act
	// as multiple agents from one process.
	SessionResolver func(pid int) (uint32, error)
}

// FileSystem implements fuseutil.FileSystem over a backing directory with
// optimistic concurrency control on writes.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	backing          string
	sessionLabel     string
	readOnlyFallback bool
	clock            timeutil.Clock
	logger           *slog.Logger
	startedAt        time.Time
	sidResolver      func(pid int) (uint32, error)

	// mu serializes compound mutations that span the inode table and the
	// CAS table (lookup-then-insert interning, unlink/rename relocation),
	// and runs checkInvariants on lock/unlock when invariant checking is
	// enabled.
	mu syncutil.InvariantMutex

	inodes  *inodetable.Table
	handles *handletable.Table
	dirs    *handletable.DirTable
	casTbl  *cas.Table
	store   *conflictstore.Store

	suppression *watcher.Suppression
	watch       *watcher.Watcher

	dibsDirIno      fuseops.InodeID
	statusIno       fuseops.InodeID
	locksIno        fuseops.InodeID
	conflictsDirIno fuseops.InodeID
}

// New constructs a FileSystem rooted at cfg.Backing. The caller is
// responsible for calling Destroy on unmount.
func New(cfg Config) (*FileSystem, error) {
	info, err := os.Stat(cfg.Backing)
	if err != nil {
		return nil, fmt.Errorf("stat backing directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backing path %q is not a directory", cfg.Backing)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.SessionResolver
	if resolver == nil {
		resolver = sessionid.Of
	}

	fs := &FileSystem{
		backing:          cfg.Backing,
		sessionLabel:     cfg.SessionLabel,
		readOnlyFallback: cfg.ReadOnlyFallback,
		clock:            clock,
		logger:           logger,
		startedAt:        clock.Now(),
		sidResolver:      resolver,
		inodes:           inodetable.New(),
		handles:          handletable.New(),
		dirs:             handletable.NewDirTable(),
		casTbl:           cas.New(clock),
		store:            conflictstore.New(cfg.Backing, clock, cfg.SaveConflicts),
		suppression:      watcher.NewSuppression(clock),
	}

	fs.dibsDirIno = fs.inodes.AllocSynthetic()
	fs.statusIno = fs.inodes.AllocSynthetic()
	fs.locksIno = fs.inodes.AllocSynthetic()
	fs.conflictsDirIno = fs.inodes.AllocSynthetic()
	fs.inodes.Insert(fs.dibsDirIno, virtualdir.DirName)
	fs.inodes.Insert(fs.statusIno, virtualdir.DirName+"/"+virtualdir.StatusFileName)
	fs.inodes.Insert(fs.locksIno, virtualdir.DirName+"/"+virtualdir.LocksFileName)
	fs.inodes.Insert(fs.conflictsDirIno, virtualdir.DirName+"/"+virtualdir.ConflictsDirName)
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	fs.watch = watcher.New(cfg.Backing, fs.casTbl, fs.suppression, logger)
	if err := fs.watch.Start(); err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}

	return fs, nil
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) checkInvariants() {
	// INVARIANT: The root inode stays bound to the empty relative path.
	if p, ok := fs.inodes.GetPath(inodetable.RootInode); !ok || p != "" {
		panic(fmt.Sprintf("root inode bound to %q", p))
	}

	// INVARIANT: The virtual tree's inodes are synthetic and stay bound.
	for _, ino := range []fuseops.InodeID{fs.dibsDirIno, fs.statusIno, fs.locksIno, fs.conflictsDirIno} {
		if !inodetable.IsSynthetic(ino) {
			panic(fmt.Sprintf("virtual inode %v outside the synthetic range", ino))
		}
		if p, ok := fs.inodes.GetPath(ino); !ok || !fs.isVirtualTree(p) {
			panic(fmt.Sprintf("virtual inode %v bound to %q", ino, p))
		}
	}

	// INVARIANT: Virtual paths never acquire CAS state.
	for _, snap := range fs.casTbl.ListTracked() {
		if fs.isVirtualTree(snap.Path) {
			panic(fmt.Sprintf("virtual path %q tracked in the CAS table", snap.Path))
		}
	}
}

// internInode returns the inode bound to rel, binding native when the path
// is not yet tracked. Serializing the lookup-then-insert under fs.mu makes
// concurrent lookups of one path agree on a single binding.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) internInode(rel string, native fuseops.InodeID) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if ino, ok := fs.inodes.GetIno(rel); ok {
		return ino
	}
	fs.inodes.Insert(native, rel)
	return native
}

// internSyntheticInode is internInode for virtual entries with no backing
// inode number to reuse.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) internSyntheticInode(rel string) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if ino, ok := fs.inodes.GetIno(rel); ok {
		return ino
	}
	ino := fs.inodes.AllocSynthetic()
	fs.inodes.Insert(ino, rel)
	return ino
}

// forgetPath drops all inode and CAS state for rel after a successful
// unlink or rmdir.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) forgetPath(rel string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.inodes.RemoveByPath(rel)
	fs.casTbl.Remove(rel)
}

// CasTable exposes the CAS table so the eviction loop can run against it
// without this package depending on internal/eviction.
func (fs *FileSystem) CasTable() *cas.Table {
	return fs.casTbl
}

// Destroy stops the watcher before the tables it reads become unreachable.
func (fs *FileSystem) Destroy() {
	if fs.watch != nil {
		fs.watch.Stop()
	}
}

func (fs *FileSystem) absPath(rel string) string {
	if rel == "" {
		return fs.backing
	}
	return filepath.Join(fs.backing, rel)
}

func (fs *FileSystem) isSyntheticPath(rel string) bool {
	return rel == virtualdir.DirName ||
		rel == virtualdir.DirName+"/"+virtualdir.StatusFileName ||
		rel == virtualdir.DirName+"/"+virtualdir.LocksFileName ||
		rel == virtualdir.DirName+"/"+virtualdir.ConflictsDirName
}

// isVirtualTree reports whether rel lies anywhere inside .dibs/, including
// the conflict-store mirror's children.
func (fs *FileSystem) isVirtualTree(rel string) bool {
	return rel == virtualdir.DirName || strings.HasPrefix(rel, virtualdir.DirName+"/")
}

// conflictBackingPath maps a .dibs/conflicts/<name> path to the real file
// in the on-disk conflict store.
func (fs *FileSystem) conflictBackingPath(rel string) (string, bool) {
	prefix := virtualdir.DirName + "/" + virtualdir.ConflictsDirName + "/"
	if !strings.HasPrefix(rel, prefix) {
		return "", false
	}
	return filepath.Join(fs.backing, conflictstore.DirName, rel[len(prefix):]), true
}

func (fs *FileSystem) errno(err error) error {
	if err == nil {
		return nil
	}
	return dibserr.Errno(err, fs.readOnlyFallback)
}

func (fs *FileSystem) sidForPid(pid uint32) (uint32, error) {
	return fs.sidResolver(int(pid))
}

func (fs *FileSystem) hashBacking(path string) (digest.Digest, error) {
	return digest.Hash(fs.absPath(path))
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// mapBackingErr maps a backing-filesystem error into the errno the kernel
// expects, preserving the backing errno where one is available.
func mapBackingErr(err error) error {
	if err == nil {
		return nil
	}
	if pathErr, ok := err.(*os.PathError); ok {
		if errno, ok := pathErr.Err.(syscall.Errno); ok {
			return errno
		}
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	if os.IsNotExist(err) {
		return syscall.ENOENT
	}
	if os.IsExist(err) {
		return syscall.EEXIST
	}
	return syscall.EIO
}

////////////////////////////////////////////////////////////////////////
// Lookup / attributes
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) statToAttrs(info os.FileInfo) fuseops.InodeAttributes {
	stat := info.Sys().(*syscall.Stat_t)
	return fuseops.InodeAttributes{
		Size:  uint64(info.Size()),
		Nlink: uint32(stat.Nlink),
		Mode:  info.Mode(),
		Atime: time.Unix(stat.Atim.Sec, stat.Atim.Nsec),
		Mtime: info.ModTime(),
		Ctime: time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec),
		Uid:   stat.Uid,
		Gid:   stat.Gid,
	}
}

func (fs *FileSystem) syntheticAttrs(ino fuseops.InodeID) fuseops.InodeAttributes {
	mode := os.FileMode(0444)
	if ino == fs.dibsDirIno || ino == fs.conflictsDirIno {
		mode = os.ModeDir | 0555
	}
	return fuseops.InodeAttributes{
		Size:  0,
		Nlink: 1,
		Mode:  mode,
		Atime: fs.startedAt,
		Mtime: fs.startedAt,
		Ctime: fs.startedAt,
	}
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath, ok := fs.inodes.GetPath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	childRel := joinRel(parentPath, op.Name)

	if fs.isVirtualTree(childRel) {
		if store, ok := fs.conflictBackingPath(childRel); ok {
			info, err := os.Lstat(store)
			if err != nil {
				return mapBackingErr(err)
			}
			ino := fs.internSyntheticInode(childRel)
			op.Entry.Child = ino
			op.Entry.Attributes = fs.syntheticAttrs(ino)
			op.Entry.Attributes.Size = uint64(info.Size())
			op.Entry.AttributesExpiration = fs.clock.Now().Add(attrCacheTTL)
			op.Entry.EntryExpiration = op.Entry.AttributesExpiration
			return nil
		}

		ino, found := fs.inodes.GetIno(childRel)
		if !found {
			return syscall.ENOENT
		}
		op.Entry.Child = ino
		op.Entry.Attributes = fs.syntheticAttrs(ino)
		op.Entry.AttributesExpiration = fs.clock.Now().Add(attrCacheTTL)
		op.Entry.EntryExpiration = op.Entry.AttributesExpiration
		return nil
	}

	info, err := os.Lstat(fs.absPath(childRel))
	if err != nil {
		return mapBackingErr(err)
	}

	ino := fs.internInode(childRel, fuseops.InodeID(info.Sys().(*syscall.Stat_t).Ino))

	op.Entry.Child = ino
	op.Entry.Attributes = fs.statToAttrs(info)
	op.Entry.AttributesExpiration = fs.clock.Now().Add(attrCacheTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	path, ok := fs.inodes.GetPath(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	if fs.isVirtualTree(path) {
		op.Attributes = fs.syntheticAttrs(op.Inode)
		if store, ok := fs.conflictBackingPath(path); ok {
			if info, err := os.Lstat(store); err == nil {
				op.Attributes.Size = uint64(info.Size())
			}
		}
		op.AttributesExpiration = fs.clock.Now().Add(attrCacheTTL)
		return nil
	}

	info, err := os.Lstat(fs.absPath(path))
	if err != nil {
		return mapBackingErr(err)
	}
	op.Attributes = fs.statToAttrs(info)
	op.AttributesExpiration = fs.clock.Now().Add(attrCacheTTL)
	return nil
}

// SetInodeAttributes handles chmod/chtimes/truncate. A truncate (Size !=
// nil) runs the same admission protocol a write would: through the
// kernel-supplied handle when one is present (ftruncate), or as an
// anonymous one-shot writer otherwise.
func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	path, ok := fs.inodes.GetPath(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	if fs.isVirtualTree(path) {
		return syscall.EACCES
	}
	abs := fs.absPath(path)

	if op.Size != nil {
		sid, err := fs.sidForPid(op.OpContext.Pid)
		if err != nil {
			return err
		}

		var admitHandle fuseops.HandleID
		var hashAtOpen *digest.Digest
		if op.Handle != nil {
			st, ok := fs.handles.Get(*op.Handle)
			if !ok {
				return fs.errno(dibserr.ErrBadHandle)
			}
			admitHandle = *op.Handle
			hashAtOpen = st.HashAtOpen
			sid = st.SID
		}

		if err := fs.casTbl.AdmitWrite(admitHandle, sid, path, hashAtOpen, fs.hashBacking); err != nil {
			if fs.store != nil {
				fs.store.Save(path, nil)
			}
			return fs.errno(err)
		}
		fs.suppression.ArmExpected(abs)
		truncErr := os.Truncate(abs, int64(*op.Size))
		if op.Handle == nil {
			fs.casTbl.ReleaseWrite(admitHandle, path)
		}
		if truncErr != nil {
			fs.suppression.DisarmExpected(abs)
			return mapBackingErr(truncErr)
		}
		if d, hashErr := digest.Hash(abs); hashErr == nil {
			fs.casTbl.RegisterReader(sid, path, d)
			if op.Handle != nil {
				fs.handles.Mutate(*op.Handle, func(s *handletable.State) {
					s.HashAtOpen = &d
					s.Dirty = true
				})
			}
		}
		fs.suppression.MarkRecent(abs)
	}

	if op.Mode != nil {
		if err := os.Chmod(abs, *op.Mode); err != nil {
			return mapBackingErr(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		atime, mtime := time.Now(), time.Now()
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := os.Chtimes(abs, atime, mtime); err != nil {
			return mapBackingErr(err)
		}
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return mapBackingErr(err)
	}
	op.Attributes = fs.statToAttrs(info)
	op.AttributesExpiration = fs.clock.Now().Add(attrCacheTTL)
	return nil
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parentPath, ok := fs.inodes.GetPath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	rel := joinRel(parentPath, op.Name)
	abs := fs.absPath(rel)

	if err := os.Mkdir(abs, op.Mode); err != nil {
		return mapBackingErr(err)
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return mapBackingErr(err)
	}
	ino := fuseops.InodeID(info.Sys().(*syscall.Stat_t).Ino)
	fs.mu.Lock()
	fs.inodes.Insert(ino, rel)
	fs.mu.Unlock()

	op.Entry.Child = ino
	op.Entry.Attributes = fs.statToAttrs(info)
	op.Entry.AttributesExpiration = fs.clock.Now().Add(attrCacheTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parentPath, ok := fs.inodes.GetPath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	rel := joinRel(parentPath, op.Name)
	if fs.isVirtualTree(rel) {
		return syscall.EACCES
	}
	abs := fs.absPath(rel)

	sid, err := fs.sidForPid(op.OpContext.Pid)
	if err != nil {
		return err
	}
	if err := fs.casTbl.CheckDelete(sid, rel, nil, fs.hashBacking); err != nil {
		return fs.errno(err)
	}

	fs.suppression.ArmExpected(abs)
	if err := os.Remove(abs); err != nil {
		fs.suppression.DisarmExpected(abs)
		return mapBackingErr(err)
	}

	fs.forgetPath(rel)
	return nil
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	path, ok := fs.inodes.GetPath(op.Inode)
	if !ok {
		return syscall.ENOENT
	}

	entries, err := fs.listDirEntries(path)
	if err != nil {
		return err
	}

	id := fs.dirs.Alloc(&handletable.DirState{Path: path, Entries: entries})
	op.Handle = id
	return nil
}

func (fs *FileSystem) listDirEntries(path string) ([]fuseutil.Dirent, error) {
	if path == "" {
		real, err := fs.listBackingDir(path)
		if err != nil {
			return nil, err
		}
		real = append(real, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(real) + 1),
			Inode:  fs.dibsDirIno,
			Name:   virtualdir.DirName,
			Type:   fuseutil.DT_Directory,
		})
		return real, nil
	}

	if path == virtualdir.DirName {
		return []fuseutil.Dirent{
			{Offset: 1, Inode: fs.statusIno, Name: virtualdir.StatusFileName, Type: fuseutil.DT_File},
			{Offset: 2, Inode: fs.locksIno, Name: virtualdir.LocksFileName, Type: fuseutil.DT_File},
			{Offset: 3, Inode: fs.conflictsDirIno, Name: virtualdir.ConflictsDirName, Type: fuseutil.DT_Directory},
		}, nil
	}

	if path == virtualdir.DirName+"/"+virtualdir.ConflictsDirName {
		return fs.listConflictsDir()
	}

	return fs.listBackingDir(path)
}

func (fs *FileSystem) listBackingDir(path string) ([]fuseutil.Dirent, error) {
	abs := fs.absPath(path)
	f, err := os.Open(abs)
	if err != nil {
		return nil, mapBackingErr(err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, mapBackingErr(err)
	}

	out := make([]fuseutil.Dirent, 0, len(names))
	var offset fuseops.DirOffset = 1
	for _, name := range names {
		if path == "" && name == conflictstore.DirName {
			continue
		}
		rel := joinRel(path, name)
		info, err := os.Lstat(filepath.Join(abs, name))
		if err != nil {
			continue
		}
		ino := fs.internInode(rel, fuseops.InodeID(info.Sys().(*syscall.Stat_t).Ino))
		dt := fuseutil.DT_File
		if info.IsDir() {
			dt = fuseutil.DT_Directory
		} else if info.Mode()&os.ModeSymlink != 0 {
			dt = fuseutil.DT_Link
		}
		out = append(out, fuseutil.Dirent{Offset: offset, Inode: ino, Name: name, Type: dt})
		offset++
	}
	return out, nil
}

func (fs *FileSystem) listConflictsDir() ([]fuseutil.Dirent, error) {
	abs := filepath.Join(fs.backing, conflictstore.DirName)
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mapBackingErr(err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, mapBackingErr(err)
	}
	out := make([]fuseutil.Dirent, 0, len(names))
	var offset fuseops.DirOffset = 1
	for _, name := range names {
		rel := virtualdir.DirName + "/" + virtualdir.ConflictsDirName + "/" + name
		ino := fs.internSyntheticInode(rel)
		out = append(out, fuseutil.Dirent{Offset: offset, Inode: ino, Name: name, Type: fuseutil.DT_File})
		offset++
	}
	return out, nil
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	st, ok := fs.dirs.Get(op.Handle)
	if !ok {
		return fs.errno(dibserr.ErrBadHandle)
	}
	if int(op.Offset) > len(st.Entries) {
		return nil
	}

	for _, e := range st.Entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.dirs.Remove(op.Handle)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Files: open / create / read / write / flush / release
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) renderSyntheticFile(ino fuseops.InodeID) []byte {
	switch ino {
	case fs.statusIno:
		return virtualdir.RenderStatus(fs.casTbl, fs.startedAt, fs.clock.Now(), fs.sessionLabel)
	case fs.locksIno:
		return virtualdir.RenderLocks(fs.casTbl)
	}
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	path, ok := fs.inodes.GetPath(op.Inode)
	if !ok {
		return syscall.ENOENT
	}

	if fs.isVirtualTree(path) {
		if !op.OpenFlags.IsReadOnly() {
			return syscall.EACCES
		}
		st := &handletable.State{Path: path, Flags: os.O_RDONLY}
		if store, ok := fs.conflictBackingPath(path); ok {
			f, err := os.Open(store)
			if err != nil {
				return mapBackingErr(err)
			}
			st.File = f
		}
		op.Handle = fs.handles.Alloc(st)
		return nil
	}

	abs := fs.absPath(path)
	acc := syscall.O_RDONLY
	switch {
	case op.OpenFlags.IsReadWrite():
		acc = syscall.O_RDWR
	case op.OpenFlags.IsWriteOnly():
		acc = syscall.O_WRONLY
	}
	write := acc != syscall.O_RDONLY

	sid, err := fs.sidForPid(op.OpContext.Pid)
	if err != nil {
		return err
	}

	// Arm both suppression layers before the syscall: an O_TRUNC open
	// mutates bytes during the open itself, and the resulting event may be
	// delivered either promptly (layer 1) or late (layer 3).
	if write {
		fs.suppression.ArmExpected(abs)
		fs.suppression.MarkRecent(abs)
	}

	osFlags := acc
	if uint32(op.OpenFlags)&uint32(syscall.O_APPEND) != 0 {
		osFlags |= os.O_APPEND
	}
	f, openErr := os.OpenFile(abs, osFlags, 0)
	if openErr != nil {
		if write {
			fs.suppression.DisarmExpected(abs)
			fs.suppression.UnmarkRecent(abs)
		}
		return mapBackingErr(openErr)
	}

	st := &handletable.State{Path: path, SID: sid, Flags: acc, File: f}

	if acc == syscall.O_RDONLY || acc == syscall.O_RDWR {
		d, hashErr := digest.Hash(abs)
		if hashErr != nil {
			f.Close()
			return hashErr
		}
		st.HashAtOpen = &d
		fs.casTbl.RegisterReader(sid, path, d)
	}
	// Track the path from first open so ownership can be taken later and
	// the status surface reflects it.
	fs.casTbl.Ensure(path)

	id := fs.handles.Alloc(st)
	op.Handle = id
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parentPath, ok := fs.inodes.GetPath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	rel := joinRel(parentPath, op.Name)
	if fs.isVirtualTree(rel) {
		return syscall.EACCES
	}
	abs := fs.absPath(rel)

	sid, err := fs.sidForPid(op.OpContext.Pid)
	if err != nil {
		return err
	}

	fs.suppression.ArmExpected(abs)
	fs.suppression.MarkRecent(abs)
	f, createErr := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_RDWR, op.Mode)
	if createErr != nil {
		fs.suppression.DisarmExpected(abs)
		fs.suppression.UnmarkRecent(abs)
		return mapBackingErr(createErr)
	}

	info, statErr := f.Stat()
	if statErr != nil {
		f.Close()
		return mapBackingErr(statErr)
	}
	ino := fuseops.InodeID(info.Sys().(*syscall.Stat_t).Ino)
	fs.mu.Lock()
	fs.inodes.Insert(ino, rel)
	fs.mu.Unlock()

	empty, _ := digest.Hash(abs)
	fs.casTbl.RegisterReader(sid, rel, empty)
	fs.casTbl.Ensure(rel)

	st := &handletable.State{Path: rel, SID: sid, Flags: syscall.O_RDWR, File: f, HashAtOpen: &empty}
	id := fs.handles.Alloc(st)

	op.Entry.Child = ino
	op.Entry.Attributes = fs.statToAttrs(info)
	op.Entry.AttributesExpiration = fs.clock.Now().Add(attrCacheTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	op.Handle = id
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	st, ok := fs.handles.Get(op.Handle)
	if !ok {
		return fs.errno(dibserr.ErrBadHandle)
	}

	// Status and locks handles carry no descriptor; their content is
	// synthesized fresh on every read. Conflict-mirror handles read the
	// real store file through st.File like any other.
	if st.File == nil {
		if !fs.isSyntheticPath(st.Path) {
			return syscall.EBADF
		}
		body := fs.renderSyntheticFile(op.Inode)
		if op.Offset >= int64(len(body)) {
			return nil
		}
		op.BytesRead = copy(op.Dst, body[op.Offset:])
		return nil
	}

	n, err := st.File.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil && err != io.EOF {
		return mapBackingErr(err)
	}
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	st, ok := fs.handles.Get(op.Handle)
	if !ok {
		return fs.errno(dibserr.ErrBadHandle)
	}
	if fs.isVirtualTree(st.Path) {
		return syscall.EACCES
	}
	if st.File == nil {
		return syscall.EBADF
	}

	abs := fs.absPath(st.Path)

	admitErr := fs.casTbl.AdmitWrite(op.Handle, st.SID, st.Path, st.HashAtOpen, fs.hashBacking)
	if admitErr != nil {
		if fs.store != nil {
			fs.store.Save(st.Path, op.Data)
		}
		return fs.errno(admitErr)
	}

	fs.suppression.ArmExpected(abs)
	if _, err := st.File.WriteAt(op.Data, op.Offset); err != nil {
		fs.suppression.DisarmExpected(abs)
		return mapBackingErr(err)
	}

	fs.handles.Mutate(op.Handle, func(s *handletable.State) { s.Dirty = true })
	return nil
}

func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	st, ok := fs.handles.Get(op.Handle)
	if !ok {
		return fs.errno(dibserr.ErrBadHandle)
	}
	if st.File != nil {
		return mapBackingErr(st.File.Sync())
	}
	return nil
}

// FlushFile recomputes the digest for a dirty handle and publishes it as
// the session's new baseline, releases write ownership, and arms the
// watcher's recent-self-write suppression layer.
func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	st, ok := fs.handles.Get(op.Handle)
	if !ok {
		return fs.errno(dibserr.ErrBadHandle)
	}
	if !st.Dirty {
		return nil
	}

	abs := fs.absPath(st.Path)
	if d, err := digest.Hash(abs); err == nil {
		fs.casTbl.RegisterReader(st.SID, st.Path, d)
		fs.handles.Mutate(op.Handle, func(s *handletable.State) {
			s.HashAtOpen = &d
			s.Dirty = false
		})
	}
	fs.casTbl.ReleaseWrite(op.Handle, st.Path)
	fs.suppression.DisarmExpected(abs)
	fs.suppression.MarkRecent(abs)
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	st, ok := fs.handles.Remove(op.Handle)
	if !ok {
		return nil
	}
	fs.casTbl.ReleaseWrite(op.Handle, st.Path)
	if st.File != nil {
		st.File.Close()
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Unlink / rename / symlink
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parentPath, ok := fs.inodes.GetPath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	rel := joinRel(parentPath, op.Name)
	if fs.isVirtualTree(rel) {
		return syscall.EACCES
	}
	abs := fs.absPath(rel)

	sid, err := fs.sidForPid(op.OpContext.Pid)
	if err != nil {
		return err
	}
	if err := fs.casTbl.CheckDelete(sid, rel, nil, fs.hashBacking); err != nil {
		return fs.errno(err)
	}

	fs.suppression.ArmExpected(abs)
	if err := os.Remove(abs); err != nil {
		fs.suppression.DisarmExpected(abs)
		return mapBackingErr(err)
	}

	fs.forgetPath(rel)
	return nil
}

// Rename runs the digest check on the source path and, if the destination
// is occupied and tracked, on the destination as well, before delegating to
// the backing filesystem.
func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := fs.inodes.GetPath(op.OldParent)
	if !ok {
		return syscall.ENOENT
	}
	newParent, ok := fs.inodes.GetPath(op.NewParent)
	if !ok {
		return syscall.ENOENT
	}
	oldRel := joinRel(oldParent, op.OldName)
	newRel := joinRel(newParent, op.NewName)
	if fs.isVirtualTree(oldRel) || fs.isVirtualTree(newRel) {
		return syscall.EACCES
	}

	sid, err := fs.sidForPid(op.OpContext.Pid)
	if err != nil {
		return err
	}
	if err := fs.casTbl.CheckDelete(sid, oldRel, nil, fs.hashBacking); err != nil {
		return fs.errno(err)
	}
	if _, ok := fs.inodes.GetIno(newRel); ok {
		if err := fs.casTbl.CheckDelete(sid, newRel, nil, fs.hashBacking); err != nil {
			return fs.errno(err)
		}
	}

	oldAbs, newAbs := fs.absPath(oldRel), fs.absPath(newRel)
	fs.suppression.ArmExpected(oldAbs)
	fs.suppression.ArmExpected(newAbs)
	if err := os.Rename(oldAbs, newAbs); err != nil {
		fs.suppression.DisarmExpected(oldAbs)
		fs.suppression.DisarmExpected(newAbs)
		return mapBackingErr(err)
	}

	fs.mu.Lock()
	fs.inodes.Rename(oldRel, newRel)
	fs.casTbl.Rename(oldRel, newRel)
	fs.mu.Unlock()
	fs.suppression.MarkRecent(oldAbs)
	fs.suppression.MarkRecent(newAbs)
	return nil
}

func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parentPath, ok := fs.inodes.GetPath(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	rel := joinRel(parentPath, op.Name)
	if fs.isVirtualTree(rel) {
		return syscall.EACCES
	}
	abs := fs.absPath(rel)

	fs.suppression.ArmExpected(abs)
	if err := os.Symlink(op.Target, abs); err != nil {
		fs.suppression.DisarmExpected(abs)
		return mapBackingErr(err)
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return mapBackingErr(err)
	}
	ino := fuseops.InodeID(info.Sys().(*syscall.Stat_t).Ino)
	fs.mu.Lock()
	fs.inodes.Insert(ino, rel)
	fs.mu.Unlock()

	op.Entry.Child = ino
	op.Entry.Attributes = fs.statToAttrs(info)
	op.Entry.AttributesExpiration = fs.clock.Now().Add(attrCacheTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	path, ok := fs.inodes.GetPath(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	target, err := os.Readlink(fs.absPath(path))
	if err != nil {
		return mapBackingErr(err)
	}
	op.Target = target
	return nil
}

// CreateLink (hard links) is deliberately unsupported: a second path for
// the same inode would defeat the path-keyed CAS and inode tables.
func (fs *FileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	return fs.errno(dibserr.ErrNotSupported)
}

////////////////////////////////////////////////////////////////////////
// Misc
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(fs.backing, &st); err != nil {
		return mapBackingErr(err)
	}
	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return nil
}
