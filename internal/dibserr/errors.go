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

// Package dibserr defines the sentinel error kinds the OCC core reports and
// the translation of each into the errno surfaced to the kernel.
package dibserr

import (
	"errors"
	"syscall"
)

// Sentinel errors returned by the CAS table and wrapped with path/handle
// context by callers via fmt.Errorf("...: %w", ...).
var (
	// ErrCasConflict means the backing file's digest disagreed with the
	// caller's baseline at admission time.
	ErrCasConflict = errors.New("dibs: cas conflict")

	// ErrWriteOwnership means a different handle already owns the write
	// lock for the path in question.
	ErrWriteOwnership = errors.New("dibs: write ownership held by another handle")

	// ErrNotSupported means the requested operation (hard links, or any
	// mutation of a synthetic inode) is deliberately unimplemented.
	ErrNotSupported = errors.New("dibs: operation not supported")

	// ErrBadHandle means the caller referenced a handle id the handle
	// table has no record of.
	ErrBadHandle = errors.New("dibs: unknown handle")
)

// Errno maps a dibserr sentinel (or a wrapped error originating from the
// backing filesystem) to the errno reported to the kernel. readOnlyFallback
// selects EROFS instead of EIO for conflict errors, per the read-only
// fallback toggle in the configuration.
func Errno(err error, readOnlyFallback bool) syscall.Errno {
	if err == nil {
		return 0
	}

	switch {
	case errors.Is(err, ErrCasConflict), errors.Is(err, ErrWriteOwnership):
		if readOnlyFallback {
			return syscall.EROFS
		}
		return syscall.EIO

	case errors.Is(err, ErrNotSupported):
		return syscall.ENOTSUP

	case errors.Is(err, ErrBadHandle):
		return syscall.EBADF
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return syscall.EIO
}
