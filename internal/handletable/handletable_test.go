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

package handletable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/require"
)

func TestAllocAssignsIncreasingIDs(t *testing.T) {
	tbl := New()
	id1 := tbl.Alloc(&State{Path: "a"})
	id2 := tbl.Alloc(&State{Path: "b"})
	require.Less(t, uint64(id1), uint64(id2))
}

func TestGetAndRemove(t *testing.T) {
	tbl := New()
	id := tbl.Alloc(&State{Path: "a"})

	st, ok := tbl.Get(id)
	require.True(t, ok)
	require.Equal(t, "a", st.Path)

	removed, ok := tbl.Remove(id)
	require.True(t, ok)
	require.Equal(t, "a", removed.Path)

	_, ok = tbl.Get(id)
	require.False(t, ok)
}

func TestMutateIsExclusive(t *testing.T) {
	tbl := New()
	id := tbl.Alloc(&State{Path: "a"})

	ok := tbl.Mutate(id, func(st *State) { st.Dirty = true })
	require.True(t, ok)

	st, _ := tbl.Get(id)
	require.True(t, st.Dirty)

	ok = tbl.Mutate(fuseops.HandleID(999), func(*State) {})
	require.False(t, ok)
}

func TestListOpenExcludesVirtualHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "real")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	tbl := New()
	tbl.Alloc(&State{Path: ".dibs/status", File: nil})
	tbl.Alloc(&State{Path: ".dibs/conflicts/20250101_f", File: f})
	tbl.Alloc(&State{Path: "real", File: f})

	open := tbl.ListOpen()
	require.Len(t, open, 1)
	require.Equal(t, "real", open[0].Path)
}

func TestDirTable(t *testing.T) {
	tbl := NewDirTable()
	id := tbl.Alloc(&DirState{Path: "d"})

	st, ok := tbl.Get(id)
	require.True(t, ok)
	require.Equal(t, "d", st.Path)

	tbl.Remove(id)
	_, ok = tbl.Get(id)
	require.False(t, ok)
}
