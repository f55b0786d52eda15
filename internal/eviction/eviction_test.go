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

package eviction

import (
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"

	"github.com/neilmix/dibsfs/internal/cas"
	"github.com/neilmix/dibsfs/internal/digest"
)

func TestStopReturnsPromptly(t *testing.T) {
	table := cas.New(timeutil.RealClock())
	l := New(table, timeutil.RealClock(), time.Minute, nil)
	l.Start()

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return within a few shutdown ticks")
	}
}

func TestEvictionNeverRemovesOwnedEntry(t *testing.T) {
	table := cas.New(timeutil.RealClock())
	require.NoError(t, table.AdmitWrite(1, 100, "owned", nil, func(string) (digest.Digest, error) {
		return digest.Digest{1}, nil
	}))

	table.EvictOlderThan(time.Now().Add(time.Hour))
	require.True(t, table.HasActiveWriter("owned"))
}
