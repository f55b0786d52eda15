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

// Package eviction runs the background task that bounds CAS table growth by
// removing idle FileStates and ReaderEntries.
package eviction

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/neilmix/dibsfs/internal/cas"
)

// checkInterval is the cadence at which the loop evaluates the CAS table.
const checkInterval = 60 * time.Second

// shutdownTick is how often the loop samples its stop signal while waiting
// out checkInterval, bounding shutdown latency.
const shutdownTick = 1 * time.Second

// Loop periodically evicts CAS entries older than a configured TTL.
type Loop struct {
	table *cas.Table
	clock timeutil.Clock
	ttl   time.Duration
	log   *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a Loop that evicts entries from table idle for longer than
// ttl, using clock for age comparisons.
func New(table *cas.Table, clock timeutil.Clock, ttl time.Duration, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{table: table, clock: clock, ttl: ttl, log: log, stop: make(chan struct{})}
}

// Start launches the background goroutine.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop signals the loop to exit and waits for it to do so. Shutdown
// latency is bounded by shutdownTick.
func (l *Loop) Stop() {
	close(l.stop)
	l.wg.Wait()
}

func (l *Loop) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(shutdownTick)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			elapsed += shutdownTick
			if elapsed < checkInterval {
				continue
			}
			elapsed = 0
			cutoff := l.clock.Now().Add(-l.ttl)
			l.table.EvictOlderThan(cutoff)
			l.log.Debug("eviction pass complete", slog.Duration("ttl", l.ttl))
		}
	}
}
