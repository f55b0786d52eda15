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

// Package watcher subscribes to backing-directory change events and
// invalidates CAS entries for modifications the filesystem did not itself
// author. Three independent suppression layers keep the filesystem's own
// writes from being mistaken for external ones. Each suppression layer
// addresses a race the others cannot cover; none may be collapsed into
// another.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jacobsa/timeutil"

	"github.com/neilmix/dibsfs/internal/cas"
)

// recentWriteTTL bounds how long a just-flushed path is shielded from
// delayed watcher events (layer 3).
const recentWriteTTL = 2 * time.Second

// Suppression holds the two in-memory suppression structures shared
// between the dispatcher (which arms them) and the watcher (which consults
// them). It has no dependency on the filesystem value as a whole, only
// the state the watcher actually reads, so the watcher callback can hold
// it without a reference cycle.
type Suppression struct {
	mu               sync.Mutex
	expectedWrites   map[string]struct{}
	recentSelfWrites map[string]time.Time
	clock            timeutil.Clock
}

// NewSuppression returns empty suppression state using clock for
// recent-write timestamps.
func NewSuppression(clock timeutil.Clock) *Suppression {
	return &Suppression{
		expectedWrites:   make(map[string]struct{}),
		recentSelfWrites: make(map[string]time.Time),
		clock:            clock,
	}
}

// ArmExpected marks absPath as an expected self-write (layer 1), to be
// consumed by the next watcher event that observes it.
func (s *Suppression) ArmExpected(absPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedWrites[absPath] = struct{}{}
}

// DisarmExpected removes absPath from the expected-writes set without
// waiting for a watcher event to consume it; used when the underlying
// syscall the dispatcher armed for fails.
func (s *Suppression) DisarmExpected(absPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expectedWrites, absPath)
}

// consumeExpected removes absPath from the expected-writes set and reports
// whether it was present.
func (s *Suppression) consumeExpected(absPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.expectedWrites[absPath]; ok {
		delete(s.expectedWrites, absPath)
		return true
	}
	return false
}

// MarkRecent records that absPath was just flushed by the filesystem
// itself (layer 3), shielding it from delayed watcher events for
// recentWriteTTL.
func (s *Suppression) MarkRecent(absPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentSelfWrites[absPath] = s.clock.Now()
}

// UnmarkRecent removes absPath from the recent-self-writes map; used when
// the syscall the dispatcher armed for failed and no self-write actually
// happened.
func (s *Suppression) UnmarkRecent(absPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recentSelfWrites, absPath)
}

// recentWithinTTL reports whether absPath was marked recent within the
// last recentWriteTTL (inclusive), refreshing the entry's timestamp when it
// was, and removing the entry if it has expired.
func (s *Suppression) recentWithinTTL(absPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.recentSelfWrites[absPath]
	if !ok {
		return false
	}
	now := s.clock.Now()
	if now.Sub(t) <= recentWriteTTL {
		s.recentSelfWrites[absPath] = now
		return true
	}
	delete(s.recentSelfWrites, absPath)
	return false
}

// Watcher recursively watches a backing directory and invalidates CAS
// entries for modifications it did not author itself.
type Watcher struct {
	backing     string
	cas         *cas.Table
	suppression *Suppression
	logger      *slog.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Watcher over backing, invalidating entries in casTable
// and consulting suppression for self-write filtering. It does not start
// watching until Start is called.
func New(backing string, casTable *cas.Table, suppression *Suppression, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		backing:     backing,
		cas:         casTable,
		suppression: suppression,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start begins watching the backing directory tree. fsnotify's Linux
// backend (inotify) is not natively recursive, so every directory under
// backing is added individually, and newly created directories are added
// as Create events for them arrive.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	err = filepath.Walk(w.backing, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	close(w.done)
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
	}

	// Layer 1: self-write suppression via expected_writes.
	if w.suppression.consumeExpected(ev.Name) {
		return
	}

	rel, ok := relativeTo(w.backing, ev.Name)
	if !ok {
		return
	}

	// Layer 2: an in-flight operation may emit more filesystem events than
	// the single expected_writes slot it armed; the active-writer check
	// catches the extras that slip past layer 1.
	if w.cas.HasActiveWriter(rel) {
		return
	}

	// Layer 3: delayed delivery of an event for a write already flushed
	// and released.
	if w.suppression.recentWithinTTL(ev.Name) {
		return
	}

	w.logger.Debug("external modification detected", slog.String("path", rel))
	w.cas.Invalidate(rel)
}

// relativeTo returns path relative to root, reporting false if path does
// not lie under root.
func relativeTo(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
