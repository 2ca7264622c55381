// Copyright 2024 The Alloy Agent Authors.
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

// Package warmprogress is the process-wide WarmProgress store (spec §3):
// a progress_id → {stage, downloaded, total, speed, message, done,
// updated_at_ms} map that long-running Asset Provider fetches publish
// to, with TTL eviction, plus a singleflight layer so concurrent
// requests for the same asset coalesce into one fetch (spec §5 "Global
// state ... download/extract mutex registry keyed by asset id to
// coalesce concurrent fetches").
package warmprogress

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alloyinfra/alloy-agent/internal/model"
)

// doneTTL and activeTTL are spec §3's eviction windows.
const (
	doneTTL   = 10 * time.Minute
	activeTTL = 60 * time.Minute
)

type storedEntry struct {
	entry     model.WarmProgressEntry
	expiresAt time.Time
}

// Store is the mutex-guarded progress map (spec §5: "guarded by a single
// mutex; all operations are O(active keys) and infrequent").
type Store struct {
	mu      sync.Mutex
	entries map[string]storedEntry

	fetches singleflight.Group

	now func() time.Time
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]storedEntry),
		now:     time.Now,
	}
}

// Update overwrites (or creates) progressID's entry and refreshes its
// TTL, called by Asset Provider implementations as a fetch advances.
func (s *Store) Update(progressID string, e model.WarmProgressEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ttl := activeTTL
	if e.Done {
		ttl = doneTTL
	}
	s.entries[progressID] = storedEntry{entry: e, expiresAt: s.now().Add(ttl)}
}

// Get returns progressID's entry, evicting it first if its TTL expired.
func (s *Store) Get(progressID string) (model.WarmProgressEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.entries[progressID]
	if !ok {
		return model.WarmProgressEntry{}, false
	}
	if s.now().After(se.expiresAt) {
		delete(s.entries, progressID)
		return model.WarmProgressEntry{}, false
	}
	return se.entry, true
}

// List returns every non-expired entry, evicting expired ones as a side
// effect (the only sweep this store performs — spec §3 doesn't call for
// a background reaper, just TTL-on-read).
func (s *Store) List() []model.WarmProgressEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]model.WarmProgressEntry, 0, len(s.entries))
	for id, se := range s.entries {
		if now.After(se.expiresAt) {
			delete(s.entries, id)
			continue
		}
		out = append(out, se.entry)
	}
	return out
}

// Coalesce runs fn for key, folding concurrent callers sharing the same
// key into a single in-flight fetch (spec §5's asset-id-keyed coalescing
// registry). The returned bool is singleflight's shared flag: true when
// the result was handed to more than one caller, including the caller
// that ran fn.
func (s *Store) Coalesce(key string, fn func() (any, error)) (any, error, bool) {
	v, err, shared := s.fetches.Do(key, fn)
	return v, err, shared
}
