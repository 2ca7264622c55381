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

package warmprogress

import (
	"sync"
	"testing"
	"time"

	"github.com/alloyinfra/alloy-agent/internal/model"
)

func TestUpdateAndGet(t *testing.T) {
	s := New()
	s.Update("p1", model.WarmProgressEntry{ProgressID: "p1", Stage: "downloading", Downloaded: 10, Total: 100})

	got, ok := s.Get("p1")
	if !ok {
		t.Fatal("expected p1 to be present")
	}
	if got.Stage != "downloading" || got.Downloaded != 10 {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	s := New()
	if _, ok := s.Get("nope"); ok {
		t.Fatal("expected ok=false for a missing key")
	}
}

func TestTTLEvictionDoneVsActive(t *testing.T) {
	base := time.Now()
	s := New()
	s.now = func() time.Time { return base }

	s.Update("active", model.WarmProgressEntry{ProgressID: "active", Done: false})
	s.Update("done", model.WarmProgressEntry{ProgressID: "done", Done: true})

	// Just past the done-entry TTL, well inside the active-entry TTL.
	s.now = func() time.Time { return base.Add(11 * time.Minute) }

	if _, ok := s.Get("done"); ok {
		t.Fatal("expected the done entry to have expired")
	}
	if _, ok := s.Get("active"); !ok {
		t.Fatal("expected the active entry to still be present")
	}
}

func TestListEvictsExpired(t *testing.T) {
	base := time.Now()
	s := New()
	s.now = func() time.Time { return base }
	s.Update("p1", model.WarmProgressEntry{ProgressID: "p1", Done: true})

	s.now = func() time.Time { return base.Add(time.Hour) }
	if got := s.List(); len(got) != 0 {
		t.Fatalf("expected List to evict expired entries, got %d", len(got))
	}
}

func TestCoalesceRunsFnForConcurrentCallers(t *testing.T) {
	s := New()
	var calls int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Coalesce("asset-1", func() (any, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				return "done", nil
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Fatal("expected fn to run at least once")
	}
}
