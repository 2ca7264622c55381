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

package supervisor

import (
	"context"
	"sync"
	"testing"

	"github.com/alloyinfra/alloy-agent/internal/config"
	"github.com/alloyinfra/alloy-agent/internal/model"
	"github.com/alloyinfra/alloy-agent/internal/sandbox"
	"github.com/alloyinfra/alloy-agent/internal/status"
	"github.com/alloyinfra/alloy-agent/internal/templates"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	registry := templates.NewRegistry(templates.DemoProvider{})
	registry.Register(templates.DemoEcho)
	planner := sandbox.NewPlanner(config.Config{})
	return New(planner, registry, t.TempDir(), 100)
}

// seedRunning directly inserts a non-terminal entry, standing in for a
// process another goroutine is mid-way through starting or running
// (spec §5's process-map invariant: at most one live ProcessEntry per
// instance). Whitebox by design: driving a real concurrent Start() to
// this exact state would require actually forking the agent binary.
func seedRunning(s *Supervisor, instanceID string) *processEntry {
	e := &processEntry{
		templateID: "demo:echo",
		state:      model.StateRunning,
		// An implausibly large pgid keeps sendSignalToGroup's kill(2)
		// call a harmless ESRCH instead of ever matching a real process
		// group on the test host.
		pid:    999999,
		pgid:   999999,
		logBuf: newLogBuffer(10),
		reaped: make(chan struct{}),
	}
	s.mu.Lock()
	s.processes[instanceID] = e
	s.mu.Unlock()
	return e
}

func TestStartRejectsWhileExistingNonTerminal(t *testing.T) {
	s := newTestSupervisor(t)
	seedRunning(s, "inst-1")

	_, serr := s.Start(context.Background(), "inst-1", "demo:echo", s.InstanceDir("inst-1"), map[string]string{"out_file": "/tmp/x"})
	if serr == nil || serr.Code != status.FailedPrecondition {
		t.Fatalf("expected FAILED_PRECONDITION, got %v", serr)
	}
}

// TestStartConcurrentCollisionsAllRejected races many goroutines against
// a single already-running instance, the scenario supervisor.go's
// pre-insert recheck exists for: every caller must observe the existing
// non-terminal entry and be refused, and the map must never end up with
// more than the one seeded entry (run with -race to catch a regression
// of the unguarded read/insert this test protects against).
func TestStartConcurrentCollisionsAllRejected(t *testing.T) {
	s := newTestSupervisor(t)
	seedRunning(s, "inst-1")

	const n = 32
	var wg sync.WaitGroup
	results := make([]*status.Status, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, serr := s.Start(context.Background(), "inst-1", "demo:echo", s.InstanceDir("inst-1"), map[string]string{"out_file": "/tmp/x"})
			results[i] = serr
		}(i)
	}
	wg.Wait()

	for i, serr := range results {
		if serr == nil || serr.Code != status.FailedPrecondition {
			t.Fatalf("goroutine %d: expected FAILED_PRECONDITION, got %v", i, serr)
		}
	}

	s.mu.Lock()
	count := len(s.processes)
	s.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly 1 tracked process, got %d", count)
	}
}

func TestStartUnknownTemplateIsInvalidArgument(t *testing.T) {
	s := newTestSupervisor(t)
	_, serr := s.Start(context.Background(), "inst-1", "no-such-template", s.InstanceDir("inst-1"), nil)
	if serr == nil || serr.Code != status.InvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", serr)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	s := newTestSupervisor(t)
	_, serr := s.GetStatus("does-not-exist")
	if serr == nil || serr.Code != status.NotFound {
		t.Fatalf("expected NOT_FOUND, got %v", serr)
	}
}

// TestStopConcurrentCallsConverge exercises Stop()'s "poll for reaped,
// escalate to SIGKILL on timeout" loop under concurrent callers hitting
// the same instance (spec §4.1's "at-most-once graceful attempt, always
// terminates"): every concurrent Stop() must return the same terminal
// snapshot once the entry is reaped, with no panic or deadlock.
func TestStopConcurrentCallsConverge(t *testing.T) {
	s := newTestSupervisor(t)
	e := seedRunning(s, "inst-1")

	go func() {
		s.finishEntry("inst-1", 0, "", false)
	}()

	const n = 8
	var wg sync.WaitGroup
	statuses := make([]*model.Status, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, serr := s.Stop(context.Background(), "inst-1", DefaultStopTimeout)
			if serr != nil {
				t.Errorf("Stop goroutine %d failed: %v", i, serr)
				return
			}
			statuses[i] = snap
		}(i)
	}
	wg.Wait()

	for i, snap := range statuses {
		if snap == nil {
			t.Fatalf("goroutine %d: nil status", i)
			continue
		}
		if !snap.State.Terminal() {
			t.Fatalf("goroutine %d: expected a terminal state, got %s", i, snap.State)
		}
	}

	s.mu.Lock()
	finalState := e.state
	s.mu.Unlock()
	if !finalState.Terminal() {
		t.Fatalf("expected entry to settle in a terminal state, got %s", finalState)
	}
}

func TestStopOnAlreadyTerminalIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t)
	seedRunning(s, "inst-1")
	s.finishEntry("inst-1", 0, "", false)

	snap, serr := s.Stop(context.Background(), "inst-1", DefaultStopTimeout)
	if serr != nil {
		t.Fatalf("Stop on terminal entry failed: %v", serr)
	}
	if !snap.State.Terminal() {
		t.Fatalf("expected terminal state, got %s", snap.State)
	}
}

func TestStopNotFound(t *testing.T) {
	s := newTestSupervisor(t)
	_, serr := s.Stop(context.Background(), "does-not-exist", DefaultStopTimeout)
	if serr == nil || serr.Code != status.NotFound {
		t.Fatalf("expected NOT_FOUND, got %v", serr)
	}
}
