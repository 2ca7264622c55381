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

// Package supervisor spawns, tracks, stops and reaps the child process
// trees backing each instance (spec §4.1). It is the one package that
// holds the process map mutex described in §5: mutation and the initial
// read for status/stop happen under lock; anything that may block
// (signal delivery, waiting on reap) releases the lock first.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alloyinfra/alloy-agent/internal/atomicfile"
	"github.com/alloyinfra/alloy-agent/internal/model"
	"github.com/alloyinfra/alloy-agent/internal/sandbox"
	"github.com/alloyinfra/alloy-agent/internal/status"
	"github.com/alloyinfra/alloy-agent/internal/templates"
)

// DefaultStopTimeout is applied when a Stop request carries timeout_ms=0
// (spec §5 "timeout_ms (0 ⇒ 30 s default)").
const DefaultStopTimeout = 30 * time.Second

// stopPollInterval is how often Stop polls for the reap to complete
// (spec §4.1 step 5: "Poll ... every 100 ms").
const stopPollInterval = 100 * time.Millisecond

// processEntry is the in-memory record for one instance's live process
// (spec §3's ProcessEntry). All mutation happens under Supervisor.mu;
// logBuf has its own inner lock so stream-capture goroutines never
// contend on the outer map lock (spec §5).
type processEntry struct {
	templateID string
	state      model.State
	pid        int
	pgid       int
	exitCode   *int
	message    string

	stdinWriter   io.WriteCloser
	gracefulStdin []byte

	logBuf *logBuffer

	containerRuntime *sandbox.ContainerRuntime
	containerName    string

	cgroupPath string

	reaped chan struct{}
}

// Supervisor is the component described in spec §4.1.
type Supervisor struct {
	mu        sync.Mutex
	processes map[string]*processEntry

	planner   *sandbox.Planner
	registry  *templates.Registry
	dataRoot  string
	logLines  int
}

// New builds a Supervisor bound to planner/registry, rooted at dataRoot
// for run.json persistence (spec §3 RunDescriptor).
func New(planner *sandbox.Planner, registry *templates.Registry, dataRoot string, logLines int) *Supervisor {
	if logLines <= 0 {
		logLines = 1000
	}
	return &Supervisor{
		processes: make(map[string]*processEntry),
		planner:   planner,
		registry:  registry,
		dataRoot:  dataRoot,
		logLines:  logLines,
	}
}

func (s *Supervisor) instanceDir(instanceID string) string {
	return filepath.Join(s.dataRoot, "instances", instanceID)
}

// InstanceDir exposes the instance directory path so callers outside
// this package (the RPC dispatcher, wiring a Start request) can pass it
// through without duplicating the data_root layout rule (spec §6).
func (s *Supervisor) InstanceDir(instanceID string) string {
	return s.instanceDir(instanceID)
}

func (s *Supervisor) runDescriptorPath(instanceID string) string {
	return filepath.Join(s.instanceDir(instanceID), "run.json")
}

// ListTemplates implements Process.ListTemplates (spec §6).
func (s *Supervisor) ListTemplates() []templates.ParamsSchema {
	return s.registry.List()
}

// snapshot builds the externally-visible Status for an entry. Caller
// must hold s.mu.
func snapshot(instanceID string, e *processEntry) *model.Status {
	return &model.Status{
		InstanceID: instanceID,
		TemplateID: e.templateID,
		State:      e.state,
		PID:        e.pid,
		PGID:       e.pgid,
		ExitCode:   e.exitCode,
		Message:    e.message,
	}
}

// GetStatus implements the get_status operation.
func (s *Supervisor) GetStatus(instanceID string) (*model.Status, *status.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.processes[instanceID]
	if !ok {
		return nil, status.NotFoundf("no process for instance %q", instanceID)
	}
	return snapshot(instanceID, e), nil
}

// ListProcesses implements list_processes.
func (s *Supervisor) ListProcesses() []*model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Status, 0, len(s.processes))
	for id, e := range s.processes {
		out = append(out, snapshot(id, e))
	}
	return out
}

// TailLogs implements Process.TailLogs (spec §4.1, invariants P4/P5).
func (s *Supervisor) TailLogs(instanceID string, cursor uint64, limit int) ([]model.LogLine, uint64, *status.Status) {
	s.mu.Lock()
	e, ok := s.processes[instanceID]
	s.mu.Unlock()
	if !ok {
		return nil, 0, status.NotFoundf("no process for instance %q", instanceID)
	}
	lines, next := e.logBuf.Tail(cursor, limit)
	return lines, next, nil
}

// Start implements the start algorithm (spec §4.1).
func (s *Supervisor) Start(ctx context.Context, instanceID, templateID, instanceDir string, params map[string]string) (*model.Status, *status.Status) {
	s.mu.Lock()
	if existing, ok := s.processes[instanceID]; ok && !existing.state.Terminal() {
		s.mu.Unlock()
		return nil, status.FailedPreconditionf("instance %q already has a process in state %s", instanceID, existing.state)
	}
	s.mu.Unlock()

	tmpl, ok := s.registry.Get(templateID)
	if !ok {
		return nil, status.InvalidArgumentf("unknown template %q", templateID)
	}

	// Step 2: resolve params through the Asset Provider.
	prepared, serr := s.registry.Prepare(ctx, instanceDir, templateID, params)
	if serr != nil {
		return nil, serr
	}

	// Step 3: ask the Sandbox Planner for a concrete launch.
	limits := s.planner.ResolveLimits(params)
	launch, serr := s.planner.Plan(sandbox.PlanInput{
		InstanceID:  instanceID,
		TemplateID:  templateID,
		InstanceDir: instanceDir,
		Launch:      prepared,
		Limits:      limits,
		ParamMode:   params["sandbox_mode"],
	})
	if serr != nil {
		return nil, serr
	}
	for _, w := range launch.Warnings {
		logrus.WithField("instance_id", instanceID).Warn(w)
	}

	entry := &processEntry{
		templateID:    templateID,
		state:         model.StateStarting,
		logBuf:        newLogBuffer(s.logLines),
		containerName: launch.ContainerName,
		cgroupPath:    launch.CgroupPath,
		gracefulStdin: tmpl.GracefulStdinBytes(),
	}

	s.mu.Lock()
	if existing, ok := s.processes[instanceID]; ok && !existing.state.Terminal() {
		s.mu.Unlock()
		return nil, status.FailedPreconditionf("instance %q already has a process in state %s", instanceID, existing.state)
	}
	s.processes[instanceID] = entry
	s.mu.Unlock()

	var startErr error
	if launch.Mode == sandbox.ModeContainer {
		startErr = s.startContainer(ctx, instanceID, entry, launch)
	} else {
		startErr = s.startProcess(instanceID, entry, launch, tmpl)
	}
	if startErr != nil {
		s.mu.Lock()
		delete(s.processes, instanceID)
		s.mu.Unlock()
		return nil, status.Internalf(startErr, "starting instance %q: %v", instanceID, startErr)
	}

	s.mu.Lock()
	entry.state = model.StateRunning
	s.mu.Unlock()

	if err := s.persistRunDescriptor(instanceID, entry, prepared); err != nil {
		logrus.WithField("instance_id", instanceID).WithError(err).Warn("failed to persist run descriptor")
	}

	s.mu.Lock()
	snap := snapshot(instanceID, entry)
	s.mu.Unlock()
	return snap, nil
}

func (s *Supervisor) persistRunDescriptor(instanceID string, e *processEntry, prepared templates.PreparedLaunch) error {
	rd := model.RunDescriptor{
		InstanceID:    instanceID,
		PID:           e.pid,
		PGID:          e.pgid,
		Exec:          prepared.Exec,
		Args:          prepared.Args,
		Cwd:           prepared.Cwd,
		TemplateID:    e.templateID,
		ContainerName: e.containerName,
	}
	b, err := json.Marshal(rd)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.instanceDir(instanceID), 0o755); err != nil {
		return err
	}
	return atomicfile.Write(s.runDescriptorPath(instanceID), b, 0o644)
}

func (s *Supervisor) deleteRunDescriptor(instanceID string) {
	_ = os.Remove(s.runDescriptorPath(instanceID))
}

// finishEntry transitions entry to a terminal state and cleans up,
// called exactly once from whichever reap path (process wait or
// container wait) observes the exit.
func (s *Supervisor) finishEntry(instanceID string, exitCode int, message string, failed bool) {
	s.mu.Lock()
	e, ok := s.processes[instanceID]
	if !ok || e.state.Terminal() {
		s.mu.Unlock()
		return
	}
	code := exitCode
	e.exitCode = &code
	e.message = message
	if failed {
		e.state = model.StateFailed
	} else {
		e.state = model.StateExited
	}
	if e.stdinWriter != nil {
		e.stdinWriter.Close()
		e.stdinWriter = nil
	}
	reaped := e.reaped
	s.mu.Unlock()

	s.deleteRunDescriptor(instanceID)
	if reaped != nil {
		close(reaped)
	}
}

// appendSyntheticClose writes the "[stream closed: ...]" line SPEC_FULL
// resolves spec §9's Open Question with, instead of silently dropping a
// stdio read error.
func appendSyntheticClose(buf *logBuffer, cause error) {
	buf.Append(fmt.Sprintf("[stream closed: %v]", cause))
}
