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
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alloyinfra/alloy-agent/internal/model"
	"github.com/alloyinfra/alloy-agent/internal/status"
)

// Stop implements the stop algorithm (spec §4.1): at-most-once graceful
// attempt, always terminates within timeout + an escalation window.
func (s *Supervisor) Stop(ctx context.Context, instanceID string, timeout time.Duration) (*model.Status, *status.Status) {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	s.mu.Lock()
	e, ok := s.processes[instanceID]
	if !ok {
		s.mu.Unlock()
		return nil, status.NotFoundf("no process for instance %q", instanceID)
	}
	if e.state.Terminal() {
		snap := snapshot(instanceID, e)
		s.mu.Unlock()
		return snap, nil
	}
	e.state = model.StateStopping
	e.message = "stopping"
	stdinWriter := e.stdinWriter
	gracefulStdin := e.gracefulStdin
	e.stdinWriter = nil
	pgid := e.pgid
	containerRuntime := e.containerRuntime
	containerName := e.containerName
	reaped := e.reaped
	s.mu.Unlock()

	// Step 3: best-effort graceful stdin write, at most once.
	if stdinWriter != nil && len(gracefulStdin) > 0 {
		if _, err := stdinWriter.Write(gracefulStdin); err != nil {
			logrus.WithField("instance_id", instanceID).WithError(err).Debug("graceful stdin write failed, continuing to SIGTERM")
		}
		stdinWriter.Close()
	}

	// Step 4: SIGTERM (or container-runtime-equivalent stop).
	if containerRuntime != nil {
		if err := containerRuntime.Signal(ctx, containerName, syscall.SIGTERM); err != nil {
			logrus.WithField("instance_id", instanceID).WithError(err).Debug("SIGTERM to container failed")
		}
	} else {
		if err := sendSignalToGroup(pgid, syscall.SIGTERM); err != nil {
			logrus.WithField("instance_id", instanceID).WithError(err).Debug("SIGTERM failed")
		}
	}

	// Step 5: poll for terminal state until the deadline.
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-reaped:
			s.mu.Lock()
			snap := snapshot(instanceID, e)
			s.mu.Unlock()
			return snap, nil
		case <-ticker.C:
			if time.Now().After(deadline) {
				goto escalate
			}
		case <-ctx.Done():
			goto escalate
		}
	}

escalate:
	// Step 6: escalate to SIGKILL / force-remove, then keep waiting.
	if containerRuntime != nil {
		if err := containerRuntime.Signal(context.Background(), containerName, syscall.SIGKILL); err != nil {
			logrus.WithField("instance_id", instanceID).WithError(err).Debug("SIGKILL to container failed")
		}
	} else {
		if err := sendSignalToGroup(pgid, syscall.SIGKILL); err != nil {
			logrus.WithField("instance_id", instanceID).WithError(err).Debug("SIGKILL failed")
		}
	}

	killed := false
	s.mu.Lock()
	if !e.state.Terminal() {
		e.message = "killed after timeout"
		killed = true
	}
	s.mu.Unlock()

	<-reaped

	s.mu.Lock()
	// The reap path records its own (usually empty) message; keep the
	// kill reason visible in the final status unless reaping reported one.
	if killed && e.message == "" {
		e.message = "killed after timeout"
	}
	snap := snapshot(instanceID, e)
	s.mu.Unlock()
	return snap, nil
}
