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

// Package orphan implements the startup-time Orphan Reconciler (spec
// §4.5): before the agent accepts any RPCs, it walks every instance
// directory's run.json and makes sure nothing from a previous agent
// process (crashed, killed, upgraded) is still running unsupervised.
package orphan

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alloyinfra/alloy-agent/internal/model"
	"github.com/alloyinfra/alloy-agent/internal/sandbox"
)

// killGracePeriod is the "~2s SIGTERM grace" budget from spec §5's
// cancellation model.
const killGracePeriod = 2 * time.Second

const pollInterval = 100 * time.Millisecond

// Reconcile scans <data_root>/instances/*/run.json and reclaims anything
// it finds, returning once every entry has been handled (or skipped).
// It must run to completion before the agent starts accepting RPCs.
func Reconcile(dataRoot string) {
	root := filepath.Join(dataRoot, "instances")
	entries, err := os.ReadDir(root)
	if err != nil {
		return // no instances directory yet: nothing to reconcile.
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		reconcileOne(filepath.Join(root, e.Name()))
	}
}

func reconcileOne(instanceDir string) {
	runPath := filepath.Join(instanceDir, "run.json")
	data, err := os.ReadFile(runPath)
	if err != nil {
		return // no run.json: this instance wasn't running.
	}
	var rd model.RunDescriptor
	if err := json.Unmarshal(data, &rd); err != nil {
		logrus.WithField("path", runPath).WithError(err).Warn("ignoring malformed run.json")
		return
	}

	logger := logrus.WithField("instance_id", rd.InstanceID)

	if rd.ContainerID != "" || rd.ContainerName != "" {
		reclaimContainer(logger, rd)
	} else if rd.PID > 0 {
		reclaimProcess(logger, rd)
	}

	if err := os.Remove(runPath); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("failed to remove stale run.json")
	}
}

// reclaimContainer force-removes a runc container left behind by a prior
// agent (spec §4.5 step 2), swallowing "no such container" errors.
func reclaimContainer(logger *logrus.Entry, rd model.RunDescriptor) {
	name := rd.ContainerName
	if name == "" {
		name = rd.ContainerID
	}
	rt := sandbox.NewContainerRuntime()
	ctx, cancel := context.WithTimeout(context.Background(), killGracePeriod)
	defer cancel()
	if err := rt.ForceRemove(ctx, name); err != nil {
		logger.WithError(err).Warn("failed to force-remove orphaned container")
	} else {
		logger.Info("removed orphaned container")
	}
}

// reclaimProcess verifies a recorded PID is still the same process (not
// a recycled PID some unrelated program now holds) before killing it
// (spec §4.5 step 3-4).
func reclaimProcess(logger *logrus.Entry, rd model.RunDescriptor) {
	if !processExists(rd.PID) {
		return
	}
	if !verifyIdentity(rd) {
		logger.WithField("pid", rd.PID).Debug("pid recorded in run.json no longer matches recorded identity, skipping")
		return
	}

	logger.WithField("pid", rd.PID).Info("reclaiming orphaned process")
	_ = sendSignalToGroup(rd.PGID, sigterm)

	deadline := time.Now().Add(killGracePeriod)
	for time.Now().Before(deadline) {
		if !processExists(rd.PID) {
			return
		}
		time.Sleep(pollInterval)
	}
	if processExists(rd.PID) {
		_ = sendSignalToGroup(rd.PGID, sigkill)
	}
}
