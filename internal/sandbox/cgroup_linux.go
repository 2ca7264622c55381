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

//go:build linux

package sandbox

import (
	"fmt"
	"path/filepath"

	cgroupsv2 "github.com/containerd/cgroups/v2"

	"github.com/sirupsen/logrus"
)

// setupCgroup creates (or reuses) the cgroup v2 directory for instanceID
// and writes memory.max/pids.max/cpu.max (spec §4.2's cgroup setup).
// Failures downgrade to a warning — rlimits still apply — per §4.2.
func (p *Planner) setupCgroup(instanceID string, limits Limits) (path string, warnings []string, err error) {
	name := CgroupName(p.cfg.CgroupPrefix, instanceID)
	groupPath := "/" + name

	res := toResources(limits)
	_, cerr := cgroupsv2.NewManager(p.cfg.CgroupRoot, groupPath, res)
	if cerr != nil {
		return "", nil, fmt.Errorf("creating cgroup %q: %w", groupPath, cerr)
	}
	logrus.WithField("cgroup", groupPath).Debug("sandbox cgroup created")
	return filepath.Join(p.cfg.CgroupRoot, name), nil, nil
}

// AddProcessToCgroup writes pid into the cgroup's cgroup.procs, called
// by the supervisor right after spawn (spec §4.2 step "After spawn,
// write the child PID to cgroup.procs").
func AddProcessToCgroup(cgroupPath string, pid int) error {
	if cgroupPath == "" {
		return nil
	}
	name := filepath.Base(cgroupPath)
	root := filepath.Dir(cgroupPath)
	mgr, err := cgroupsv2.LoadManager(root, "/"+name)
	if err != nil {
		return fmt.Errorf("loading cgroup %q: %w", cgroupPath, err)
	}
	if err := mgr.AddProc(uint64(pid)); err != nil {
		return fmt.Errorf("adding pid %d to cgroup %q: %w", pid, cgroupPath, err)
	}
	return nil
}

func toResources(l Limits) *cgroupsv2.Resources {
	res := &cgroupsv2.Resources{}
	if l.MemoryMB > 0 {
		max := mbToBytesInt64(l.MemoryMB)
		res.Memory = &cgroupsv2.Memory{Max: &max}
	}
	if l.PidsLimit > 0 {
		max := l.PidsLimit
		res.Pids = &cgroupsv2.Pids{Max: max}
	}
	if l.CPUMillicores > 0 {
		const periodUs uint64 = 100000
		quota := int64(periodUs) * l.CPUMillicores / 1000
		period := periodUs
		res.CPU = &cgroupsv2.CPU{Max: cgroupsv2.NewCPUMax(&quota, &period)}
	}
	return res
}

func mbToBytesInt64(mb int64) int64 {
	return mb * 1024 * 1024
}
