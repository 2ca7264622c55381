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

package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/alloyinfra/alloy-agent/internal/status"
)

// containerLabelProcessID and containerLabelManagedBy are the
// annotations attached to every container this agent creates (spec §4.2
// "labels {process_id, managed_by}").
const (
	containerLabelProcessID = "alloy.process_id"
	containerLabelManagedBy = "alloy.agent"
)

// planContainer builds the Launch for container sandbox mode (spec §4.2
// mode 3): an OCI bundle is written under the instance directory and
// handed to the host's runc binary via go-runc. The rootfs is the host's
// own "/" mounted read-only (this agent has no image distribution layer,
// §1's Non-goals) with tmpfs over /tmp and /run and explicit read-write
// binds for the instance dir, cwd, and extra_rw_paths.
func (p *Planner) planContainer(in PlanInput, extraRW []string) (Launch, []string, *status.Status) {
	name := ContainerName(in.InstanceID)

	rw := dedupStrings(append([]string{in.InstanceDir, in.Launch.Cwd}, extraRW...))
	hostRW, hwarn := translateForHost(rw)

	bundleDir := filepath.Join(in.InstanceDir, ".bundle")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return Launch{}, nil, status.Unavailablef("creating OCI bundle dir %q: %v", bundleDir, err)
	}

	spec := buildOCISpec(in, name, hostRW)
	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return Launch{}, nil, status.Internalf(err, "marshaling OCI spec: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), b, 0o644); err != nil {
		return Launch{}, nil, status.Unavailablef("writing OCI bundle config: %v", err)
	}

	return Launch{
		Exec:          bundleDir,
		ContainerName: name,
		Mode:          ModeContainer,
	}, hwarn, nil
}

// buildOCISpec constructs the minimal OCI runtime spec for a container
// sandbox launch: read-only host root, tmpfs /tmp and /run, explicit
// read-write binds, no capabilities, no-new-privileges, host networking
// (no network namespace is created), and the resource limits the
// runtime itself enforces (spec §4.2: "in container mode the runtime
// enforces").
func buildOCISpec(in PlanInput, containerName string, rwBinds []string) *specs.Spec {
	mounts := []specs.Mount{
		{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=1777"}},
		{Destination: "/run", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=0755"}},
		{Destination: "/proc", Type: "proc", Source: "proc"},
	}
	for _, p := range rwBinds {
		mounts = append(mounts, specs.Mount{
			Destination: p,
			Type:        "bind",
			Source:      p,
			Options:     []string{"rbind", "rw"},
		})
	}

	env := []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	args := append([]string{in.Launch.Exec}, in.Launch.Args...)

	memLimit := mbToBytesInt64(in.Limits.MemoryMB)
	pidsLimit := in.Limits.PidsLimit
	var cpuQuota int64
	if in.Limits.CPUMillicores > 0 {
		cpuQuota = 100000 * in.Limits.CPUMillicores / 1000
	}
	cpuPeriod := uint64(100000)

	noNewPrivs := true
	return &specs.Spec{
		Version: "1.0.2",
		Root:    &specs.Root{Path: "/", Readonly: true},
		Process: &specs.Process{
			Terminal:        false,
			Args:            args,
			Env:             env,
			Cwd:             in.Launch.Cwd,
			NoNewPrivileges: noNewPrivs,
			Capabilities:    &specs.LinuxCapabilities{},
		},
		Hostname: containerName,
		Mounts:   mounts,
		Annotations: map[string]string{
			containerLabelProcessID: in.InstanceID,
			containerLabelManagedBy: "alloy-agent",
		},
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.MountNamespace},
				// Deliberately no NetworkNamespace entry: spec §4.2
				// requires host networking in container mode.
			},
			Resources: &specs.LinuxResources{
				Memory: &specs.LinuxMemory{Limit: nonZeroPtr(memLimit)},
				Pids:   &specs.LinuxPids{Limit: nonZeroPidsLimit(pidsLimit)},
				CPU:    cpuResource(cpuQuota, cpuPeriod),
			},
		},
	}
}

func nonZeroPtr(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func nonZeroPidsLimit(v int64) int64 {
	if v <= 0 {
		return -1
	}
	return v
}

func cpuResource(quota int64, period uint64) *specs.LinuxCPU {
	if quota <= 0 {
		return nil
	}
	return &specs.LinuxCPU{Quota: &quota, Period: &period}
}

// preflightContainerRuntime builds the UNAVAILABLE status for a failed
// container-runtime preflight, keeping at most the last 64KiB of
// stderrTail (spec §4.2 "Image/volume preflight failure"). It performs
// no check of its own, and Plan does not call it.
func preflightContainerRuntime(stderrTail string) *status.Status {
	const maxTail = 64 * 1024
	if len(stderrTail) > maxTail {
		stderrTail = stderrTail[len(stderrTail)-maxTail:]
	}
	return status.Unavailablef("container runtime preflight failed: %s", stderrTail)
}
