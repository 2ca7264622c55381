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

//go:build !linux

package sandbox

// setupCgroup is a no-op off Linux: cgroups are a Linux-only confinement
// mechanism (spec §4.5 "Orphan Reconciler (Linux)" makes the same
// platform restriction explicit for reconciliation).
func (p *Planner) setupCgroup(instanceID string, limits Limits) (string, []string, error) {
	return "", []string{"cgroup resource limits are not enforced on this platform"}, nil
}

// AddProcessToCgroup is a no-op off Linux; see cgroup_linux.go.
func AddProcessToCgroup(cgroupPath string, pid int) error {
	return nil
}
