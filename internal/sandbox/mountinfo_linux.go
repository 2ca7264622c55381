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
	"bufio"
	"os"
	"strings"
)

// mountinfoEntry is one parsed line of /proc/self/mountinfo, fields as
// documented in proc(5).
type mountinfoEntry struct {
	MountPoint string
	Root       string
	FSType     string
	Source     string
}

func parseMountinfo(r *os.File) ([]mountinfoEntry, error) {
	var out []mountinfoEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		// Fields up to the first "-" separator, then fstype/source/opts.
		parts := strings.SplitN(line, " - ", 2)
		if len(parts) != 2 {
			continue
		}
		left := strings.Fields(parts[0])
		right := strings.Fields(parts[1])
		if len(left) < 5 || len(right) < 2 {
			continue
		}
		out = append(out, mountinfoEntry{
			Root:       left[3],
			MountPoint: left[4],
			FSType:     right[0],
			Source:     right[1],
		})
	}
	return out, scanner.Err()
}

// hostPath translates an in-container path to the corresponding host
// path by finding the longest mountpoint prefix in /proc/self/mountinfo
// and rewriting the prefix to that mount's root/source (spec §4.2
// "Host-path resolution for containers"). Overlay-only mounts are
// rejected since they cannot be re-bound (§4.2); ok=false means "skip
// this path with a warning", not an error.
func hostPath(path string) (resolved string, ok bool, overlayOnly bool) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return path, true, false
	}
	defer f.Close()

	entries, err := parseMountinfo(f)
	if err != nil {
		return path, true, false
	}

	best := -1
	for i, e := range entries {
		if e.MountPoint == "/" || strings.HasPrefix(path, e.MountPoint+"/") || path == e.MountPoint {
			if best == -1 || len(entries[best].MountPoint) < len(e.MountPoint) {
				best = i
			}
		}
	}
	if best == -1 {
		return path, true, false
	}
	m := entries[best]
	if m.FSType == "overlay" {
		return "", false, true
	}
	rel := strings.TrimPrefix(path, m.MountPoint)
	return m.Source + rel, true, false
}

// isAgentContainerized heuristically detects that this process is
// itself running inside a container, in which case hostPath rewriting
// is needed before bind-mounting paths into a sibling container.
func isAgentContainerized() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	b, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	s := string(b)
	return strings.Contains(s, "docker") || strings.Contains(s, "kubepods") || strings.Contains(s, "containerd")
}

// translateForHost rewrites each path to its host-visible equivalent
// when the agent is containerized; otherwise it's the identity. Paths
// that only resolve to an overlay-only mount are dropped with a
// warning, matching the native/bubble sanitizer's shape.
func translateForHost(paths []string) (resolved []string, warnings []string) {
	if !isAgentContainerized() {
		return paths, nil
	}
	for _, p := range paths {
		host, ok, overlay := hostPath(p)
		if !ok {
			if overlay {
				warnings = append(warnings, "path "+p+" is only reachable via an overlay mount; skipping bind")
			}
			continue
		}
		resolved = append(resolved, host)
	}
	return resolved, warnings
}
