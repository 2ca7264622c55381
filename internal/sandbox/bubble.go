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
	"os/exec"

	"github.com/alloyinfra/alloy-agent/internal/status"
)

// bubbleAllowedEnv is the allow-list of environment variables forwarded
// into the bubble (spec §4.2 "selected env vars forwarded by allow-list").
var bubbleAllowedEnv = []string{"PATH", "LANG", "TERM", "TZ"}

// planBubble builds the Launch for the user-namespace bubble mode
// (spec §4.2 mode 2): a helper binary (alloy-bubble-helper, resolved via
// PATH) creates the namespaces, tmpfs mounts, and read-write binds, then
// execs the prepared command inside them.
func (p *Planner) planBubble(in PlanInput, extraRW []string) (Launch, []string, *status.Status) {
	helperPath, err := exec.LookPath(bubbleHelperName)
	if err != nil {
		return Launch{}, nil, status.New(status.FailedPrecondition, "bubble helper %s not found in PATH", bubbleHelperName)
	}

	rw := append([]string{in.InstanceDir, in.Launch.Cwd}, extraRW...)
	rw = dedupStrings(rw)

	args := []string{
		"--ro-root=/",
		"--tmpfs=/tmp",
		"--tmpfs=/run",
		"--home=" + in.InstanceDir,
	}
	for _, path := range rw {
		args = append(args, "--bind-rw="+path)
	}
	for _, name := range bubbleAllowedEnv {
		args = append(args, "--allow-env="+name)
	}
	args = append(args, "--")
	args = append(args, in.Launch.Exec)
	args = append(args, in.Launch.Args...)

	return p.buildInitLaunch(in, helperPath, args, ModeBubble)
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
