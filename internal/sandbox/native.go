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

	"github.com/alloyinfra/alloy-agent/internal/status"
)

// SandboxInitArg is the hidden argv[1] the agent recognizes as "become
// the native-mode pre-exec wrapper" instead of running the daemon.
// Go's os/exec has no fork-without-exec hook, so the pre_exec step spec
// §4.2 describes (RLIMIT_CORE=0, no-new-privs, rlimits) is done by
// re-execing the agent's own binary as a tiny init that applies those
// settings to itself and then execve(2)s the real target — the same
// trick runsc/sandbox.go uses to relay flags into a freshly exec'd
// "runsc boot" process.
const SandboxInitArg = "__alloy_sandbox_init"

// Env keys the sandboxinit wrapper reads to learn what to do; see
// cmd/alloy-agent/sandboxinit_linux.go for the consumer side.
const (
	EnvInitExec        = "ALLOY_SANDBOXINIT_EXEC"
	EnvInitArgs        = "ALLOY_SANDBOXINIT_ARGS_JSON"
	EnvInitRlimits     = "ALLOY_SANDBOXINIT_RLIMITS_JSON"
	EnvInitNoNewPrivs  = "ALLOY_SANDBOXINIT_NO_NEW_PRIVS"
	EnvInitCgroupPath  = "ALLOY_SANDBOXINIT_CGROUP_PATH"
)

// InitRlimits is the JSON shape carried in EnvInitRlimits.
type InitRlimits struct {
	MemoryBytes uint64 `json:"memory_bytes,omitempty"`
	Nofile      uint64 `json:"nofile,omitempty"`
	Pids        uint64 `json:"pids,omitempty"`
}

func (p *Planner) planNative(in PlanInput) (Launch, []string, *status.Status) {
	l, warnings, serr := p.buildInitLaunch(in, in.Launch.Exec, in.Launch.Args, ModeNative)
	return l, warnings, serr
}

// buildInitLaunch wraps (innerExec, innerArgs) behind the sandboxinit
// re-exec trick (spec §4.2's pre_exec hook, see SandboxInitArg) so that
// RLIMIT_CORE=0, no-new-privs and the resolved rlimits are applied
// before innerExec runs, regardless of whether innerExec is the final
// game-server binary (native mode) or the bubble helper (bubble mode,
// which then applies its own namespace/mount confinement before
// exec'ing the game server itself).
func (p *Planner) buildInitLaunch(in PlanInput, innerExec string, innerArgs []string, mode Mode) (Launch, []string, *status.Status) {
	self, err := os.Executable()
	if err != nil {
		return Launch{}, nil, status.Internalf(err, "resolving agent executable path: %v", err)
	}

	argsJSON, _ := json.Marshal(innerArgs)
	rlimits := InitRlimits{
		MemoryBytes: mbToBytes(in.Limits.MemoryMB),
		Nofile:      uint64nonNegative(in.Limits.NofileLimit),
		Pids:        uint64nonNegative(in.Limits.PidsLimit),
	}
	rlimitsJSON, _ := json.Marshal(rlimits)

	env := append(os.Environ(),
		EnvInitExec+"="+innerExec,
		EnvInitArgs+"="+string(argsJSON),
		EnvInitRlimits+"="+string(rlimitsJSON),
		EnvInitNoNewPrivs+"=1",
	)

	var warnings []string
	cgroupPath, cwarn, cerr := p.setupCgroup(in.InstanceID, in.Limits)
	if cerr != nil {
		warnings = append(warnings, cerr.Error())
	} else if cgroupPath != "" {
		env = append(env, EnvInitCgroupPath+"="+cgroupPath)
	}
	warnings = append(warnings, cwarn...)

	return Launch{
		Exec:       self,
		Args:       []string{SandboxInitArg},
		Cwd:        in.Launch.Cwd,
		Env:        env,
		Mode:       mode,
		CgroupPath: cgroupPath,
	}, warnings, nil
}

func mbToBytes(mb int64) uint64 {
	if mb <= 0 {
		return 0
	}
	return uint64(mb) * 1024 * 1024
}

func uint64nonNegative(v int64) uint64 {
	if v <= 0 {
		return 0
	}
	return uint64(v)
}
