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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"github.com/alloyinfra/alloy-agent/internal/sandbox"
)

// runSandboxInit is the consumer side of the pre-exec wrapper trick
// internal/sandbox/native.go's buildInitLaunch sets up (spec §4.2's pre_exec hook): it
// applies rlimits, no-new-privs and the cgroup membership, then
// execve(2)s the real target so the wrapper never shows up as a
// surviving process in the tree it just confined. It only returns on
// error — success replaces the process image.
func runSandboxInit() error {
	execPath := os.Getenv(sandbox.EnvInitExec)
	if execPath == "" {
		return fmt.Errorf("sandboxinit: missing %s", sandbox.EnvInitExec)
	}

	var args []string
	if v := os.Getenv(sandbox.EnvInitArgs); v != "" {
		if err := json.Unmarshal([]byte(v), &args); err != nil {
			return fmt.Errorf("sandboxinit: decoding %s: %w", sandbox.EnvInitArgs, err)
		}
	}

	var rlimits sandbox.InitRlimits
	if v := os.Getenv(sandbox.EnvInitRlimits); v != "" {
		if err := json.Unmarshal([]byte(v), &rlimits); err != nil {
			return fmt.Errorf("sandboxinit: decoding %s: %w", sandbox.EnvInitRlimits, err)
		}
	}

	if err := applyRlimits(rlimits); err != nil {
		return fmt.Errorf("sandboxinit: applying rlimits: %w", err)
	}

	if os.Getenv(sandbox.EnvInitNoNewPrivs) == "1" {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("sandboxinit: setting no-new-privs: %w", err)
		}
	}

	if cgroupPath := os.Getenv(sandbox.EnvInitCgroupPath); cgroupPath != "" {
		if err := sandbox.AddProcessToCgroup(cgroupPath, os.Getpid()); err != nil {
			// Non-fatal: the process still launches, just unconfined by
			// the cgroup (rlimits above already apply).
			fmt.Fprintf(os.Stderr, "sandboxinit: adding pid to cgroup %q: %v\n", cgroupPath, err)
		}
	}

	if err := dropAmbientCapabilities(); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxinit: dropping capabilities: %v\n", err)
	}

	argv := append([]string{execPath}, args...)
	env := filterSandboxInitEnv(os.Environ())
	return unix.Exec(execPath, argv, env)
}

// applyRlimits sets RLIMIT_CORE=0 (the source's core-dump policy for
// sandboxed children) plus whatever memory/nofile/pids caps the Sandbox
// Planner resolved (spec §4.2 "apply RLIMIT_AS/RLIMIT_NOFILE ...").
func applyRlimits(r sandbox.InitRlimits) error {
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("RLIMIT_CORE: %w", err)
	}
	if r.MemoryBytes > 0 {
		lim := &unix.Rlimit{Cur: r.MemoryBytes, Max: r.MemoryBytes}
		if err := unix.Setrlimit(unix.RLIMIT_AS, lim); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
	}
	if r.Nofile > 0 {
		lim := &unix.Rlimit{Cur: r.Nofile, Max: r.Nofile}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, lim); err != nil {
			return fmt.Errorf("RLIMIT_NOFILE: %w", err)
		}
	}
	if r.Pids > 0 {
		lim := &unix.Rlimit{Cur: r.Pids, Max: r.Pids}
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, lim); err != nil {
			return fmt.Errorf("RLIMIT_NPROC: %w", err)
		}
	}
	return nil
}

// dropAmbientCapabilities clears the full capability set before the
// target execs, the same defense-in-depth the teacher applies around
// its own sandbox process (runsc/sandbox.go grants a minimal explicit
// set rather than inheriting the launching process's capabilities).
func dropAmbientCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return err
	}
	if err := caps.Load(); err != nil {
		return err
	}
	caps.Clear(capability.CAPS | capability.BOUNDS | capability.AMBIENT)
	return caps.Apply(capability.CAPS | capability.BOUNDS | capability.AMBIENT)
}

// filterSandboxInitEnv strips the ALLOY_SANDBOXINIT_* control variables
// so they don't leak into the game server's own environment.
func filterSandboxInitEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "ALLOY_SANDBOXINIT_") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
