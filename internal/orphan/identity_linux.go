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

package orphan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alloyinfra/alloy-agent/internal/model"
)

const (
	sigterm = syscall.SIGTERM
	sigkill = syscall.SIGKILL
)

// processExists reports whether /proc/<pid> exists (spec §4.5 step 3).
func processExists(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// verifyIdentity implements spec §4.5 step 3's "only if all available
// checks pass" rule: cwd must match, cmdline must contain every recorded
// arg, and (if exec was recorded as absolute) /proc/<pid>/exe must
// resolve to it. Any check that can't be performed (e.g. permission
// denied reading /proc) fails closed.
func verifyIdentity(rd model.RunDescriptor) bool {
	pid := rd.PID

	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil || cwd != rd.Cwd {
		return false
	}

	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	fields := strings.Split(strings.TrimRight(string(cmdline), "\x00"), "\x00")
	for _, want := range rd.Args {
		if !containsField(fields, want) {
			return false
		}
	}

	if filepath.IsAbs(rd.Exec) {
		exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
		if err != nil || exe != rd.Exec {
			return false
		}
	}

	return true
}

func containsField(fields []string, want string) bool {
	for _, f := range fields {
		if f == want {
			return true
		}
	}
	return false
}

// sendSignalToGroup signals the negated pgid, matching the supervisor's
// own stop-algorithm signalling (spec §4.1 step 4 applied to an orphan).
func sendSignalToGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	err := syscall.Kill(-pgid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
