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

//go:build linux || darwin

package supervisor

import (
	"bufio"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/alloyinfra/alloy-agent/internal/sandbox"
	"github.com/alloyinfra/alloy-agent/internal/templates"
)

// startProcess spawns the native/bubble-mode child in a fresh session
// (spec §4.1 step 4: "fresh session (so signalling the negated pgid
// reaches the whole tree)") and starts the stdio capture + reap
// goroutines (step 5-6).
func (s *Supervisor) startProcess(instanceID string, e *processEntry, launch sandbox.Launch, tmpl templates.Template) error {
	cmd := exec.Command(launch.Exec, launch.Args...)
	cmd.Dir = launch.Cwd
	if launch.Env != nil {
		cmd.Env = launch.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	pid := cmd.Process.Pid
	e.pid = pid
	e.pgid = pid // Setsid makes the child its own session+group leader.
	e.stdinWriter = stdin

	if launch.CgroupPath != "" {
		if err := sandbox.AddProcessToCgroup(launch.CgroupPath, pid); err != nil {
			logrus.WithField("instance_id", instanceID).WithError(err).Warn("failed to add pid to cgroup")
		}
	}

	e.reaped = make(chan struct{})
	go captureStream(e.logBuf, stdout)
	go captureStream(e.logBuf, stderr)
	go s.reapProcess(instanceID, cmd)

	return nil
}

// captureStream reads lines from r into buf until EOF, lossily decoding
// non-UTF-8 bytes (spec §4.1 "lossy UTF-8 at boundaries"), and appends a
// synthetic close line if the stream ends in an error instead of EOF
// (SPEC_FULL's resolution of spec §9's Open Question).
func captureStream(buf *logBuffer, r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf.Append(strings.ToValidUTF8(scanner.Text(), "�"))
	}
	if err := scanner.Err(); err != nil {
		appendSyntheticClose(buf, err)
	}
}

// reapProcess waits for cmd to exit and transitions the entry to its
// terminal state (spec §4.1 step 6, "Failure semantics: Reap error").
func (s *Supervisor) reapProcess(instanceID string, cmd *exec.Cmd) {
	err := cmd.Wait()
	if err == nil {
		s.finishEntry(instanceID, 0, "", false)
		return
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		failed := code != 0
		s.finishEntry(instanceID, code, "", failed)
		return
	}
	s.finishEntry(instanceID, -1, "wait failed: "+err.Error(), true)
}

// sendSignalToGroup signals the negated pgid so the whole process tree
// receives it (spec §4.1 step 4 / stop algorithm step 4/6).
func sendSignalToGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	err := syscall.Kill(-pgid, sig)
	// ESRCH means the group is already gone; the supervisor treats
	// signal-send failures as non-fatal (spec §4.1 "SIGTERM/SIGKILL
	// errors are logged but never propagated").
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
