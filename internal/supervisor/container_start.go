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

package supervisor

import (
	"context"
	"fmt"

	runc "github.com/containerd/go-runc"

	"github.com/alloyinfra/alloy-agent/internal/sandbox"
)

// startContainer drives container-mode instances through the runc
// wrapper instead of exec.Cmd (spec §4.2 mode 3). The container's init
// process PID is tracked the same way a native/bubble PID would be, so
// get_status/list_processes behave uniformly across modes.
//
// rt.Run blocks until the container's init process exits, so it runs in
// its own goroutine from the start, exactly like reapProcess wraps
// cmd.Wait(); this function itself only waits for the "started" signal
// runc emits once the init process's PID is known, mirroring
// cmd.Start()'s synchronous PID availability.
func (s *Supervisor) startContainer(ctx context.Context, instanceID string, e *processEntry, launch sandbox.Launch) error {
	rt := sandbox.NewContainerRuntime()
	e.containerRuntime = rt
	e.containerName = launch.ContainerName

	io, err := runc.NewPipeIO(0, 0)
	if err != nil {
		return err
	}

	e.reaped = make(chan struct{})

	started := make(chan int, 1)
	runCtx := context.Background() // outlives startContainer; only the final Stop path tears the container down.
	runErr := make(chan error, 1)
	go func() {
		exitCode, err := rt.Run(runCtx, launch.ContainerName, launch.Exec, io, started)
		io.Close()
		if err != nil {
			runErr <- err
			s.finishEntry(instanceID, -1, "wait failed: "+err.Error(), true)
			return
		}
		runErr <- nil
		s.finishEntry(instanceID, exitCode, "", exitCode != 0)
	}()

	select {
	case pid := <-started:
		e.pid = pid
		e.pgid = pid
	case err := <-runErr:
		if err == nil {
			err = fmt.Errorf("container exited before reporting a pid")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	go captureStream(e.logBuf, io.Stdout())
	go captureStream(e.logBuf, io.Stderr())

	return nil
}
