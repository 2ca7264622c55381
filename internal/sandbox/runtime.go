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
	"context"
	"os"
	"strings"
	"syscall"

	runc "github.com/containerd/go-runc"
)

// ContainerRuntime is the thin wrapper the Supervisor drives for
// container-mode instances; it is the "docker stop <name> equivalent"
// and "force-remove the container" collaborator spec §4.1's stop
// algorithm and §4.5's orphan reconciler both call out.
type ContainerRuntime struct {
	runc *runc.Runc
}

// NewContainerRuntime builds a runtime bound to the host's runc binary.
func NewContainerRuntime() *ContainerRuntime {
	return &ContainerRuntime{runc: &runc.Runc{Command: "runc"}}
}

// Run starts the container and blocks until its init process exits,
// returning the real wait status (not just an OCI state string). started
// is fed the init process's host PID as soon as runc reports the
// container has started, mirroring exec.Cmd.Start()'s synchronous PID
// availability even though Run itself doesn't return until exit. This
// replaces the detached Create+poll-State idiom, which only ever observes
// "running"/"stopped" and can't recover the process's actual exit code.
func (r *ContainerRuntime) Run(ctx context.Context, containerName, bundleDir string, io runc.IO, started chan<- int) (int, error) {
	opts := &runc.CreateOpts{
		IO:      io,
		Started: started,
		Detach:  false,
	}
	return r.runc.Run(ctx, containerName, bundleDir, opts)
}

// Signal delivers sig to the container's init process (used for the
// graceful SIGTERM step of the stop algorithm).
func (r *ContainerRuntime) Signal(ctx context.Context, containerName string, sig syscall.Signal) error {
	return r.runc.Kill(ctx, containerName, int(sig), &runc.KillOpts{All: true})
}

// ForceRemove force-deletes a container, swallowing "no such container"
// errors so it is safe to call speculatively (spec §4.5 step 2).
func (r *ContainerRuntime) ForceRemove(ctx context.Context, containerName string) error {
	err := r.runc.Delete(ctx, containerName, &runc.DeleteOpts{Force: true})
	if err == nil {
		return nil
	}
	if isNoSuchContainer(err) {
		return nil
	}
	return err
}

// State returns the runc-reported container status ("running",
// "stopped", ...). The Orphan Reconciler does not call it: it
// force-removes a recorded container without checking its state.
func (r *ContainerRuntime) State(ctx context.Context, containerName string) (*runc.Container, error) {
	return r.runc.State(ctx, containerName)
}

func isNoSuchContainer(err error) bool {
	if err == nil {
		return false
	}
	if os.IsNotExist(err) {
		return true
	}
	// runc's CLI-wrapped errors carry "does not exist" / "not found" in
	// their message; go-runc doesn't expose a typed sentinel for this.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such")
}
