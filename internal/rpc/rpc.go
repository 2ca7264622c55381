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

// Package rpc is the Dispatcher half of spec §4.3: a static
// method-name → handler table the Control Tunnel calls into for every
// decoded req frame. Handlers borrow shared handles to the Supervisor
// and Instance Store; the table itself never touches the socket.
package rpc

import (
	"context"

	"github.com/alloyinfra/alloy-agent/internal/instancestore"
	"github.com/alloyinfra/alloy-agent/internal/status"
	"github.com/alloyinfra/alloy-agent/internal/supervisor"
)

// Handler decodes payload, does the work, and encodes a response payload
// or returns a Status for the tunnel to translate into a resp frame's
// status_code/status_message (spec §4.3).
type Handler func(ctx context.Context, payload []byte) ([]byte, *status.Status)

// Deps bundles the collaborators handlers need (spec §4.3: "Handlers
// borrow a shared handle to Supervisor / Instance Store / Asset Provider
// / log reader").
type Deps struct {
	Supervisor *supervisor.Supervisor
	Store      *instancestore.Store

	// AgentVersion and DataRoot feed Health.Check's response (spec §6);
	// HealthCheckPorts are the ports it probes for "is something already
	// listening there" reporting.
	AgentVersion     string
	DataRoot         string
	HealthCheckPorts []int
}

// Dispatcher is the static table described in spec §4.3.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher builds the full method table bound to deps.
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler)}

	d.handlers[HealthCheck] = deps.handleHealthCheck

	d.handlers[InstanceCreate] = deps.handleInstanceCreate
	d.handlers[InstanceGet] = deps.handleInstanceGet
	d.handlers[InstanceList] = deps.handleInstanceList
	d.handlers[InstanceUpdate] = deps.handleInstanceUpdate
	d.handlers[InstanceStart] = deps.handleInstanceStart
	d.handlers[InstanceStop] = deps.handleInstanceStop
	d.handlers[InstanceDeletePreview] = deps.handleInstanceDeletePreview
	d.handlers[InstanceDelete] = deps.handleInstanceDelete

	d.handlers[ProcessListTemplates] = deps.handleProcessListTemplates
	d.handlers[ProcessTailLogs] = deps.handleProcessTailLogs

	return d
}

// Dispatch looks up method and runs its handler. An unrecognized method
// maps to UNIMPLEMENTED (spec §4.3 "Unknown method → UNIMPLEMENTED").
func (d *Dispatcher) Dispatch(ctx context.Context, method string, payload []byte) ([]byte, *status.Status) {
	h, ok := d.handlers[method]
	if !ok {
		return nil, status.New(status.Unimplemented, "unknown method %q", method)
	}
	return h(ctx, payload)
}
