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

package instancestore

import (
	"testing"

	"github.com/alloyinfra/alloy-agent/internal/model"
	"github.com/alloyinfra/alloy-agent/internal/status"
	"github.com/alloyinfra/alloy-agent/internal/templates"
)

// fakeStates reports every instance as not running unless explicitly
// marked, letting tests exercise the refuse-while-running rule without a
// real Supervisor.
type fakeStates struct {
	running map[string]bool
}

func (f *fakeStates) GetStatus(id string) (*model.Status, *status.Status) {
	if f.running != nil && f.running[id] {
		return &model.Status{InstanceID: id, State: model.StateRunning}, nil
	}
	return nil, status.NotFoundf("no process for instance %q", id)
}

func newTestRegistry() *templates.Registry {
	r := templates.NewRegistry(nil)
	r.Register(templates.Template{
		ID:          "demo:echo",
		DisplayName: "Demo Echo",
		Params: []Param{
			{Name: "out_file", Required: true},
			{Name: "port"},
		},
	})
	return r
}

type Param = templates.Param

func TestCreateGeneratesIDAndPersists(t *testing.T) {
	dir := t.TempDir()
	st := New(dir, newTestRegistry(), &fakeStates{})

	cfg, errStatus := st.Create("demo:echo", map[string]string{"out_file": "/tmp/x"}, "display")
	if errStatus != nil {
		t.Fatalf("Create failed: %v", errStatus)
	}
	if cfg.InstanceID == "" {
		t.Fatal("expected a generated instance id")
	}

	got, _, errStatus := st.Get(cfg.InstanceID)
	if errStatus != nil {
		t.Fatalf("Get failed: %v", errStatus)
	}
	if got.Params["out_file"] != "/tmp/x" {
		t.Fatalf("params not persisted: %+v", got.Params)
	}
}

func TestCreateRejectsUnknownTemplate(t *testing.T) {
	dir := t.TempDir()
	st := New(dir, newTestRegistry(), &fakeStates{})

	_, errStatus := st.Create("no-such-template", nil, "")
	if errStatus == nil || errStatus.Code != status.InvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", errStatus)
	}
}

func TestCreateRejectsMissingRequiredParam(t *testing.T) {
	dir := t.TempDir()
	st := New(dir, newTestRegistry(), &fakeStates{})

	_, errStatus := st.Create("demo:echo", nil, "")
	if errStatus == nil || errStatus.Code != status.InvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", errStatus)
	}
}

func TestUpdateWhileRunningRefused(t *testing.T) {
	dir := t.TempDir()
	states := &fakeStates{running: map[string]bool{}}
	st := New(dir, newTestRegistry(), states)

	cfg, errStatus := st.Create("demo:echo", map[string]string{"out_file": "/tmp/x"}, "")
	if errStatus != nil {
		t.Fatalf("Create failed: %v", errStatus)
	}

	states.running[cfg.InstanceID] = true
	_, errStatus = st.Update(cfg.InstanceID, map[string]string{"out_file": "/tmp/y"}, nil)
	if errStatus == nil || errStatus.Code != status.FailedPrecondition {
		t.Fatalf("expected FAILED_PRECONDITION, got %v", errStatus)
	}

	states.running[cfg.InstanceID] = false
	updated, errStatus := st.Update(cfg.InstanceID, map[string]string{"out_file": "/tmp/y"}, nil)
	if errStatus != nil {
		t.Fatalf("Update failed: %v", errStatus)
	}
	if updated.Params["out_file"] != "/tmp/y" {
		t.Fatalf("update did not apply: %+v", updated.Params)
	}
}

func TestDeleteRefusedWhileRunningThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	states := &fakeStates{running: map[string]bool{}}
	st := New(dir, newTestRegistry(), states)

	cfg, errStatus := st.Create("demo:echo", map[string]string{"out_file": "/tmp/x"}, "")
	if errStatus != nil {
		t.Fatalf("Create failed: %v", errStatus)
	}

	states.running[cfg.InstanceID] = true
	if errStatus := st.Delete(cfg.InstanceID); errStatus == nil || errStatus.Code != status.FailedPrecondition {
		t.Fatalf("expected FAILED_PRECONDITION, got %v", errStatus)
	}

	states.running[cfg.InstanceID] = false
	if errStatus := st.Delete(cfg.InstanceID); errStatus != nil {
		t.Fatalf("Delete failed: %v", errStatus)
	}
	if _, _, errStatus := st.Get(cfg.InstanceID); errStatus == nil || errStatus.Code != status.NotFound {
		t.Fatalf("expected NOT_FOUND after delete, got %v", errStatus)
	}
}

func TestListReturnsAllInstances(t *testing.T) {
	dir := t.TempDir()
	st := New(dir, newTestRegistry(), &fakeStates{})

	for i := 0; i < 3; i++ {
		if _, errStatus := st.Create("demo:echo", map[string]string{"out_file": "/tmp/x"}, ""); errStatus != nil {
			t.Fatalf("Create failed: %v", errStatus)
		}
	}

	entries, errStatus := st.List()
	if errStatus != nil {
		t.Fatalf("List failed: %v", errStatus)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(entries))
	}
}

func TestPortPolicyAssignsEphemeralPort(t *testing.T) {
	dir := t.TempDir()
	st := New(dir, newTestRegistry(), &fakeStates{})

	cfg, errStatus := st.Create("demo:echo", map[string]string{"out_file": "/tmp/x", "port": "0"}, "")
	if errStatus != nil {
		t.Fatalf("Create failed: %v", errStatus)
	}
	if cfg.Params["port"] == "" || cfg.Params["port"] == "0" {
		t.Fatalf("expected an assigned port, got %q", cfg.Params["port"])
	}
}

func TestDeletePreviewReportsSize(t *testing.T) {
	dir := t.TempDir()
	st := New(dir, newTestRegistry(), &fakeStates{})

	cfg, errStatus := st.Create("demo:echo", map[string]string{"out_file": "/tmp/x"}, "")
	if errStatus != nil {
		t.Fatalf("Create failed: %v", errStatus)
	}

	path, size, errStatus := st.DeletePreview(cfg.InstanceID)
	if errStatus != nil {
		t.Fatalf("DeletePreview failed: %v", errStatus)
	}
	if path == "" || size <= 0 {
		t.Fatalf("expected a non-empty path and positive size, got %q %d", path, size)
	}
}
