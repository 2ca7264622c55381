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

package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alloyinfra/alloy-agent/internal/config"
	"github.com/alloyinfra/alloy-agent/internal/instancestore"
	"github.com/alloyinfra/alloy-agent/internal/sandbox"
	"github.com/alloyinfra/alloy-agent/internal/status"
	"github.com/alloyinfra/alloy-agent/internal/supervisor"
	"github.com/alloyinfra/alloy-agent/internal/templates"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	dataRoot := t.TempDir()

	registry := templates.NewRegistry(templates.DemoProvider{})
	registry.Register(templates.DemoEcho)

	planner := sandbox.NewPlanner(config.Config{})
	sup := supervisor.New(planner, registry, dataRoot, 100)
	store := instancestore.New(dataRoot, registry, sup)

	return NewDispatcher(Deps{Supervisor: sup, Store: store, DataRoot: dataRoot, AgentVersion: "test"})
}

func TestHealthCheck(t *testing.T) {
	d := newTestDispatcher(t)
	payload, serr := d.Dispatch(context.Background(), HealthCheck, nil)
	if serr != nil {
		t.Fatalf("HealthCheck failed: %v", serr)
	}
	var resp healthCheckResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "OK" {
		t.Fatalf("expected status OK, got %q", resp.Status)
	}
	if !resp.Writable {
		t.Fatal("expected the test data root to report writable")
	}
}

func TestUnknownMethodIsUnimplemented(t *testing.T) {
	d := newTestDispatcher(t)
	_, serr := d.Dispatch(context.Background(), "Nonsense.Method", nil)
	if serr == nil || serr.Code != status.Unimplemented {
		t.Fatalf("expected UNIMPLEMENTED, got %v", serr)
	}
}

func TestInstanceCreateGetList(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	createReq, _ := json.Marshal(instanceCreateRequest{
		TemplateID: "demo:echo",
		Params:     map[string]string{"out_file": "/tmp/out"},
	})
	payload, serr := d.Dispatch(ctx, InstanceCreate, createReq)
	if serr != nil {
		t.Fatalf("Instance.Create failed: %v", serr)
	}
	var createResp instanceConfigResponse
	if err := json.Unmarshal(payload, &createResp); err != nil {
		t.Fatal(err)
	}
	if createResp.Config.InstanceID == "" {
		t.Fatal("expected a generated instance id")
	}

	getReq, _ := json.Marshal(instanceIDRequest{ID: createResp.Config.InstanceID})
	payload, serr = d.Dispatch(ctx, InstanceGet, getReq)
	if serr != nil {
		t.Fatalf("Instance.Get failed: %v", serr)
	}
	var getResp instanceGetResponse
	if err := json.Unmarshal(payload, &getResp); err != nil {
		t.Fatal(err)
	}
	if getResp.Config.Params["out_file"] != "/tmp/out" {
		t.Fatalf("unexpected params: %+v", getResp.Config.Params)
	}

	payload, serr = d.Dispatch(ctx, InstanceList, nil)
	if serr != nil {
		t.Fatalf("Instance.List failed: %v", serr)
	}
	var listResp instanceListResponse
	if err := json.Unmarshal(payload, &listResp); err != nil {
		t.Fatal(err)
	}
	if len(listResp.Items) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(listResp.Items))
	}
}

func TestInstanceGetNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	req, _ := json.Marshal(instanceIDRequest{ID: "does-not-exist"})
	_, serr := d.Dispatch(context.Background(), InstanceGet, req)
	if serr == nil || serr.Code != status.NotFound {
		t.Fatalf("expected NOT_FOUND, got %v", serr)
	}
}

func TestProcessListTemplates(t *testing.T) {
	d := newTestDispatcher(t)
	payload, serr := d.Dispatch(context.Background(), ProcessListTemplates, nil)
	if serr != nil {
		t.Fatalf("Process.ListTemplates failed: %v", serr)
	}
	var resp listTemplatesResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Templates) != 1 || resp.Templates[0].ID != "demo:echo" {
		t.Fatalf("unexpected templates: %+v", resp.Templates)
	}
}
