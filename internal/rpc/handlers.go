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
	"fmt"
	"net"
	"os"
	"time"

	"github.com/alloyinfra/alloy-agent/internal/model"
	"github.com/alloyinfra/alloy-agent/internal/status"
	"github.com/alloyinfra/alloy-agent/internal/templates"
)

func decode(payload []byte, v any) *status.Status {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return status.InvalidArgumentf("decoding request payload: %v", err)
	}
	return nil
}

func encode(v any) ([]byte, *status.Status) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Internalf(err, "encoding response payload: %v", err)
	}
	return b, nil
}

type healthCheckResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	DataRoot  string `json:"data_root"`
	Writable  bool   `json:"writable"`
	FreeBytes uint64 `json:"free_bytes"`
	Ports     []int  `json:"ports"`
}

func (d Deps) handleHealthCheck(_ context.Context, _ []byte) ([]byte, *status.Status) {
	writable := probeWritable(d.DataRoot)
	free := dataRootFreeBytes(d.DataRoot)

	var open []int
	for _, p := range d.HealthCheckPorts {
		if portListening(p) {
			open = append(open, p)
		}
	}

	return encode(healthCheckResponse{
		Status:    "OK",
		Version:   d.AgentVersion,
		DataRoot:  d.DataRoot,
		Writable:  writable,
		FreeBytes: free,
		Ports:     open,
	})
}

// probeWritable creates and removes a throwaway file under dataRoot, the
// cheapest reliable "can we actually write here" check (permissions
// alone don't account for a read-only bind mount).
func probeWritable(dataRoot string) bool {
	f, err := os.CreateTemp(dataRoot, ".health-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

// portListening reports whether something is already bound to port on
// all interfaces, used by Health.Check to surface port collisions before
// an instance tries to claim one (spec §6).
func portListening(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return true
	}
	ln.Close()
	return false
}

type instanceCreateRequest struct {
	TemplateID  string            `json:"template_id"`
	Params      map[string]string `json:"params"`
	DisplayName string            `json:"display_name,omitempty"`
}

type instanceConfigResponse struct {
	Config model.InstanceConfig `json:"config"`
}

func (d Deps) handleInstanceCreate(_ context.Context, payload []byte) ([]byte, *status.Status) {
	var req instanceCreateRequest
	if serr := decode(payload, &req); serr != nil {
		return nil, serr
	}
	cfg, serr := d.Store.Create(req.TemplateID, req.Params, req.DisplayName)
	if serr != nil {
		return nil, serr
	}
	return encode(instanceConfigResponse{Config: cfg})
}

type instanceIDRequest struct {
	ID string `json:"id"`
}

type instanceGetResponse struct {
	Config model.InstanceConfig `json:"config"`
	Status *model.Status        `json:"status,omitempty"`
}

func (d Deps) handleInstanceGet(_ context.Context, payload []byte) ([]byte, *status.Status) {
	var req instanceIDRequest
	if serr := decode(payload, &req); serr != nil {
		return nil, serr
	}
	cfg, st, serr := d.Store.Get(req.ID)
	if serr != nil {
		return nil, serr
	}
	return encode(instanceGetResponse{Config: cfg, Status: st})
}

type instanceListResponse struct {
	Items []instanceGetResponse `json:"items"`
}

func (d Deps) handleInstanceList(_ context.Context, _ []byte) ([]byte, *status.Status) {
	entries, serr := d.Store.List()
	if serr != nil {
		return nil, serr
	}
	items := make([]instanceGetResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, instanceGetResponse{Config: e.Config, Status: e.Status})
	}
	return encode(instanceListResponse{Items: items})
}

type instanceUpdateRequest struct {
	ID          string            `json:"id"`
	Params      map[string]string `json:"params"`
	DisplayName *string           `json:"display_name,omitempty"`
}

func (d Deps) handleInstanceUpdate(_ context.Context, payload []byte) ([]byte, *status.Status) {
	var req instanceUpdateRequest
	if serr := decode(payload, &req); serr != nil {
		return nil, serr
	}
	cfg, serr := d.Store.Update(req.ID, req.Params, req.DisplayName)
	if serr != nil {
		return nil, serr
	}
	return encode(instanceConfigResponse{Config: cfg})
}

type statusResponse struct {
	Status *model.Status `json:"status"`
}

func (d Deps) handleInstanceStart(ctx context.Context, payload []byte) ([]byte, *status.Status) {
	var req instanceIDRequest
	if serr := decode(payload, &req); serr != nil {
		return nil, serr
	}
	cfg, _, serr := d.Store.Get(req.ID)
	if serr != nil {
		return nil, serr
	}
	st, serr := d.Supervisor.Start(ctx, cfg.InstanceID, cfg.TemplateID, d.Supervisor.InstanceDir(cfg.InstanceID), cfg.Params)
	if serr != nil {
		return nil, serr
	}
	return encode(statusResponse{Status: st})
}

type instanceStopRequest struct {
	ID        string `json:"id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func (d Deps) handleInstanceStop(ctx context.Context, payload []byte) ([]byte, *status.Status) {
	var req instanceStopRequest
	if serr := decode(payload, &req); serr != nil {
		return nil, serr
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	st, serr := d.Supervisor.Stop(ctx, req.ID, timeout)
	if serr != nil {
		return nil, serr
	}
	return encode(statusResponse{Status: st})
}

type deletePreviewResponse struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

func (d Deps) handleInstanceDeletePreview(_ context.Context, payload []byte) ([]byte, *status.Status) {
	var req instanceIDRequest
	if serr := decode(payload, &req); serr != nil {
		return nil, serr
	}
	path, size, serr := d.Store.DeletePreview(req.ID)
	if serr != nil {
		return nil, serr
	}
	return encode(deletePreviewResponse{Path: path, SizeBytes: size})
}

func (d Deps) handleInstanceDelete(_ context.Context, payload []byte) ([]byte, *status.Status) {
	var req instanceIDRequest
	if serr := decode(payload, &req); serr != nil {
		return nil, serr
	}
	if serr := d.Store.Delete(req.ID); serr != nil {
		return nil, serr
	}
	return encode(struct {
		OK bool `json:"ok"`
	}{OK: true})
}

type listTemplatesResponse struct {
	Templates []templates.ParamsSchema `json:"templates"`
}

func (d Deps) handleProcessListTemplates(_ context.Context, _ []byte) ([]byte, *status.Status) {
	return encode(listTemplatesResponse{Templates: d.Supervisor.ListTemplates()})
}

type tailLogsRequest struct {
	ID     string `json:"id"`
	Cursor uint64 `json:"cursor"`
	Limit  int    `json:"limit"`
}

type tailLogsResponse struct {
	Lines      []model.LogLine `json:"lines"`
	NextCursor uint64          `json:"next_cursor"`
}

func (d Deps) handleProcessTailLogs(_ context.Context, payload []byte) ([]byte, *status.Status) {
	var req tailLogsRequest
	if serr := decode(payload, &req); serr != nil {
		return nil, serr
	}
	lines, next, serr := d.Supervisor.TailLogs(req.ID, req.Cursor, req.Limit)
	if serr != nil {
		return nil, serr
	}
	return encode(tailLogsResponse{Lines: lines, NextCursor: next})
}
