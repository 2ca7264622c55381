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

// Package instancestore owns InstanceConfig persistence (spec §4.4): the
// durable record of what an instance is, independent of whether it is
// currently running. The Supervisor owns the transient ProcessEntry half
// of the picture; this package asks it only "is this id live right now"
// via StateLookup.
package instancestore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/alloyinfra/alloy-agent/internal/atomicfile"
	"github.com/alloyinfra/alloy-agent/internal/model"
	"github.com/alloyinfra/alloy-agent/internal/status"
	"github.com/alloyinfra/alloy-agent/internal/templates"
)

// portParamName is the declared param name the port policy (spec §4.4
// "Port policy") watches for.
const portParamName = "port"

// StateLookup is the Supervisor's slice of state this package needs: is
// instanceID currently mid-lifecycle (Starting/Running/Stopping)? Taking
// an interface rather than *supervisor.Supervisor keeps this package
// testable without spinning up a real process supervisor.
type StateLookup interface {
	GetStatus(instanceID string) (*model.Status, *status.Status)
}

// Store is the on-disk InstanceConfig CRUD surface (spec §4.4).
type Store struct {
	dataRoot string
	registry *templates.Registry
	states   StateLookup
}

// New builds a Store rooted at dataRoot, validating params against
// registry's schemas and consulting states for the
// refuse-while-not-terminal rule.
func New(dataRoot string, registry *templates.Registry, states StateLookup) *Store {
	return &Store{dataRoot: dataRoot, registry: registry, states: states}
}

func (st *Store) instancesRoot() string {
	return filepath.Join(st.dataRoot, "instances")
}

func (st *Store) instanceDir(id string) string {
	return filepath.Join(st.instancesRoot(), id)
}

func (st *Store) configPath(id string) string {
	return filepath.Join(st.instanceDir(id), "instance.json")
}

func (st *Store) lockPath(id string) string {
	return filepath.Join(st.instanceDir(id), ".lock")
}

// withLock takes the per-instance flock for the duration of fn. Create
// and Update hold it only around writing instance.json; reads (Get, List,
// and Update's read of the current config) do not take it and rely on
// the atomic rename to never see a partial file.
func (st *Store) withLock(id string, fn func() error) error {
	if err := os.MkdirAll(st.instanceDir(id), 0o755); err != nil {
		return err
	}
	fl := flock.New(st.lockPath(id))
	if err := fl.Lock(); err != nil {
		return err
	}
	defer fl.Unlock()
	return fn()
}

// busy reports whether instanceID has a live (non-terminal) ProcessEntry.
func (st *Store) busy(id string) bool {
	s, errStatus := st.states.GetStatus(id)
	if errStatus != nil {
		return false // NOT_FOUND: no ProcessEntry at all.
	}
	return !s.State.Terminal()
}

// Create generates a UUID instance_id, validates params against
// templateID's schema, resolves the port policy, and persists the new
// InstanceConfig (spec §4.4 "create").
func (st *Store) Create(templateID string, params map[string]string, displayName string) (model.InstanceConfig, *status.Status) {
	tmpl, ok := st.registry.Get(templateID)
	if !ok {
		return model.InstanceConfig{}, status.InvalidArgumentf("unknown template %q", templateID)
	}
	validated, verr := st.registry.Validate(tmpl, params)
	if verr != nil {
		return model.InstanceConfig{}, verr
	}

	id := uuid.NewString()
	if err := st.resolvePort(validated); err != nil {
		return model.InstanceConfig{}, status.Internalf(err, "allocating port: %v", err)
	}

	cfg := model.InstanceConfig{
		InstanceID:  id,
		TemplateID:  templateID,
		Params:      validated,
		DisplayName: displayName,
	}

	var werr error
	err := st.withLock(id, func() error {
		werr = st.writeConfig(cfg)
		return werr
	})
	if err != nil {
		return model.InstanceConfig{}, status.Internalf(err, "persisting instance %q: %v", id, err)
	}
	return cfg, nil
}

// resolvePort implements the port policy: when params["port"] is blank
// or "0", bind an ephemeral TCP listener, capture the assigned port,
// persist it into params, and release the listener before returning
// (spec §4.4 "Port policy" — avoids two instances racing for the same
// auto-port).
func (st *Store) resolvePort(params map[string]string) error {
	v, ok := params[portParamName]
	if !ok || v == "" || v == "0" {
		// Not all templates declare a port param; only act when it is
		// actually present as a field to resolve.
		if !ok {
			return nil
		}
		ln, err := net.Listen("tcp", "0.0.0.0:0")
		if err != nil {
			return fmt.Errorf("binding ephemeral port: %w", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		if err := ln.Close(); err != nil {
			return fmt.Errorf("releasing ephemeral port listener: %w", err)
		}
		params[portParamName] = fmt.Sprintf("%d", port)
	}
	return nil
}

func (st *Store) writeConfig(cfg model.InstanceConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(st.configPath(cfg.InstanceID), data, 0o644)
}

func (st *Store) readConfig(id string) (model.InstanceConfig, error) {
	data, err := os.ReadFile(st.configPath(id))
	if err != nil {
		return model.InstanceConfig{}, err
	}
	var cfg model.InstanceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return model.InstanceConfig{}, err
	}
	return cfg, nil
}

// Get returns the persisted InstanceConfig plus its live status, if any
// (spec §6's Instance.Get: `{config, status?}`).
func (st *Store) Get(id string) (model.InstanceConfig, *model.Status, *status.Status) {
	if !model.ValidInstanceID(id) {
		return model.InstanceConfig{}, nil, status.InvalidArgumentf("invalid instance id %q", id)
	}
	cfg, err := st.readConfig(id)
	if err != nil {
		if os.IsNotExist(err) {
			return model.InstanceConfig{}, nil, status.NotFoundf("instance %q not found", id)
		}
		return model.InstanceConfig{}, nil, status.Internalf(err, "reading instance %q: %v", id, err)
	}
	s, _ := st.states.GetStatus(id)
	return cfg, s, nil
}

// InstanceEntry pairs a config with its optional live status, the shape
// Instance.List returns (spec §6).
type InstanceEntry struct {
	Config model.InstanceConfig
	Status *model.Status
}

// List scans <data_root>/instances/* and returns each instance's config
// plus live status, if any (spec §4.4 "list").
func (st *Store) List() ([]InstanceEntry, *status.Status) {
	entries, err := os.ReadDir(st.instancesRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, status.Internalf(err, "listing instances: %v", err)
	}
	out := make([]InstanceEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cfg, err := st.readConfig(e.Name())
		if err != nil {
			continue // directory without a valid instance.json is not an instance.
		}
		s, _ := st.states.GetStatus(e.Name())
		out = append(out, InstanceEntry{Config: cfg, Status: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.InstanceID < out[j].Config.InstanceID })
	return out, nil
}

// Update re-validates params against the instance's template and
// persists the merged config, refusing while the instance is mid-
// lifecycle (spec §4.4 "update", invariant P2).
func (st *Store) Update(id string, params map[string]string, displayName *string) (model.InstanceConfig, *status.Status) {
	if st.busy(id) {
		return model.InstanceConfig{}, status.FailedPreconditionf("instance %q is running", id)
	}
	cfg, err := st.readConfig(id)
	if err != nil {
		if os.IsNotExist(err) {
			return model.InstanceConfig{}, status.NotFoundf("instance %q not found", id)
		}
		return model.InstanceConfig{}, status.Internalf(err, "reading instance %q: %v", id, err)
	}
	tmpl, ok := st.registry.Get(cfg.TemplateID)
	if !ok {
		return model.InstanceConfig{}, status.InvalidArgumentf("unknown template %q", cfg.TemplateID)
	}

	merged := cfg.Clone().Params
	if merged == nil {
		merged = map[string]string{}
	}
	for k, v := range params {
		merged[k] = v
	}
	validated, verr := st.registry.Validate(tmpl, merged)
	if verr != nil {
		return model.InstanceConfig{}, verr
	}
	if err := st.resolvePort(validated); err != nil {
		return model.InstanceConfig{}, status.Internalf(err, "allocating port: %v", err)
	}

	cfg.Params = validated
	if displayName != nil {
		cfg.DisplayName = *displayName
	}

	var werr error
	lockErr := st.withLock(id, func() error {
		werr = st.writeConfig(cfg)
		return werr
	})
	if lockErr != nil {
		return model.InstanceConfig{}, status.Internalf(lockErr, "persisting instance %q: %v", id, lockErr)
	}
	return cfg, nil
}

// DeletePreview reports the aggregate size (bytes) a Delete would
// reclaim, refusing while running (spec §4.4 "delete_preview").
func (st *Store) DeletePreview(id string) (string, int64, *status.Status) {
	if st.busy(id) {
		return "", 0, status.FailedPreconditionf("instance %q is running", id)
	}
	dir := st.instanceDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", 0, status.NotFoundf("instance %q not found", id)
		}
		return "", 0, status.Internalf(err, "stat instance %q: %v", id, err)
	}
	size, err := dirSize(dir)
	if err != nil {
		return "", 0, status.Internalf(err, "computing size of %q: %v", dir, err)
	}
	return dir, size, nil
}

// Delete removes the instance directory recursively, refusing while
// running (spec §4.4 "delete").
func (st *Store) Delete(id string) *status.Status {
	if st.busy(id) {
		return status.FailedPreconditionf("instance %q is running", id)
	}
	dir := st.instanceDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return status.NotFoundf("instance %q not found", id)
		}
		return status.Internalf(err, "stat instance %q: %v", id, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return status.Internalf(err, "deleting instance %q: %v", id, err)
	}
	return nil
}

// dirSize walks dir and sums regular-file sizes without following
// symlinks (spec §4.4: "a blocking walk that does not follow symlinks").
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
