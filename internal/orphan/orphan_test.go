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

package orphan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alloyinfra/alloy-agent/internal/model"
)

func TestReconcileIgnoresMalformedRunJSON(t *testing.T) {
	dataRoot := t.TempDir()
	instDir := filepath.Join(dataRoot, "instances", "bad-instance")
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(instDir, "run.json"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Must not panic; malformed run.json is ignored per spec (step 1).
	Reconcile(dataRoot)

	if _, err := os.Stat(filepath.Join(instDir, "run.json")); err != nil {
		t.Fatalf("malformed run.json should be left alone, got stat err: %v", err)
	}
}

func TestReconcileSkipsMissingRunJSON(t *testing.T) {
	dataRoot := t.TempDir()
	instDir := filepath.Join(dataRoot, "instances", "idle-instance")
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// No run.json present: nothing to reconcile, must not error.
	Reconcile(dataRoot)
}

func TestReconcileRemovesRunJSONForDeadPID(t *testing.T) {
	dataRoot := t.TempDir()
	instDir := filepath.Join(dataRoot, "instances", "dead-instance")
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		t.Fatal(err)
	}
	rd := model.RunDescriptor{
		InstanceID: "dead-instance",
		PID:        1 << 30, // implausible PID: /proc/<pid> will not exist.
		PGID:       1 << 30,
		Exec:       "/bin/true",
		Cwd:        instDir,
	}
	data, err := json.Marshal(rd)
	if err != nil {
		t.Fatal(err)
	}
	runPath := filepath.Join(instDir, "run.json")
	if err := os.WriteFile(runPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	Reconcile(dataRoot)

	if _, err := os.Stat(runPath); !os.IsNotExist(err) {
		t.Fatalf("expected run.json to be removed for a dead pid, stat err: %v", err)
	}
}
