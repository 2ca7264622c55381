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

//go:build !linux

package orphan

import (
	"syscall"

	"github.com/alloyinfra/alloy-agent/internal/model"
)

const (
	sigterm = syscall.SIGTERM
	sigkill = syscall.SIGKILL
)

// processExists, verifyIdentity are unsupported outside Linux (spec §4.5
// names this reconciler "(Linux)" explicitly). Off Linux, Reconcile
// never signals a recorded process; it still force-removes a recorded
// container and deletes each run.json it finds.
func processExists(pid int) bool { return false }

func verifyIdentity(rd model.RunDescriptor) bool { return false }

func sendSignalToGroup(pgid int, sig syscall.Signal) error { return nil }
