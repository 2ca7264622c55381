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

package main

import "fmt"

// runSandboxInit has no non-Linux implementation: rlimits, no-new-privs
// and cgroups are all Linux-specific (spec §4.2 native mode is the
// Linux-only confinement path).
func runSandboxInit() error {
	return fmt.Errorf("sandboxinit: unsupported on this platform")
}
