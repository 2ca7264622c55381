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
	"fmt"
	"path/filepath"
)

// resolveNoEscape resolves symlinks in p and refuses it if the resolved
// path is not p itself or doesn't sit under the same parent directory
// tree — the single, safer symlink policy SPEC_FULL picks over the
// original's "follow directory symlinks but refuse file ones" split
// (spec §9 Open Question, resolved in SPEC_FULL's Supplemented
// Features).
func resolveNoEscape(p string) (string, error) {
	clean := filepath.Clean(p)
	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks: %w", err)
	}
	if resolved != clean {
		return "", fmt.Errorf("refusing symlinked path %q -> %q", clean, resolved)
	}
	return resolved, nil
}
