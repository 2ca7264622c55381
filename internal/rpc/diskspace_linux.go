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

//go:build linux

package rpc

import "golang.org/x/sys/unix"

// dataRootFreeBytes reports free space on the filesystem backing
// dataRoot, for Health.Check's free_bytes field (spec §6).
func dataRootFreeBytes(dataRoot string) uint64 {
	var st unix.Statfs_t
	if err := unix.Statfs(dataRoot, &st); err != nil {
		return 0
	}
	return st.Bavail * uint64(st.Bsize)
}
