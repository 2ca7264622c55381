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

package templates

import (
	"context"
	"fmt"
)

// DemoProvider is a reference AssetProvider backed entirely by /bin/sh,
// used by the test suite and by operators smoke-testing a fresh agent
// without a real vendor-build fetcher wired in. It understands two
// templates: demo:sleep (a process that naps for params["seconds"]) and
// demo:echo (a process that echoes stdin to a file, for exercising
// graceful_stdin, spec §8 scenario 2).
type DemoProvider struct{}

// DemoSleep and DemoEcho are the two reference Template definitions
// DemoProvider implements.
var (
	DemoSleep = Template{
		ID:          "demo:sleep",
		DisplayName: "Demo: sleep",
		Params: []Param{
			{Name: "seconds", Required: true, Default: "30"},
		},
	}
	DemoEcho = Template{
		ID:            "demo:echo",
		DisplayName:   "Demo: stdin echo",
		GracefulStdin: "stop\n",
		Params: []Param{
			{Name: "out_file", Required: true},
		},
	}
)

// Prepare implements AssetProvider.
func (DemoProvider) Prepare(_ context.Context, instanceDir string, tmpl Template, params map[string]string) (PreparedLaunch, error) {
	switch tmpl.ID {
	case DemoSleep.ID:
		return PreparedLaunch{
			Exec: "/bin/sh",
			Args: []string{"-c", fmt.Sprintf("sleep %s", params["seconds"])},
			Cwd:  instanceDir,
		}, nil
	case DemoEcho.ID:
		return PreparedLaunch{
			Exec: "/bin/sh",
			Args: []string{"-c", fmt.Sprintf("while IFS= read -r line; do echo \"$line\" >> %q; done", params["out_file"])},
			Cwd:  instanceDir,
		}, nil
	default:
		return PreparedLaunch{}, fmt.Errorf("demo provider: unknown template %q", tmpl.ID)
	}
}
