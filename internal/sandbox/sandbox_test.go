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
	"testing"

	"github.com/alloyinfra/alloy-agent/internal/config"
	"github.com/alloyinfra/alloy-agent/internal/status"
	"github.com/alloyinfra/alloy-agent/internal/templates"
)

func newTestPlanner(cfg config.Config, containerAvail, bubbleAvail bool) *Planner {
	return &Planner{
		cfg:                       cfg,
		containerRuntimeAvailable: func() bool { return containerAvail },
		bubbleHelperAvailable:     func() bool { return bubbleAvail },
	}
}

func TestResolveModeAutoPrefersContainerThenBubbleThenNative(t *testing.T) {
	cases := []struct {
		name           string
		containerAvail bool
		bubbleAvail    bool
		want           Mode
		wantWarning    bool
	}{
		{"container available", true, true, ModeContainer, false},
		{"only bubble available", false, true, ModeBubble, false},
		{"nothing available", false, false, ModeNative, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPlanner(config.Config{SandboxMode: config.SandboxAuto}, tc.containerAvail, tc.bubbleAvail)
			mode, warnings, serr := p.resolveMode("")
			if serr != nil {
				t.Fatalf("resolveMode failed: %v", serr)
			}
			if mode != tc.want {
				t.Fatalf("got mode %q, want %q", mode, tc.want)
			}
			if tc.wantWarning && len(warnings) == 0 {
				t.Fatal("expected a warning about falling back to native mode")
			}
		})
	}
}

func TestResolveModeExplicitParamOverridesConfig(t *testing.T) {
	p := newTestPlanner(config.Config{SandboxMode: config.SandboxAuto}, true, true)
	mode, _, serr := p.resolveMode(string(config.SandboxNative))
	if serr != nil {
		t.Fatalf("resolveMode failed: %v", serr)
	}
	if mode != ModeNative {
		t.Fatalf("got mode %q, want native", mode)
	}
}

func TestResolveModeRequestedButUnavailableFails(t *testing.T) {
	p := newTestPlanner(config.Config{SandboxMode: config.SandboxContainer}, false, false)
	_, _, serr := p.resolveMode("")
	if serr == nil || serr.Code != status.FailedPrecondition {
		t.Fatalf("expected FAILED_PRECONDITION, got %v", serr)
	}
}

func TestResolveModeForceModeOverridesEverything(t *testing.T) {
	p := newTestPlanner(config.Config{SandboxMode: config.SandboxContainer, SandboxForceMode: config.SandboxNative}, false, false)
	mode, _, serr := p.resolveMode(string(config.SandboxBubble))
	if serr != nil {
		t.Fatalf("resolveMode failed: %v", serr)
	}
	if mode != ModeNative {
		t.Fatalf("forced mode ignored: got %q", mode)
	}
}

func TestResolveModeForceModeStillRequiresTooling(t *testing.T) {
	p := newTestPlanner(config.Config{SandboxForceMode: config.SandboxBubble}, false, false)
	_, _, serr := p.resolveMode("")
	if serr == nil || serr.Code != status.FailedPrecondition {
		t.Fatalf("expected FAILED_PRECONDITION, got %v", serr)
	}
}

func TestResolveModeOffAlwaysNative(t *testing.T) {
	p := newTestPlanner(config.Config{SandboxForceMode: config.SandboxOff}, true, true)
	mode, _, serr := p.resolveMode("")
	if serr != nil {
		t.Fatalf("resolveMode failed: %v", serr)
	}
	if mode != ModeNative {
		t.Fatalf("got mode %q, want native", mode)
	}
}

func TestResolveModeUnknownIsInvalidArgument(t *testing.T) {
	p := newTestPlanner(config.Config{}, true, true)
	_, _, serr := p.resolveMode("bogus")
	if serr == nil || serr.Code != status.InvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", serr)
	}
}

func TestPlanNativeProducesSandboxInitLaunch(t *testing.T) {
	p := newTestPlanner(config.Config{SandboxMode: config.SandboxNative}, false, false)
	launch, serr := p.Plan(PlanInput{
		InstanceID:  "inst-1",
		TemplateID:  "demo:echo",
		InstanceDir: t.TempDir(),
		Launch: templates.PreparedLaunch{
			Exec: "/bin/sh",
			Args: []string{"-c", "true"},
			Cwd:  t.TempDir(),
		},
		Limits: p.ResolveLimits(nil),
	})
	if serr != nil {
		t.Fatalf("Plan failed: %v", serr)
	}
	if launch.Mode != ModeNative {
		t.Fatalf("got mode %q, want native", launch.Mode)
	}
	if len(launch.Args) == 0 || launch.Args[0] != SandboxInitArg {
		t.Fatalf("expected the sandboxinit re-exec wrapper, got args %v", launch.Args)
	}
}

func TestPlanContainerUnavailableFailsPrecondition(t *testing.T) {
	p := newTestPlanner(config.Config{SandboxMode: config.SandboxContainer}, false, false)
	_, serr := p.Plan(PlanInput{
		InstanceID:  "inst-1",
		InstanceDir: t.TempDir(),
		Launch:      templates.PreparedLaunch{Exec: "/bin/sh", Cwd: t.TempDir()},
		Limits:      p.ResolveLimits(nil),
	})
	if serr == nil || serr.Code != status.FailedPrecondition {
		t.Fatalf("expected FAILED_PRECONDITION, got %v", serr)
	}
}

func TestResolveLimitsAppliesOverridesAndClamps(t *testing.T) {
	p := newTestPlanner(config.Config{
		SandboxMemoryMBDefault:      1024,
		SandboxPidsLimitDefault:     512,
		SandboxNofileLimitDefault:   4096,
		SandboxCPUMillicoresDefault: 2000,
	}, true, true)

	limits := p.ResolveLimits(map[string]string{
		"sandbox_memory_mb":      "8",   // below the 64 floor, should clamp up
		"sandbox_pids_limit":     "100000", // above the 65536 ceiling, should clamp down
		"sandbox_cpu_millicores": "4000",
	})
	if limits.MemoryMB != 64 {
		t.Fatalf("expected memory clamp to 64, got %d", limits.MemoryMB)
	}
	if limits.PidsLimit != 65536 {
		t.Fatalf("expected pids clamp to 65536, got %d", limits.PidsLimit)
	}
	if limits.CPUMillicores != 4000 {
		t.Fatalf("expected override to apply, got %d", limits.CPUMillicores)
	}
	if limits.NofileLimit != 4096 {
		t.Fatalf("expected default to carry through, got %d", limits.NofileLimit)
	}
}

func TestSanitizeRWPathsDropsNonAbsoluteAndMissing(t *testing.T) {
	dir := t.TempDir()
	out, warnings := sanitizeRWPaths([]string{"relative/path", dir, "/no/such/path"})
	if len(out) != 1 || out[0] != dir {
		t.Fatalf("expected only %q to survive, got %v", dir, out)
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
}
