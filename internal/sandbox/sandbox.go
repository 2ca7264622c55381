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

// Package sandbox is the Sandbox Planner (spec §4.2): it turns a
// PreparedLaunch plus resource limits into a concrete, mode-specific
// launch plan. It never spawns anything itself — Plan is pure aside from
// filesystem work (existence checks, mountinfo reads, cgroup directory
// creation, and writing the OCI bundle in container mode); the
// Supervisor is what actually execs the result.
package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/alloyinfra/alloy-agent/internal/config"
	"github.com/alloyinfra/alloy-agent/internal/status"
	"github.com/alloyinfra/alloy-agent/internal/templates"
)

// Mode is the confinement mechanism selected for one launch.
type Mode string

const (
	ModeNative    Mode = "native"
	ModeBubble    Mode = "bubble"
	ModeContainer Mode = "container"
)

// Limits is the resolved set of resource caps for one launch (spec
// §4.2's "Limits resolution"). Zero means unlimited.
type Limits struct {
	MemoryMB      int64
	PidsLimit     int64
	NofileLimit   int64
	CPUMillicores int64
}

// Launch is the Sandbox Planner's output (spec §4.2's SandboxLaunch).
type Launch struct {
	Exec          string
	Args          []string
	Cwd           string
	Env           []string
	Mode          Mode
	CgroupPath    string // native/bubble only
	ContainerName string // container mode only
	Warnings      []string
}

// PlanInput bundles everything Plan needs (spec §4.2's Inputs).
type PlanInput struct {
	InstanceID  string
	TemplateID  string
	InstanceDir string
	Launch      templates.PreparedLaunch
	Limits      Limits
	// ParamMode is the per-start sandbox_mode param; when empty, the
	// configured mode applies, and a configured force mode overrides
	// both (spec §4.2 "Mode selection").
	ParamMode string
}

// containerNamePattern matches the characters the container runtime
// allows in a name; everything else is replaced with '_' (spec §4.2
// "Sanitization").
var containerNamePattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ContainerName derives the container name for instanceID.
func ContainerName(instanceID string) string {
	return "alloy-inst-" + containerNamePattern.ReplaceAllString(instanceID, "_")
}

// CgroupName derives the cgroup directory name for instanceID.
func CgroupName(prefix, instanceID string) string {
	return prefix + "." + containerNamePattern.ReplaceAllString(instanceID, "_")
}

// Planner selects a confinement mode and builds a Launch.
type Planner struct {
	cfg config.Config

	// toolingProbe lets tests fake "is this tool installed" without
	// touching the real PATH/filesystem.
	containerRuntimeAvailable func() bool
	bubbleHelperAvailable     func() bool
}

// NewPlanner builds a Planner bound to cfg, probing the real host for
// tooling availability.
func NewPlanner(cfg config.Config) *Planner {
	return &Planner{
		cfg:                       cfg,
		containerRuntimeAvailable: defaultContainerRuntimeAvailable,
		bubbleHelperAvailable:     defaultBubbleHelperAvailable,
	}
}

func defaultContainerRuntimeAvailable() bool {
	_, err := exec.LookPath("runc")
	return err == nil
}

func defaultBubbleHelperAvailable() bool {
	_, err := exec.LookPath(bubbleHelperName)
	return err == nil
}

const bubbleHelperName = "alloy-bubble-helper"

// resolveMode implements spec §4.2's "Mode selection" precedence:
// explicit override (force) > per-start param/env > auto-detect > native.
func (p *Planner) resolveMode(paramMode string) (Mode, []string, *status.Status) {
	var warnings []string

	if force := p.cfg.SandboxForceMode; force != "" {
		m := Mode(force)
		if m == Mode(config.SandboxOff) {
			return ModeNative, warnings, nil
		}
		if !p.toolingAvailable(m) {
			return "", nil, status.New(status.FailedPrecondition,
				"forced sandbox mode %q has no tooling available on this host", m)
		}
		return m, warnings, nil
	}

	explicit := paramMode
	if explicit == "" {
		explicit = string(p.cfg.SandboxMode)
	}

	switch config.SandboxMode(explicit) {
	case config.SandboxOff:
		return ModeNative, warnings, nil
	case config.SandboxNative:
		return ModeNative, warnings, nil
	case config.SandboxBubble:
		if !p.bubbleHelperAvailable() {
			return "", nil, status.New(status.FailedPrecondition, "bubble sandbox mode requested but %s is not installed", bubbleHelperName)
		}
		return ModeBubble, warnings, nil
	case config.SandboxContainer:
		if !p.containerRuntimeAvailable() {
			return "", nil, status.New(status.FailedPrecondition, "container sandbox mode requested but no container runtime is available")
		}
		return ModeContainer, warnings, nil
	case config.SandboxAuto, "":
		if p.containerRuntimeAvailable() {
			return ModeContainer, warnings, nil
		}
		if p.bubbleHelperAvailable() {
			return ModeBubble, warnings, nil
		}
		warnings = append(warnings, "no container runtime or bubble helper found; running unsandboxed (native mode)")
		return ModeNative, warnings, nil
	default:
		return "", nil, status.InvalidArgumentf("unknown sandbox_mode %q", explicit)
	}
}

func (p *Planner) toolingAvailable(m Mode) bool {
	switch m {
	case ModeContainer:
		return p.containerRuntimeAvailable()
	case ModeBubble:
		return p.bubbleHelperAvailable()
	default:
		return true
	}
}

// ResolveLimits applies per-start overrides on top of the configured
// defaults and clamps each into a sane range (spec §4.2).
func (p *Planner) ResolveLimits(params map[string]string) Limits {
	l := Limits{
		MemoryMB:      p.cfg.SandboxMemoryMBDefault,
		PidsLimit:     p.cfg.SandboxPidsLimitDefault,
		NofileLimit:   p.cfg.SandboxNofileLimitDefault,
		CPUMillicores: p.cfg.SandboxCPUMillicoresDefault,
	}
	if v, ok := parseParamInt(params["sandbox_memory_mb"]); ok {
		l.MemoryMB = v
	}
	if v, ok := parseParamInt(params["sandbox_pids_limit"]); ok {
		l.PidsLimit = v
	}
	if v, ok := parseParamInt(params["sandbox_nofile_limit"]); ok {
		l.NofileLimit = v
	}
	if v, ok := parseParamInt(params["sandbox_cpu_millicores"]); ok {
		l.CPUMillicores = v
	}
	l.MemoryMB = config.ClampInt64(l.MemoryMB, 64, 262144)
	l.PidsLimit = config.ClampInt64(l.PidsLimit, 16, 65536)
	l.NofileLimit = config.ClampInt64(l.NofileLimit, 64, 1<<20)
	l.CPUMillicores = config.ClampInt64(l.CPUMillicores, 50, 64000)
	return l
}

func parseParamInt(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, false
	}
	return v, true
}

// Plan selects a mode and builds the concrete Launch for in.
func (p *Planner) Plan(in PlanInput) (Launch, *status.Status) {
	mode, warnings, serr := p.resolveMode(in.ParamMode)
	if serr != nil {
		return Launch{}, serr
	}

	sanitized, sanWarnings := sanitizeRWPaths(in.Launch.ExtraRWPaths)
	warnings = append(warnings, sanWarnings...)

	switch mode {
	case ModeNative:
		l, w, serr := p.planNative(in)
		if serr != nil {
			return Launch{}, serr
		}
		l.Warnings = append(warnings, w...)
		return l, nil
	case ModeBubble:
		l, w, serr := p.planBubble(in, sanitized)
		if serr != nil {
			return Launch{}, serr
		}
		l.Warnings = append(warnings, w...)
		return l, nil
	case ModeContainer:
		l, w, serr := p.planContainer(in, sanitized)
		if serr != nil {
			return Launch{}, serr
		}
		l.Warnings = append(warnings, w...)
		return l, nil
	default:
		return Launch{}, status.Internalf(nil, "unreachable sandbox mode %q", mode)
	}
}

// sanitizeRWPaths drops non-existing or non-absolute paths, warning for
// each (spec §4.2 "Sanitization").
func sanitizeRWPaths(paths []string) ([]string, []string) {
	var out []string
	var warnings []string
	for _, p := range paths {
		if !strings.HasPrefix(p, "/") {
			warnings = append(warnings, fmt.Sprintf("dropping non-absolute rw path %q", p))
			continue
		}
		if _, err := os.Stat(p); err != nil {
			warnings = append(warnings, fmt.Sprintf("dropping non-existing rw path %q: %v", p, err))
			continue
		}
		resolved, err := resolveNoEscape(p)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("dropping rw path %q: %v", p, err))
			continue
		}
		out = append(out, resolved)
	}
	return out, warnings
}
