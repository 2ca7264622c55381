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

// Package config resolves the agent's environment into a Config, the way
// runsc/config resolves flags into a Config struct: one place that reads
// raw strings and hands the rest of the agent typed values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SandboxMode selects the confinement mechanism the Sandbox Planner uses
// for a launch.
type SandboxMode string

const (
	SandboxAuto      SandboxMode = "auto"
	SandboxNative    SandboxMode = "native"
	SandboxBubble    SandboxMode = "bubble"
	SandboxContainer SandboxMode = "container"
	SandboxOff       SandboxMode = "off"
)

// Config is the agent's fully resolved configuration, read once at
// startup from the environment (§6).
type Config struct {
	DataRoot string

	ControlWSURL string
	NodeName     string
	NodeToken    string

	SandboxMode      SandboxMode
	SandboxForceMode SandboxMode

	SandboxMemoryMBDefault    int64
	SandboxPidsLimitDefault   int64
	SandboxNofileLimitDefault int64
	SandboxCPUMillicoresDefault int64

	CgroupRoot   string
	CgroupPrefix string

	LogMaxLines            int
	EarlyExit               time.Duration
	PortProbeTimeout        time.Duration
	ResourceSampleInterval  time.Duration

	HealthCheckPorts []int

	LogLevel string
}

// Load resolves Config from the process environment, applying the
// defaults documented in spec §6.
func Load() Config {
	c := Config{
		DataRoot:     getEnv("ALLOY_DATA_ROOT", "./data"),
		ControlWSURL: os.Getenv("ALLOY_CONTROL_WS_URL"),
		NodeName:     firstNonEmpty(os.Getenv("ALLOY_NODE_NAME"), os.Getenv("HOSTNAME")),
		NodeToken:    os.Getenv("ALLOY_NODE_TOKEN"),

		SandboxMode:      SandboxMode(getEnv("ALLOY_SANDBOX_MODE", string(SandboxAuto))),
		SandboxForceMode: SandboxMode(os.Getenv("ALLOY_SANDBOX_FORCE_MODE")),

		SandboxMemoryMBDefault:      getEnvInt64("ALLOY_SANDBOX_MEMORY_MB_DEFAULT", 1024),
		SandboxPidsLimitDefault:     getEnvInt64("ALLOY_SANDBOX_PIDS_LIMIT_DEFAULT", 512),
		SandboxNofileLimitDefault:   getEnvInt64("ALLOY_SANDBOX_NOFILE_LIMIT_DEFAULT", 4096),
		SandboxCPUMillicoresDefault: getEnvInt64("ALLOY_SANDBOX_CPU_MILLICORES_DEFAULT", 2000),

		CgroupRoot:   getEnv("ALLOY_SANDBOX_CGROUP_ROOT", "/sys/fs/cgroup"),
		CgroupPrefix: getEnv("ALLOY_SANDBOX_CGROUP_PREFIX", "alloy"),

		LogMaxLines:            int(getEnvInt64("ALLOY_LOG_MAX_LINES", 1000)),
		EarlyExit:              time.Duration(getEnvInt64("ALLOY_EARLY_EXIT_MS", 1500)) * time.Millisecond,
		PortProbeTimeout:       time.Duration(getEnvInt64("ALLOY_PORT_PROBE_TIMEOUT_MS", 500)) * time.Millisecond,
		ResourceSampleInterval: time.Duration(getEnvInt64("ALLOY_RESOURCE_SAMPLE_INTERVAL_MS", 5000)) * time.Millisecond,

		LogLevel: getEnv("ALLOY_LOG_LEVEL", "info"),
	}
	c.HealthCheckPorts = parsePorts(os.Getenv("ALLOY_HEALTH_CHECK_PORTS"))
	return c
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parsePorts(raw string) []int {
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// ClampInt64 clamps v into [lo, hi], treating 0 as "unlimited" (passed
// through unchanged) per §4.2's limits-resolution rule.
func ClampInt64(v, lo, hi int64) int64 {
	if v == 0 {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
