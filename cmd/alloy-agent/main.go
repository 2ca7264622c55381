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

// Binary alloy-agent is the per-node daemon: it supervises game server
// processes, exposes the RPC surface over a Control Tunnel, and reaps
// anything a previous agent process left running.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"

	"github.com/alloyinfra/alloy-agent/internal/config"
	"github.com/alloyinfra/alloy-agent/internal/instancestore"
	"github.com/alloyinfra/alloy-agent/internal/orphan"
	"github.com/alloyinfra/alloy-agent/internal/rpc"
	"github.com/alloyinfra/alloy-agent/internal/sandbox"
	"github.com/alloyinfra/alloy-agent/internal/supervisor"
	"github.com/alloyinfra/alloy-agent/internal/templates"
	"github.com/alloyinfra/alloy-agent/internal/tunnel"
)

// agentVersion is stamped by the release build; unset in dev builds.
var agentVersion = "dev"

func main() {
	// A hidden argv[1] turns this same binary into the sandboxinit
	// pre-exec wrapper (internal/sandbox/native.go's SandboxInitArg)
	// instead of running the daemon below.
	if len(os.Args) > 1 && os.Args[1] == sandbox.SandboxInitArg {
		if err := runSandboxInit(); err != nil {
			// Nothing useful can be logged to the agent's own log here:
			// stdout/stderr are the launched process's, not the
			// daemon's. Exit non-zero so the parent's wait() sees it.
			os.Stderr.WriteString("sandboxinit: " + err.Error() + "\n")
			os.Exit(1)
		}
		// runSandboxInit only returns on error; unix.Exec replaces the
		// process image on success.
		return
	}

	cfg := config.Load()
	configureLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version":   agentVersion,
		"data_root": cfg.DataRoot,
	}).Info("starting alloy-agent")

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		logrus.WithError(err).Fatal("creating data root")
	}

	registry := templates.NewRegistry(templates.DemoProvider{})
	registry.Register(templates.DemoSleep)
	registry.Register(templates.DemoEcho)
	if err := registry.LoadTOML(filepath.Join(cfg.DataRoot, "templates.toml")); err != nil {
		logrus.WithError(err).Fatal("loading template catalogue")
	}

	planner := sandbox.NewPlanner(cfg)
	sup := supervisor.New(planner, registry, cfg.DataRoot, cfg.LogMaxLines)
	store := instancestore.New(cfg.DataRoot, registry, sup)

	// The Orphan Reconciler must finish before any RPC is served (spec
	// §4.5): a Start/Stop racing a reclaim-in-progress could double-kill
	// or double-launch the same instance.
	logrus.Info("reconciling orphaned instances")
	orphan.Reconcile(cfg.DataRoot)

	dispatcher := rpc.NewDispatcher(rpc.Deps{
		Supervisor:       sup,
		Store:            store,
		AgentVersion:     agentVersion,
		DataRoot:         cfg.DataRoot,
		HealthCheckPorts: cfg.HealthCheckPorts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logrus.WithField("signal", sig.String()).Info("received shutdown signal")
		cancel()
	}()

	if cfg.ControlWSURL == "" {
		logrus.Warn("ALLOY_CONTROL_WS_URL unset; running with no control tunnel")
		<-ctx.Done()
		return
	}

	t := tunnel.New(cfg.ControlWSURL, cfg.NodeToken, cfg.NodeName, agentVersion, dispatcher)

	notifyReady()
	go watchdogLoop(ctx)

	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Error("control tunnel exited")
	}
	logrus.Info("alloy-agent shutting down")
}

func configureLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// notifyReady tells systemd (when run under a Type=notify unit) that
// startup finished; SdNotify is a no-op outside systemd (NOTIFY_SOCKET
// unset), which is the common case in dev and in containers.
func notifyReady() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logrus.WithError(err).Debug("sd_notify READY failed")
	}
}

// watchdogLoop pings systemd's watchdog at half its configured interval,
// the standard pattern for WatchdogSec units; it's a no-op when the unit
// doesn't set WatchdogSec.
func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logrus.WithError(err).Debug("sd_notify WATCHDOG failed")
			}
		}
	}
}
