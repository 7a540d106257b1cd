// Copyright 2025 The Zen Watcher Authors
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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/kube-zen/zen-proctor/internal/lifecycle"
	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/hub"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/server"
)

// Version, Commit, and BuildDate are set via ldflags during build
var (
	Version   = "0.1.0"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var (
	configPath  = flag.String("config", "", "Path to the hub YAML configuration")
	envFile     = flag.String("env-file", ".env", "dotenv file applied before PROCTOR_* overrides")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("proctor-hub %s (commit: %s, built: %s)\n", Version, Commit, BuildDate)
		return
	}

	cfg, err := config.LoadHub(config.LoadOptions{Path: *configPath, EnvFile: *envFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("proctor-hub starting",
		logger.Fields{
			Component: "setup",
			Operation: "startup",
			Additional: map[string]interface{}{
				"version":   Version,
				"commit":    Commit,
				"buildDate": BuildDate,
				"addr":      cfg.ListenAddr,
			},
		})

	ctx, cancel := lifecycle.SetupSignalHandler()
	defer cancel()

	forwarder := newForwarder(*cfg)
	// a nil *WebhookForwarder must not become a non-nil interface
	var h *hub.Hub
	if forwarder != nil {
		h = hub.New(hubOptions(*cfg), forwarder)
	} else {
		h = hub.New(hubOptions(*cfg), nil)
	}

	srv, err := server.NewServer(*cfg, h)
	if err != nil {
		logger.Error("Failed to create server",
			logger.Fields{Component: "setup", Operation: "server_init", Error: err})
		_ = logger.Sync()
		os.Exit(2)
	}

	var wg sync.WaitGroup
	srv.Start(ctx, &wg)

	lifecycle.WaitForShutdown(ctx, &wg, 2*cfg.ShutdownTimeout, func() {
		if forwarder != nil {
			closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancelClose()
			forwarder.Close(closeCtx)
		}
	})
}

func hubOptions(cfg config.HubConfig) hub.Options {
	return hub.Options{
		ViewerBuffer:     cfg.ViewerBuffer,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}
}

// newForwarder returns nil when no admin webhook is configured
func newForwarder(cfg config.HubConfig) *hub.WebhookForwarder {
	if cfg.AdminWebhookURL == "" {
		return nil
	}
	logger.Info("Forwarding new alerts to the admin webhook",
		logger.Fields{Component: "setup", Operation: "webhook", Additional: map[string]interface{}{"url": cfg.AdminWebhookURL}})
	return hub.NewWebhookForwarder(cfg, nil)
}
