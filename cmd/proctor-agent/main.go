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
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/kube-zen/zen-proctor/internal/lifecycle"
	"github.com/kube-zen/zen-proctor/pkg/alert"
	"github.com/kube-zen/zen-proctor/pkg/capture"
	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/detection"
	"github.com/kube-zen/zen-proctor/pkg/encoder"
	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	proctorhttp "github.com/kube-zen/zen-proctor/pkg/http"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/observer"
	"github.com/kube-zen/zen-proctor/pkg/policy"
	"github.com/kube-zen/zen-proctor/pkg/scheduler"
	"github.com/kube-zen/zen-proctor/pkg/transport"
	"github.com/kube-zen/zen-proctor/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version, Commit, and BuildDate are set via ldflags during build
var (
	Version   = "0.1.0"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Exit codes
const (
	exitRuntime = 1
	exitConfig  = 2
	exitAuth    = 3
)

const shutdownTimeout = 10 * time.Second

var (
	configPath  = flag.String("config", "", "Path to the agent YAML configuration")
	envFile     = flag.String("env-file", ".env", "dotenv file applied before PROCTOR_* overrides")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("proctor-agent %s (commit: %s, built: %s)\n", Version, Commit, BuildDate)
		return
	}

	cfg, err := config.LoadAgent(config.LoadOptions{Path: *configPath, EnvFile: *envFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(exitConfig)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("proctor-agent starting",
		logger.Fields{
			Component: "setup",
			Operation: "startup",
			SessionID: cfg.SessionID,
			MachineID: cfg.MachineID,
			Additional: map[string]interface{}{
				"version":   Version,
				"commit":    Commit,
				"buildDate": BuildDate,
				"server":    cfg.ServerURL,
			},
		})

	ctx, cancel := lifecycle.SetupSignalHandler()
	defer cancel()
	sessionCtx, endSession := lifecycle.WithSessionDeadline(ctx, cfg.SessionID, cfg.SessionDuration)
	defer endSession()

	if err := run(sessionCtx, *cfg); err != nil {
		code := exitRuntime
		switch {
		case errors.Is(err, proctorerrors.ErrAuthenticationFailure):
			code = exitAuth
		case errors.Is(err, proctorerrors.ErrConfig):
			code = exitConfig
		}
		logger.Error("proctor-agent stopped with error",
			logger.Fields{Component: "setup", Operation: "shutdown", SessionID: cfg.SessionID, Error: err})
		_ = logger.Sync()
		os.Exit(code)
	}
}

// run wires the pipeline and blocks until ctx ends, the hub rejects the key or
// every capture source is gone.
func run(ctx context.Context, cfg config.AgentConfig) error {
	list, err := policy.Load(cfg.BlocklistPath)
	if err != nil {
		return err
	}

	client, err := transport.New(cfg, transport.WithDeliveryHook(logDelivery))
	if err != nil {
		return err
	}
	if err := client.Verify(ctx); err != nil {
		if proctorerrors.IsFatal(err) {
			return err
		}
		// the hub may still be starting; the sender keeps dialing
		logger.Warn("Hub not reachable yet, continuing",
			logger.Fields{Component: "setup", Operation: "verify", Error: err})
	}

	engine := alert.NewEngine(alert.Options{
		SessionID:    cfg.SessionID,
		MachineID:    cfg.MachineID,
		Thresholds:   alert.ThresholdsFrom(cfg.Severity),
		DedupeWindow: cfg.DedupeWindow,
	}, list, client)
	defer engine.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	fatal := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.Run(runCtx); err != nil {
			select {
			case fatal <- err:
			default:
			}
			stop()
		}
	}()

	if cfg.MetricsAddr != "" {
		startMetricsServer(runCtx, &wg, cfg.MetricsAddr)
	}

	sources := startSources(runCtx, &wg, cfg, client, engine, stop)
	if sources == 0 {
		stop()
		wg.Wait()
		return proctorerrors.NewDeviceUnavailable("agent", "NO_SOURCES", "no capture source could be opened", nil)
	}

	if cfg.Observer.Enabled {
		obs := observer.New(cfg.Observer,
			observer.NewDevToolsLister(cfg.Observer.DevToolsURL, nil),
			observer.SystemProcessLister{},
			policy.NewTitleInferrer(nil, cfg.Observer.IgnoredTitleWords),
			list.Processes(),
			engine)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = obs.Run(runCtx)
		}()
	}

	lifecycle.WaitForShutdown(runCtx, &wg, shutdownTimeout, func() {
		logger.Info("Session summary",
			logger.Fields{
				Component: "setup",
				Operation: "summary",
				SessionID: cfg.SessionID,
				Additional: map[string]interface{}{
					"delivered": client.Delivered(),
					"lost":      client.Lost(),
				},
			})
	})

	select {
	case err := <-fatal:
		return err
	default:
		return nil
	}
}

// startSources opens every enabled source and starts its capture loop. The
// loops share stop: when the last one ends on a lost device, the agent stops.
func startSources(ctx context.Context, wg *sync.WaitGroup, cfg config.AgentConfig, sink scheduler.FrameSink, engine *alert.Engine, stop context.CancelFunc) int {
	system := metrics.NewSystemMetrics()
	var running sync.WaitGroup
	started := 0

	for _, kind := range []types.SourceKind{types.SourceScreen, types.SourceWebcam} {
		srcCfg := cfg.Source(kind)
		if !srcCfg.Enabled {
			continue
		}
		sched, err := newScheduler(cfg, kind, sink, engine, system)
		if err != nil {
			logger.Error("Capture source unavailable, continuing without it",
				logger.Fields{Component: "setup", Operation: "open_source", Source: string(kind), Error: err})
			continue
		}
		started++
		running.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer running.Done()
			if err := sched.Run(ctx); err != nil {
				logger.Error("Capture source stopped",
					logger.Fields{Component: "setup", Operation: "capture", Source: string(kind), Error: err})
			}
		}()
	}

	if started > 0 {
		go func() {
			running.Wait()
			if ctx.Err() == nil {
				logger.Error("All capture sources stopped, ending session",
					logger.Fields{Component: "setup", Operation: "capture"})
				stop()
			}
		}()
	}
	return started
}

func newScheduler(cfg config.AgentConfig, kind types.SourceKind, sink scheduler.FrameSink, engine *alert.Engine, system *metrics.SystemMetrics) (*scheduler.Scheduler, error) {
	srcCfg := cfg.Source(kind)
	src, err := capture.Open(kind, srcCfg)
	if err != nil {
		return nil, err
	}

	var det detection.Detector
	if cfg.Detector.URL != "" {
		hc := proctorhttp.DefaultHTTPClientConfig()
		hc.Timeout = cfg.Detector.Timeout
		hc.ServiceName = "detector"
		hc.LoggingEnabled = false
		det = detection.NewHTTPDetector(cfg.Detector, proctorhttp.NewHardenedHTTPClient(hc))
	}
	runner := detection.NewRunner(kind, det, detection.NewCache(), srcCfg.DetectionIntervalFrames, cfg.Detector.Timeout)

	opts := scheduler.OptionsFrom(cfg, kind)
	opts.System = system
	return scheduler.New(src, runner, encoder.New(srcCfg.DisplayResolution, srcCfg.JPEGQuality), sink, engine, opts), nil
}

func startMetricsServer(ctx context.Context, wg *sync.WaitGroup, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Metrics listener started",
			logger.Fields{Component: "setup", Operation: "metrics", Additional: map[string]interface{}{"addr": addr}})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics listener failed",
				logger.Fields{Component: "setup", Operation: "metrics", Error: err})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// logDelivery traces the delivery state of events; drops are logged by the transport
func logDelivery(r transport.DeliveryReport) {
	if r.Kind != types.MessageEvent || r.State == types.DeliveryDropped {
		return
	}
	logger.Debug("Event "+string(r.State),
		logger.Fields{
			Component: "transport",
			Operation: "delivery",
			EventID:   r.EventID,
			Count:     r.Attempts,
		})
}
