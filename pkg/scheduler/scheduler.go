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

// Package scheduler drives one capture source at a target frame rate,
// interleaving periodic detection with per-frame encoding.
package scheduler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kube-zen/zen-proctor/pkg/capture"
	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/detection"
	"github.com/kube-zen/zen-proctor/pkg/encoder"
	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// FrameSink receives encoded frames; SendFrame must not block
type FrameSink interface {
	SendFrame(msg *types.FrameMessage) error
}

// DetectionSink receives each new detection snapshot once
type DetectionSink interface {
	ObserveDetections(source types.SourceKind, snap *types.DetectionSnapshot, display types.Resolution) *types.EventMessage
}

// Options configure a Scheduler
type Options struct {
	SessionID           string
	MachineID           string
	TargetFPS           float64
	DetectionResolution types.Resolution
	StatsWindow         time.Duration
	// System is sampled when performance degrades; nil skips host stats
	System *metrics.SystemMetrics
	// OnDegraded is called from the capture loop for every degraded window
	OnDegraded func(Stats)
}

// OptionsFrom builds scheduler options for one source of the agent config
func OptionsFrom(cfg config.AgentConfig, kind types.SourceKind) Options {
	src := cfg.Source(kind)
	return Options{
		SessionID:           cfg.SessionID,
		MachineID:           cfg.MachineID,
		TargetFPS:           src.TargetFPS,
		DetectionResolution: src.DetectionResolution,
		StatsWindow:         cfg.StatsWindow,
	}
}

// Scheduler runs the capture loop of one source
type Scheduler struct {
	source     capture.Source
	runner     *detection.Runner
	enc        *encoder.Encoder
	frames     FrameSink
	detections DetectionSink
	opts       Options
	interval   time.Duration
	kind       string

	cycle    uint64
	lastSnap *types.DetectionSnapshot
	stats    *windowTracker
}

// New creates a scheduler. runner and detections may be nil.
func New(source capture.Source, runner *detection.Runner, enc *encoder.Encoder, frames FrameSink, detections DetectionSink, opts Options) *Scheduler {
	if opts.TargetFPS <= 0 {
		opts.TargetFPS = 1
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = 5 * time.Second
	}
	if runner == nil {
		runner = detection.NewRunner(source.Kind(), nil, detection.NewCache(), 0, 0)
	}
	return &Scheduler{
		source:     source,
		runner:     runner,
		enc:        enc,
		frames:     frames,
		detections: detections,
		opts:       opts,
		interval:   time.Duration(float64(time.Second) / opts.TargetFPS),
		kind:       string(source.Kind()),
	}
}

// Interval returns the target cycle duration
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Run captures until ctx is cancelled or the device is lost. The source and
// the detection runner are closed before Run returns. Only a lost device is
// reported as an error.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		s.runner.Close()
		if err := s.source.Close(); err != nil {
			logger.Warn("Closing capture source failed",
				logger.Fields{Component: "scheduler", Operation: "close", Source: s.kind, Error: err})
		}
		metrics.AchievedFPS.WithLabelValues(s.kind).Set(0)
	}()

	logger.Info("Capture loop started",
		logger.Fields{
			Component: "scheduler",
			Operation: "start",
			Source:    s.kind,
			SessionID: s.opts.SessionID,
			Duration:  s.interval.String(),
			Additional: map[string]interface{}{
				"target_fps":           s.opts.TargetFPS,
				"detection_enabled":    s.runner.Enabled(),
				"detection_resolution": s.opts.DetectionResolution.String(),
			},
		})

	s.stats = newWindowTracker(s.kind, s.opts.TargetFPS, s.opts.StatsWindow, time.Now())
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()
		if err := s.runCycle(ctx); err != nil {
			logger.Error("Capture device lost, stopping capture loop",
				logger.Fields{Component: "scheduler", Operation: "capture", Source: s.kind, Error: err})
			return err
		}
		elapsed := time.Since(start)
		s.stats.recordCycle(elapsed)
		metrics.CycleDuration.WithLabelValues(s.kind).Observe(elapsed.Seconds())
		if st, ok := s.stats.roll(time.Now()); ok {
			s.report(ctx, st)
		}

		// the sleep depends on this cycle only, so a slow cycle is not made up for later
		wait := s.interval - elapsed
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// runCycle performs one capture, detect, encode, send pass. Transient
// failures end the cycle early and return nil.
func (s *Scheduler) runCycle(ctx context.Context) error {
	frame, err := s.source.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, proctorerrors.ErrDeviceUnavailable) {
			return err
		}
		reason := "capture_error"
		if errors.Is(err, proctorerrors.ErrCaptureTimeout) {
			reason = "capture_timeout"
		}
		s.skip(reason, err)
		return nil
	}
	metrics.FramesCaptured.WithLabelValues(s.kind).Inc()

	index := s.cycle
	s.cycle++
	s.runner.Tick(ctx, index, func() image.Image {
		return encoder.Resize(frame.Image, s.opts.DetectionResolution)
	})
	snap := s.runner.Cache().Load()

	payload, err := s.enc.Encode(frame)
	if err != nil {
		s.skip("encode_failure", err)
		return nil
	}

	if snap != nil && snap != s.lastSnap {
		s.lastSnap = snap
		if s.detections != nil {
			s.detections.ObserveDetections(frame.Source, snap,
				types.Resolution{Width: payload.Width, Height: payload.Height})
		}
	}

	msg := s.frameMessage(frame, payload, snap)
	if err := s.frames.SendFrame(msg); err != nil {
		logger.Debug("Frame not handed to transport",
			logger.Fields{Component: "scheduler", Operation: "send_frame", Source: s.kind, Error: err})
		return nil
	}
	s.stats.recordSent(payload.Size())
	metrics.FramesSent.WithLabelValues(s.kind).Inc()
	metrics.PayloadBytes.WithLabelValues(s.kind).Observe(float64(payload.Size()))
	return nil
}

func (s *Scheduler) frameMessage(frame *types.Frame, payload *encoder.Payload, snap *types.DetectionSnapshot) *types.FrameMessage {
	dets := []types.Detection{}
	if snap != nil && len(snap.Detections) > 0 {
		dets = detection.Rescale(snap.Detections, snap.Resolution,
			types.Resolution{Width: payload.Width, Height: payload.Height})
	}
	return &types.FrameMessage{
		Type:      types.MessageFrame,
		SessionID: s.opts.SessionID,
		MachineID: s.opts.MachineID,
		Data: types.FrameData{
			Frame:          base64.StdEncoding.EncodeToString(payload.Data),
			Timestamp:      types.UnixSeconds(frame.CapturedAt),
			FrameNumber:    frame.Seq,
			Width:          payload.Width,
			Height:         payload.Height,
			OriginalWidth:  frame.Width,
			OriginalHeight: frame.Height,
			Source:         frame.Source,
			Detections:     dets,
		},
	}
}

func (s *Scheduler) skip(reason string, err error) {
	s.stats.recordSkipped()
	metrics.FramesSkipped.WithLabelValues(s.kind, reason).Inc()
	logger.Debug("Cycle skipped",
		logger.Fields{Component: "scheduler", Operation: "cycle", Source: s.kind, Reason: reason, Error: err})
}

func (s *Scheduler) report(ctx context.Context, st Stats) {
	metrics.AchievedFPS.WithLabelValues(s.kind).Set(st.AchievedFPS)
	fields := logger.Fields{
		Component: "scheduler",
		Operation: "stats",
		Source:    s.kind,
		Count:     st.FramesSent,
		Duration:  st.Window.Round(time.Millisecond).String(),
		Additional: map[string]interface{}{
			"achieved_fps": fmt.Sprintf("%.1f", st.AchievedFPS),
			"target_fps":   st.TargetFPS,
			"avg_payload":  humanize.Bytes(uint64(st.AvgPayloadBytes)),
			"avg_cycle":    st.AvgCycle.String(),
			"skipped":      st.Skipped,
		},
	}

	if !st.Degraded {
		metrics.Degraded.WithLabelValues(s.kind).Set(0)
		logger.Info("Capture stats", fields)
		return
	}

	metrics.Degraded.WithLabelValues(s.kind).Set(1)
	fields.Reason = "below_half_target_fps"
	if s.opts.System != nil {
		sys := s.opts.System.Snapshot(ctx)
		fields.Additional["cpu_percent"] = fmt.Sprintf("%.1f", sys.CPUPercent)
		fields.Additional["memory_percent"] = fmt.Sprintf("%.1f", sys.MemoryPercent)
		fields.Additional["heap"] = humanize.Bytes(sys.HeapAlloc)
	}
	logger.Warn("Capture performance degraded", fields)
	if s.opts.OnDegraded != nil {
		s.opts.OnDegraded(st)
	}
}
