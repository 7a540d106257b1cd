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

package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kube-zen/zen-proctor/pkg/dedup"
	"github.com/kube-zen/zen-proctor/pkg/detection"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/policy"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// maxKeyLength is the longest observation key used verbatim in a dedupe key
const maxKeyLength = 128

// Policy classifies observations against the blocklist
type Policy interface {
	IsBlocked(obs types.Observation) policy.Match
}

// Sink receives finished events. SendEvent must not block.
type Sink interface {
	SendEvent(msg *types.EventMessage) error
}

// Options configure an Engine
type Options struct {
	SessionID    string
	MachineID    string
	Thresholds   Thresholds
	DedupeWindow time.Duration
}

// Engine creates at most one event per (session, source, observation key,
// time bucket) and an alert for each event at or above the alert threshold.
type Engine struct {
	opts   Options
	policy Policy
	sink   Sink
	dedup  *dedup.Deduper
	now    func() time.Time
}

// NewEngine creates an engine. Call Close to stop the dedupe cleanup loop.
func NewEngine(opts Options, p Policy, sink Sink) *Engine {
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = time.Minute
	}
	if opts.Thresholds.AlertMinSeverity == "" {
		opts.Thresholds.AlertMinSeverity = types.SeverityHigh
	}
	return &Engine{
		opts:   opts,
		policy: p,
		sink:   sink,
		dedup:  dedup.NewDeduper(opts.DedupeWindow, 0),
		now:    time.Now,
	}
}

// Close releases the deduper
func (e *Engine) Close() {
	e.dedup.Stop()
}

// Observe classifies a browser or process observation. It returns the event
// message handed to the sink, or nil when the observation was a duplicate.
func (e *Engine) Observe(obs types.Observation) *types.EventMessage {
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = e.now()
	}
	if e.policy != nil {
		m := e.policy.IsBlocked(obs)
		obs.Match = m.Entry
		obs.Allowed = m.Allowed
	}

	kind := EventKindOf(obs)
	severity, ok := Classify(SeverityInput{
		Kind:        kind,
		Match:       obs.Match,
		ExplicitURL: obs.ExplicitURL,
		Allowed:     obs.Allowed,
	}, e.opts.Thresholds)
	if !ok {
		return nil
	}

	key := obs.Key()
	if !e.firstInWindow(obs.Source, key, obs.ObservedAt, kind) {
		return nil
	}

	title, reason := describeObservation(kind, obs)
	return e.emit(kind, severity, obs.Source, obs.ObservedAt, obs, title, reason)
}

// ObserveDetections turns a new detection snapshot into a detection event with
// boxes rescaled to display, the size of the encoded frame they accompany.
// A zero display keeps the detection resolution. Snapshots without a
// not-allowed detection produce nothing.
func (e *Engine) ObserveDetections(source types.SourceKind, snap *types.DetectionSnapshot, display types.Resolution) *types.EventMessage {
	if snap == nil {
		return nil
	}
	severity, ok := Classify(SeverityInput{Kind: types.EventDetection, Detections: snap.Detections}, e.opts.Thresholds)
	if !ok {
		return nil
	}

	observedAt := snap.UpdatedAt
	if observedAt.IsZero() {
		observedAt = e.now()
	}
	// severity is part of the key so an escalation inside a bucket still reports
	key := "detection:" + string(severity)
	if !e.firstInWindow(string(source), key, observedAt, types.EventDetection) {
		return nil
	}

	res := snap.Resolution
	dets := snap.Detections
	if !display.IsZero() {
		dets = detection.Rescale(snap.Detections, snap.Resolution, display)
		res = display
	}
	payload := types.DetectionPayload{
		Source:     source,
		FrameIndex: snap.FrameIndex,
		Width:      res.Width,
		Height:     res.Height,
		Detections: dets,
	}

	top, _ := topNotAllowed(snap.Detections)
	title := fmt.Sprintf("Not-allowed content on %s", source)
	reason := fmt.Sprintf("%s detected with confidence %.0f%%", types.ClassNotAllowed, top*100)
	return e.emit(types.EventDetection, severity, string(source), observedAt, payload, title, reason)
}

func (e *Engine) firstInWindow(source, key string, at time.Time, kind types.EventKind) bool {
	if len(key) > maxKeyLength {
		key = dedup.HashMessage(key)
	}
	k := dedup.DedupKey{
		SessionID:   e.opts.SessionID,
		Source:      source,
		Observation: key,
		Bucket:      dedup.Bucket(at, e.opts.DedupeWindow),
	}
	if e.dedup.ShouldCreate(k) {
		return true
	}
	metrics.EventsDeduplicated.WithLabelValues(string(kind)).Inc()
	return false
}

func (e *Engine) emit(kind types.EventKind, severity types.Severity, source string, observedAt time.Time, payload interface{}, title, reason string) *types.EventMessage {
	now := e.now()
	msg := &types.EventMessage{
		Type: types.MessageEvent,
		Event: types.Event{
			ID:         uuid.NewString(),
			SessionID:  e.opts.SessionID,
			MachineID:  e.opts.MachineID,
			Kind:       kind,
			Severity:   severity,
			Source:     source,
			ObservedAt: observedAt,
			CreatedAt:  now,
			Payload:    payload,
		},
	}
	metrics.EventsTotal.WithLabelValues(string(kind), string(severity)).Inc()

	if severity.AtLeast(e.opts.Thresholds.AlertMinSeverity) {
		msg.Alert = &types.Alert{
			ID:        uuid.NewString(),
			EventID:   msg.ID,
			SessionID: e.opts.SessionID,
			MachineID: e.opts.MachineID,
			Severity:  severity,
			Status:    types.AlertNew,
			Title:     title,
			Reason:    reason,
			CreatedAt: now,
		}
		metrics.AlertsTotal.WithLabelValues(string(severity)).Inc()
	}

	fields := logger.Fields{
		Component: "alert",
		Operation: "event_created",
		SessionID: e.opts.SessionID,
		EventID:   msg.ID,
		EventKind: string(kind),
		Severity:  string(severity),
		Source:    source,
		Reason:    reason,
	}
	if msg.Alert != nil {
		logger.Warn("Alert raised: "+title, fields)
	} else {
		logger.Debug("Event created", fields)
	}

	if e.sink != nil {
		if err := e.sink.SendEvent(msg); err != nil {
			fields.Error = err
			logger.Error("Event could not be handed to transport", fields)
		}
	}
	return msg
}

func describeObservation(kind types.EventKind, obs types.Observation) (title, reason string) {
	subject := obs.URL
	switch kind {
	case types.EventAppOpen:
		subject = obs.ProcessName
	case types.EventWindowChange:
		subject = obs.RawTitle
	}
	if obs.Match == nil {
		return fmt.Sprintf("%s: %s", strings.ReplaceAll(string(kind), "_", " "), subject), "activity observed"
	}
	label := "Blocked site"
	if kind == types.EventAppOpen {
		label = "Blocked application"
	}
	return fmt.Sprintf("%s: %s", label, subject),
		fmt.Sprintf("matched %s %q (%s)", obs.Match.Kind, obs.Match.Pattern, obs.Match.Category)
}
