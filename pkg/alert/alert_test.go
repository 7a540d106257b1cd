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
	"sync"
	"testing"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/policy"
	"github.com/kube-zen/zen-proctor/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []*types.EventMessage
}

func (s *recordingSink) SendEvent(msg *types.EventMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) alerts() []*types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Alert
	for _, m := range s.msgs {
		if m.Alert != nil {
			out = append(out, m.Alert)
		}
	}
	return out
}

var defaultThresholds = Thresholds{
	DetectionConfidence: 0.6,
	AICategories:        []string{"ai_assistance"},
	AlertMinSeverity:    types.SeverityHigh,
}

func TestClassify(t *testing.T) {
	ai := &types.PolicyMatch{Pattern: "chatgpt.com", Kind: policy.KindDomain, Category: "AI_Assistance"}
	msg := &types.PolicyMatch{Pattern: "whatsapp", Kind: policy.KindProcess, Category: "messaging"}

	tests := []struct {
		name   string
		in     SeverityInput
		want   types.Severity
		wantOK bool
	}{
		{"ai category", SeverityInput{Kind: types.EventURLAccess, Match: ai, ExplicitURL: true}, types.SeverityCritical, true},
		{"other blocked app", SeverityInput{Kind: types.EventAppOpen, Match: msg}, types.SeverityHigh, true},
		{"explicit external url", SeverityInput{Kind: types.EventURLAccess, ExplicitURL: true}, types.SeverityMedium, true},
		{"allow-listed url", SeverityInput{Kind: types.EventURLAccess, ExplicitURL: true, Allowed: true}, types.SeverityLow, true},
		{"inferred url", SeverityInput{Kind: types.EventURLAccess}, types.SeverityLow, true},
		{"window change", SeverityInput{Kind: types.EventWindowChange}, types.SeverityLow, true},
		{"not allowed above threshold", SeverityInput{Kind: types.EventDetection, Detections: []types.Detection{
			{Class: types.ClassAllowed, Confidence: 0.95},
			{Class: types.ClassNotAllowed, Confidence: 0.89},
		}}, types.SeverityCritical, true},
		{"not allowed at threshold", SeverityInput{Kind: types.EventDetection, Detections: []types.Detection{
			{Class: types.ClassNotAllowed, Confidence: 0.6},
		}}, types.SeverityLow, true},
		{"only allowed", SeverityInput{Kind: types.EventDetection, Detections: []types.Detection{
			{Class: types.ClassAllowed, Confidence: 0.99},
		}}, "", false},
		{"no detections", SeverityInput{Kind: types.EventDetection}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.in, defaultThresholds)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Classify() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func newEngine(t *testing.T, sink Sink) *Engine {
	t.Helper()
	bl, err := policy.New(policy.File{
		Domains: []policy.EntrySpec{
			{Pattern: "chatgpt.com", Category: "ai_assistance"},
			{Pattern: "claude.ai", Category: "ai_assistance"},
		},
		Processes: []policy.EntrySpec{{Pattern: "anydesk", Category: "remote_access"}},
		Allow:     []string{"exams.example.edu"},
	})
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(Options{
		SessionID:    "session-1",
		MachineID:    "machine-1",
		Thresholds:   defaultThresholds,
		DedupeWindow: time.Minute,
	}, bl, sink)
	t.Cleanup(e.Close)
	return e
}

func TestEngine_CriticalDetectionRaisesOneAlert(t *testing.T) {
	sink := &recordingSink{}
	e := newEngine(t, sink)
	before := testutil.ToFloat64(metrics.AlertsTotal.WithLabelValues(string(types.SeverityCritical)))

	snap := &types.DetectionSnapshot{
		Detections: []types.Detection{{Class: types.ClassNotAllowed, Confidence: 0.89, Type: "classification"}},
		FrameIndex: 10,
		Resolution: types.Resolution{Width: 640, Height: 360},
		UpdatedAt:  time.Now(),
	}
	msg := e.ObserveDetections(types.SourceScreen, snap, types.Resolution{})
	if msg == nil {
		t.Fatal("expected an event")
	}
	if msg.Severity != types.SeverityCritical {
		t.Errorf("severity = %s, want critical", msg.Severity)
	}
	if msg.Alert == nil || msg.Alert.Status != types.AlertNew || msg.Alert.EventID != msg.ID {
		t.Fatalf("expected a new alert linked to the event, got %+v", msg.Alert)
	}

	// the same snapshot observed again in the same bucket is not a new event
	if again := e.ObserveDetections(types.SourceScreen, snap, types.Resolution{}); again != nil {
		t.Error("duplicate snapshot produced a second event")
	}

	if got := len(sink.alerts()); got != 1 {
		t.Errorf("sink received %d alerts, want 1", got)
	}
	after := testutil.ToFloat64(metrics.AlertsTotal.WithLabelValues(string(types.SeverityCritical)))
	if after-before != 1 {
		t.Errorf("alerts counter moved by %v, want 1", after-before)
	}
}

func TestEngine_DetectionBoxesRescaled(t *testing.T) {
	tests := []struct {
		name    string
		res     types.Resolution
		box     types.Box
		display types.Resolution
		want    types.Box
	}{
		{
			name:    "16:9 frame",
			res:     types.Resolution{Width: 640, Height: 360},
			box:     types.Box{X1: 64, Y1: 36, X2: 320, Y2: 180},
			display: types.Resolution{Width: 960, Height: 540},
			want:    types.Box{X1: 96, Y1: 54, X2: 480, Y2: 270},
		},
		{
			// 640x480 webcam fitted into 320x180 for detection and 640x360 for display
			name:    "4:3 frame in 16:9 bounds",
			res:     types.Resolution{Width: 240, Height: 180},
			box:     types.Box{X1: 0, Y1: 0, X2: 240, Y2: 180},
			display: types.Resolution{Width: 480, Height: 360},
			want:    types.Box{X1: 0, Y1: 0, X2: 480, Y2: 360},
		},
		{
			name:    "no display size",
			res:     types.Resolution{Width: 320, Height: 180},
			box:     types.Box{X1: 10, Y1: 20, X2: 30, Y2: 40},
			want:    types.Box{X1: 10, Y1: 20, X2: 30, Y2: 40},
			display: types.Resolution{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, nil)
			box := tt.box
			snap := &types.DetectionSnapshot{
				Detections: []types.Detection{{Class: types.ClassNotAllowed, Confidence: 0.7, Box: &box}},
				Resolution: tt.res,
				UpdatedAt:  time.Now(),
			}
			msg := e.ObserveDetections(types.SourceWebcam, snap, tt.display)
			if msg == nil {
				t.Fatal("expected an event")
			}
			payload := msg.Payload.(types.DetectionPayload)
			wantRes := tt.display
			if wantRes.IsZero() {
				wantRes = tt.res
			}
			if payload.Width != wantRes.Width || payload.Height != wantRes.Height {
				t.Errorf("payload resolution = %dx%d, want %v", payload.Width, payload.Height, wantRes)
			}
			if got := *payload.Detections[0].Box; got != tt.want {
				t.Errorf("box = %+v, want %+v", got, tt.want)
			}
			if *snap.Detections[0].Box != tt.box {
				t.Error("cached snapshot was modified")
			}
		})
	}
}

func TestEngine_AllowedDetectionsProduceNothing(t *testing.T) {
	sink := &recordingSink{}
	e := newEngine(t, sink)
	snap := &types.DetectionSnapshot{Detections: []types.Detection{{Class: types.ClassAllowed, Confidence: 0.99}}}
	if e.ObserveDetections(types.SourceWebcam, snap, types.Resolution{}) != nil || len(sink.msgs) != 0 {
		t.Error("allowed detections must not produce events")
	}
}

func TestEngine_Observe(t *testing.T) {
	e := newEngine(t, &recordingSink{})
	now := time.Now()

	tests := []struct {
		name      string
		obs       types.Observation
		kind      types.EventKind
		severity  types.Severity
		wantAlert bool
	}{
		{
			name:      "retired ai host",
			obs:       types.Observation{Kind: types.ObservationURL, Source: "browser", Browser: "chrome", URL: "chat.openai.com/chat", ExplicitURL: true, ObservedAt: now},
			kind:      types.EventURLAccess,
			severity:  types.SeverityCritical,
			wantAlert: true,
		},
		{
			name:      "blocked process",
			obs:       types.Observation{Kind: types.ObservationProcess, Source: "process", ProcessName: "AnyDesk.exe", ObservedAt: now},
			kind:      types.EventAppOpen,
			severity:  types.SeverityHigh,
			wantAlert: true,
		},
		{
			name:     "external url",
			obs:      types.Observation{Kind: types.ObservationURL, Source: "browser", Browser: "chrome", URL: "github.com/org/repo", ExplicitURL: true, ObservedAt: now},
			kind:     types.EventURLAccess,
			severity: types.SeverityMedium,
		},
		{
			name:     "exam platform",
			obs:      types.Observation{Kind: types.ObservationURL, Source: "browser", Browser: "chrome", URL: "exams.example.edu/quiz", ExplicitURL: true, ObservedAt: now},
			kind:     types.EventURLAccess,
			severity: types.SeverityLow,
		},
		{
			name:     "window title",
			obs:      types.Observation{Kind: types.ObservationTitle, Source: "browser", Browser: "firefox", RawTitle: "Lecture 3", ObservedAt: now},
			kind:     types.EventWindowChange,
			severity: types.SeverityLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := e.Observe(tt.obs)
			if msg == nil {
				t.Fatal("expected an event")
			}
			if msg.Kind != tt.kind || msg.Severity != tt.severity {
				t.Errorf("got %s/%s, want %s/%s", msg.Kind, msg.Severity, tt.kind, tt.severity)
			}
			if (msg.Alert != nil) != tt.wantAlert {
				t.Errorf("alert = %+v, want alert: %v", msg.Alert, tt.wantAlert)
			}
			if msg.SessionID != "session-1" || msg.MachineID != "machine-1" || msg.ID == "" {
				t.Errorf("event identity not filled: %+v", msg.Event)
			}
		})
	}
}

func TestEngine_ObserveDeduplicates(t *testing.T) {
	sink := &recordingSink{}
	e := newEngine(t, sink)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	obs := types.Observation{Kind: types.ObservationURL, Source: "browser", Browser: "chrome", URL: "claude.ai/new", ExplicitURL: true, ObservedAt: at}

	before := testutil.ToFloat64(metrics.EventsDeduplicated.WithLabelValues(string(types.EventURLAccess)))
	first := e.Observe(obs)
	obs.ObservedAt = at.Add(5 * time.Second)
	second := e.Observe(obs)

	if first == nil || second != nil {
		t.Fatalf("first = %v, second = %v; want one event", first != nil, second != nil)
	}
	if got := testutil.ToFloat64(metrics.EventsDeduplicated.WithLabelValues(string(types.EventURLAccess))) - before; got != 1 {
		t.Errorf("dedup counter moved by %v, want 1", got)
	}

	// a different browser is a different observation key
	obs.Browser = "edge"
	if e.Observe(obs) == nil {
		t.Error("same url in another browser should create an event")
	}
	if len(sink.alerts()) != 2 {
		t.Errorf("got %d alerts, want 2", len(sink.alerts()))
	}
}
