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

package observer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/alert"
	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/policy"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

type staticTabs struct {
	tabs []Tab
	err  error
}

func (s *staticTabs) Tabs(context.Context) ([]Tab, error) { return s.tabs, s.err }

type staticProcs struct {
	names []string
	err   error
}

func (s *staticProcs) Processes(context.Context) ([]string, error) { return s.names, s.err }

type recordingSink struct {
	mu  sync.Mutex
	obs []types.Observation
}

func (r *recordingSink) Observe(o types.Observation) *types.EventMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, o)
	return nil
}

func (r *recordingSink) take() []types.Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.obs
	r.obs = nil
	return out
}

func testObserverConfig() config.ObserverConfig {
	cfg := config.DefaultAgentConfig().Observer
	cfg.PollInterval = time.Second
	return cfg
}

func TestPoll_ProcessReportedOncePerAppearance(t *testing.T) {
	procs := &staticProcs{names: []string{"anydesk", "bash", "discord"}}
	sink := &recordingSink{}
	o := New(testObserverConfig(), nil, procs, nil, nil, sink)

	o.Poll(context.Background())
	got := sink.take()
	if len(got) != 2 {
		t.Fatalf("first poll observed %+v, want anydesk and discord", got)
	}
	for _, obs := range got {
		if obs.Kind != types.ObservationProcess || obs.ObservedAt.IsZero() {
			t.Errorf("unexpected observation %+v", obs)
		}
	}

	o.Poll(context.Background())
	if got := sink.take(); len(got) != 0 {
		t.Errorf("still-running processes reported again: %+v", got)
	}

	procs.names = []string{"bash"}
	o.Poll(context.Background())
	procs.names = []string{"bash", "anydesk"}
	o.Poll(context.Background())
	got = sink.take()
	if len(got) != 1 || got[0].ProcessName != "anydesk" {
		t.Errorf("relaunch observed %+v, want anydesk once", got)
	}
}

func TestPoll_ExtraProcessesFromBlocklist(t *testing.T) {
	cfg := testObserverConfig()
	cfg.MonitoredProcesses = nil
	sink := &recordingSink{}
	o := New(cfg, nil, &staticProcs{names: []string{"rustdesk", "bash"}}, nil, []string{"RustDesk"}, sink)

	o.Poll(context.Background())
	if got := sink.take(); len(got) != 1 || got[0].ProcessName != "rustdesk" {
		t.Errorf("observed %+v", got)
	}
}

func TestTabObservation(t *testing.T) {
	o := New(testObserverConfig(), nil, nil, nil, nil, nil)

	tests := []struct {
		name     string
		tab      Tab
		ok       bool
		kind     types.ObservationKind
		url      string
		explicit bool
	}{
		{"explicit url", Tab{Title: "ChatGPT", URL: "https://www.ChatGPT.com/c/123?x=1"}, true, types.ObservationURL, "chatgpt.com/c/123", true},
		{"internal page falls back to title", Tab{Title: "New Tab", URL: "chrome://newtab/"}, true, types.ObservationTitle, "", false},
		{"inferred from title", Tab{Title: "Claude - Google Chrome"}, true, types.ObservationURL, "claude.ai", false},
		{"error title ignored", Tab{Title: "Traceback (most recent call last)"}, false, "", "", false},
		{"empty", Tab{}, false, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, ok := o.tabObservation(tt.tab, "Chrome")
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if obs.Kind != tt.kind || obs.URL != tt.url || obs.ExplicitURL != tt.explicit {
				t.Errorf("got kind=%s url=%q explicit=%v", obs.Kind, obs.URL, obs.ExplicitURL)
			}
		})
	}
}

func TestDevToolsLister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{"type":"page","title":"GitHub","url":"https://github.com/"},
			{"type":"service_worker","title":"sw","url":"https://chatgpt.com/sw.js"},
			{"type":"page","title":"ChatGPT","url":"https://chatgpt.com/"}
		]`)
	}))
	defer srv.Close()

	tabs, err := NewDevToolsLister(srv.URL+"/", nil).Tabs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tabs) != 2 || tabs[0].Title != "GitHub" || tabs[1].URL != "https://chatgpt.com/" {
		t.Errorf("tabs = %+v", tabs)
	}
}

func TestPoll_TabFailureKeepsProcessPolling(t *testing.T) {
	sink := &recordingSink{}
	o := New(testObserverConfig(), &staticTabs{err: errors.New("connection refused")}, &staticProcs{names: []string{"teamviewer"}}, nil, nil, sink)

	o.Poll(context.Background())
	o.Poll(context.Background())
	if got := sink.take(); len(got) != 1 || got[0].ProcessName != "teamviewer" {
		t.Errorf("observed %+v", got)
	}
	if !o.tabsFailing {
		t.Error("tab failure not tracked")
	}
}

func TestBrowserName(t *testing.T) {
	o := New(testObserverConfig(), nil, nil, nil, nil, nil)
	tests := []struct {
		running []string
		want    string
	}{
		{nil, "Chrome"},
		{[]string{"firefox"}, "Chrome"},
		{[]string{"bash", "msedge"}, "Edge"},
	}
	for _, tt := range tests {
		if got := o.browserName(tt.running); got != tt.want {
			t.Errorf("browserName(%v) = %q, want %q", tt.running, got, tt.want)
		}
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*types.EventMessage
}

func (r *eventRecorder) SendEvent(m *types.EventMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, m)
	return nil
}

func TestObserverFeedsEngine(t *testing.T) {
	list, err := policy.Default()
	if err != nil {
		t.Fatal(err)
	}
	rec := &eventRecorder{}
	engine := alert.NewEngine(alert.Options{
		SessionID:  "s1",
		MachineID:  "m1",
		Thresholds: alert.ThresholdsFrom(config.DefaultAgentConfig().Severity),
	}, list, rec)
	defer engine.Close()

	tabs := &staticTabs{tabs: []Tab{{Title: "ChatGPT", URL: "https://chat.openai.com/"}}}
	o := New(testObserverConfig(), tabs, &staticProcs{names: []string{"chrome"}}, nil, list.Processes(), engine)
	o.Poll(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 {
		t.Fatalf("events = %d, want 1", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Kind != types.EventURLAccess || ev.Severity != types.SeverityCritical || ev.Alert == nil {
		t.Errorf("event = %+v", ev)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	o := New(testObserverConfig(), nil, &staticProcs{}, nil, nil, &recordingSink{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
