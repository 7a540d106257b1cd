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

// Package observer polls the browser and the process table and turns what it
// finds into observations for the alert engine.
package observer

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/policy"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// Sink receives observations; *alert.Engine implements it
type Sink interface {
	Observe(obs types.Observation) *types.EventMessage
}

const defaultBrowser = "Chrome"

// internal pages carry nothing worth classifying
var internalSchemes = []string{"chrome:", "chrome-extension:", "devtools:", "edge:", "about:", "brave:", "data:", "file:"}

// Observer reports a tab or process the first time it is seen. Something that
// disappears and comes back is reported again.
type Observer struct {
	tabs      TabLister
	procs     ProcessLister
	sink      Sink
	inferrer  *policy.TitleInferrer
	interval  time.Duration
	monitored []string
	browsers  map[string]string
	now       func() time.Time

	seenTabs    map[string]struct{}
	seenProcs   map[string]struct{}
	tabsFailing bool
}

// New creates an observer. extraProcesses (typically the blocklist's process
// patterns) are watched in addition to cfg.MonitoredProcesses. tabs or procs
// may be nil to skip that kind of polling.
func New(cfg config.ObserverConfig, tabs TabLister, procs ProcessLister, inferrer *policy.TitleInferrer, extraProcesses []string, sink Sink) *Observer {
	if inferrer == nil {
		inferrer = policy.NewTitleInferrer(nil, cfg.IgnoredTitleWords)
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	set := make(map[string]struct{})
	for _, p := range append(append([]string{}, cfg.MonitoredProcesses...), extraProcesses...) {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			set[p] = struct{}{}
		}
	}
	monitored := make([]string, 0, len(set))
	for p := range set {
		monitored = append(monitored, p)
	}
	sort.Strings(monitored)

	browsers := make(map[string]string, len(cfg.Browsers))
	for exe, name := range cfg.Browsers {
		browsers[strings.ToLower(exe)] = name
	}

	return &Observer{
		tabs:      tabs,
		procs:     procs,
		sink:      sink,
		inferrer:  inferrer,
		interval:  interval,
		monitored: monitored,
		browsers:  browsers,
		now:       time.Now,
		seenTabs:  make(map[string]struct{}),
		seenProcs: make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled
func (o *Observer) Run(ctx context.Context) error {
	logger.Info("Activity observer started",
		logger.Fields{
			Component: "observer",
			Operation: "start",
			Duration:  o.interval.String(),
			Count:     len(o.monitored),
		})

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		o.Poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one round of process and tab polling. Each lister call is bounded
// by the poll interval.
func (o *Observer) Poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, o.interval)
	defer cancel()

	var running []string
	if o.procs != nil {
		procs, err := o.procs.Processes(pollCtx)
		if err != nil {
			metrics.ObserverPolls.WithLabelValues("process", "error").Inc()
			logger.Warn("Process listing failed",
				logger.Fields{Component: "observer", Operation: "poll_processes", Error: err})
		} else {
			metrics.ObserverPolls.WithLabelValues("process", "success").Inc()
			running = procs
			o.observeProcesses(procs)
		}
	}

	if o.tabs != nil {
		tabs, err := o.tabs.Tabs(pollCtx)
		if err != nil {
			metrics.ObserverPolls.WithLabelValues("devtools", "error").Inc()
			fields := logger.Fields{Component: "observer", Operation: "poll_tabs", Error: err}
			if !o.tabsFailing {
				logger.Warn("Browser tabs unavailable; is the browser running with remote debugging?", fields)
			} else {
				logger.Debug("Browser tabs still unavailable", fields)
			}
			o.tabsFailing = true
			return
		}
		if o.tabsFailing {
			logger.Info("Browser tabs available again",
				logger.Fields{Component: "observer", Operation: "poll_tabs"})
		}
		o.tabsFailing = false
		metrics.ObserverPolls.WithLabelValues("devtools", "success").Inc()
		o.observeTabs(tabs, o.browserName(running))
	}
}

func (o *Observer) observeProcesses(procs []string) {
	present := make(map[string]struct{})
	for _, name := range procs {
		if !o.isMonitored(name) {
			continue
		}
		present[name] = struct{}{}
		if _, seen := o.seenProcs[name]; seen {
			continue
		}
		o.emit(types.Observation{
			Kind:        types.ObservationProcess,
			Source:      "process",
			ProcessName: name,
		})
	}
	o.seenProcs = present
}

func (o *Observer) isMonitored(name string) bool {
	for _, m := range o.monitored {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

func (o *Observer) observeTabs(tabs []Tab, browser string) {
	present := make(map[string]struct{})
	for _, tab := range tabs {
		obs, ok := o.tabObservation(tab, browser)
		if !ok {
			continue
		}
		key := obs.Key()
		present[key] = struct{}{}
		if _, seen := o.seenTabs[key]; seen {
			continue
		}
		o.emit(obs)
	}
	o.seenTabs = present
}

// tabObservation prefers the tab's own URL and falls back to inferring one
// from the title
func (o *Observer) tabObservation(tab Tab, browser string) (types.Observation, bool) {
	obs := types.Observation{Source: "browser", Browser: browser, RawTitle: o.inferrer.Clean(tab.Title)}

	if tab.URL != "" && !isInternal(tab.URL) {
		if u := policy.Normalize(tab.URL); policy.HostOf(u) != "" {
			obs.Kind = types.ObservationURL
			obs.URL = u
			obs.ExplicitURL = true
			return obs, true
		}
	}
	if !o.inferrer.Relevant(obs.RawTitle) {
		return obs, false
	}
	if u, ok := o.inferrer.InferURL(obs.RawTitle); ok {
		obs.Kind = types.ObservationURL
		obs.URL = u
		return obs, true
	}
	obs.Kind = types.ObservationTitle
	return obs, true
}

func isInternal(u string) bool {
	lower := strings.ToLower(u)
	for _, s := range internalSchemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

// browserName picks the display name of a running Chromium browser
func (o *Observer) browserName(running []string) string {
	var found []string
	for _, p := range running {
		if name, ok := o.browsers[p]; ok && !strings.EqualFold(name, "firefox") {
			found = append(found, name)
		}
	}
	if len(found) == 0 {
		return defaultBrowser
	}
	sort.Strings(found)
	return found[0]
}

func (o *Observer) emit(obs types.Observation) {
	obs.ObservedAt = o.now()
	if o.sink != nil {
		o.sink.Observe(obs)
	}
}
