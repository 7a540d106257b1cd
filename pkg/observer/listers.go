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
	"sort"
	"strings"

	proctorhttp "github.com/kube-zen/zen-proctor/pkg/http"
	"github.com/shirou/gopsutil/v3/process"
)

// Tab is one open browser page
type Tab struct {
	Title string
	URL   string
}

// TabLister lists the pages open in the browser
type TabLister interface {
	Tabs(ctx context.Context) ([]Tab, error)
}

// ProcessLister lists the names of running processes, lowercased and unique
type ProcessLister interface {
	Processes(ctx context.Context) ([]string, error)
}

// devtoolsTarget is one entry of the DevTools /json listing
type devtoolsTarget struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// DevToolsLister reads open pages from a Chromium remote debugging endpoint
type DevToolsLister struct {
	baseURL string
	client  *proctorhttp.HardenedHTTPClient
}

// NewDevToolsLister creates a lister for baseURL (e.g. http://127.0.0.1:9222)
func NewDevToolsLister(baseURL string, client *proctorhttp.HardenedHTTPClient) *DevToolsLister {
	if client == nil {
		cfg := proctorhttp.DefaultHTTPClientConfig()
		cfg.LoggingEnabled = false
		cfg.ServiceName = "devtools"
		client = proctorhttp.NewHardenedHTTPClient(cfg)
	}
	return &DevToolsLister{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Tabs returns the page targets
func (d *DevToolsLister) Tabs(ctx context.Context) ([]Tab, error) {
	var targets []devtoolsTarget
	if err := d.client.GetJSON(ctx, d.baseURL+"/json", &targets); err != nil {
		return nil, err
	}
	tabs := make([]Tab, 0, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		tabs = append(tabs, Tab{Title: t.Title, URL: t.URL})
	}
	return tabs, nil
}

// SystemProcessLister lists processes through gopsutil
type SystemProcessLister struct{}

// Processes returns the lowercased names of running processes
func (SystemProcessLister) Processes(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			// exited or not accessible
			continue
		}
		seen[strings.TrimSuffix(strings.ToLower(name), ".exe")] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}
