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

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/types"
)

// AgentConfig is the configuration of the monitoring agent. It is built once at
// startup and passed by value to the components; nothing mutates it afterwards.
type AgentConfig struct {
	ServerURL       string        `yaml:"server_url"`
	APIKey          string        `yaml:"api_key"`
	SessionID       string        `yaml:"session_id"`
	MachineID       string        `yaml:"machine_id"`
	SessionDuration time.Duration `yaml:"session_duration"` // 0 runs until signalled

	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`
	MetricsAddr    string `yaml:"metrics_addr"` // empty disables the metrics listener

	BlocklistPath string        `yaml:"blocklist_path"` // empty uses the built-in list
	DedupeWindow  time.Duration `yaml:"dedupe_window"`
	StatsWindow   time.Duration `yaml:"stats_window"`

	Screen SourceConfig `yaml:"screen"`
	Webcam SourceConfig `yaml:"webcam"`

	Severity  SeverityThresholds `yaml:"severity_thresholds"`
	Detector  DetectorConfig     `yaml:"detector"`
	Transport TransportConfig    `yaml:"transport"`
	Observer  ObserverConfig     `yaml:"observer"`
}

// SourceConfig tunes one capture loop
type SourceConfig struct {
	Enabled                 bool             `yaml:"enabled"`
	TargetFPS               float64          `yaml:"target_fps"`
	DetectionIntervalFrames int              `yaml:"detection_interval_frames"` // 0 disables detection
	JPEGQuality             int              `yaml:"jpeg_quality"`
	DisplayResolution       types.Resolution `yaml:"display_resolution"`
	DetectionResolution     types.Resolution `yaml:"detection_resolution"`
	CaptureTimeout          time.Duration    `yaml:"capture_timeout"`

	// screen only
	Display              int  `yaml:"display"`
	DenyMultipleDisplays bool `yaml:"deny_multiple_displays"`

	// webcam only
	Device            string           `yaml:"device"`
	CaptureResolution types.Resolution `yaml:"capture_resolution"`
}

// SeverityThresholds drives the severity rules of the alert engine
type SeverityThresholds struct {
	DetectionConfidence float64  `yaml:"detection_confidence"`
	AICategories        []string `yaml:"ai_categories"`
	AlertMinSeverity    string   `yaml:"alert_min_severity"`
}

// DetectorConfig points at the inference service
type DetectorConfig struct {
	URL          string            `yaml:"url"` // empty disables detection
	Timeout      time.Duration     `yaml:"timeout"`
	LabelAliases map[string]string `yaml:"label_aliases"`
}

// TransportConfig tunes the delivery queue and connection
type TransportConfig struct {
	QueueSize          int           `yaml:"queue_size"`
	MaxAttempts        int           `yaml:"max_attempts"`
	MaxAge             time.Duration `yaml:"max_age"`
	InitialBackoff     time.Duration `yaml:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// ObserverConfig tunes browser and process polling
type ObserverConfig struct {
	Enabled            bool              `yaml:"enabled"`
	PollInterval       time.Duration     `yaml:"poll_interval"`
	DevToolsURL        string            `yaml:"devtools_url"`
	MonitoredProcesses []string          `yaml:"monitored_processes"`
	Browsers           map[string]string `yaml:"browsers"` // executable name -> display name
	IgnoredTitleWords  []string          `yaml:"ignored_title_words"`
}

// DefaultAgentConfig returns the agent defaults
func DefaultAgentConfig() AgentConfig {
	hostname, _ := os.Hostname()
	return AgentConfig{
		MachineID:    hostname,
		LogLevel:     "INFO",
		DedupeWindow: 60 * time.Second,
		StatsWindow:  10 * time.Second,
		Screen: SourceConfig{
			Enabled:                 true,
			TargetFPS:               10,
			DetectionIntervalFrames: 5,
			JPEGQuality:             60,
			DisplayResolution:       types.Resolution{Width: 960, Height: 540},
			DetectionResolution:     types.Resolution{Width: 640, Height: 360},
			CaptureTimeout:          2 * time.Second,
		},
		Webcam: SourceConfig{
			Enabled:                 true,
			TargetFPS:               15,
			DetectionIntervalFrames: 3,
			JPEGQuality:             65,
			DisplayResolution:       types.Resolution{Width: 640, Height: 360},
			DetectionResolution:     types.Resolution{Width: 320, Height: 180},
			CaptureTimeout:          time.Second,
			Device:                  "/dev/video0",
			CaptureResolution:       types.Resolution{Width: 640, Height: 480},
		},
		Severity: SeverityThresholds{
			DetectionConfidence: 0.6,
			AICategories:        []string{"ai_assistance"},
			AlertMinSeverity:    string(types.SeverityHigh),
		},
		Detector: DetectorConfig{
			Timeout: 2 * time.Second,
			LabelAliases: map[string]string{
				"nao_permitido": types.ClassNotAllowed,
				"permitido":     types.ClassAllowed,
			},
		},
		Transport: TransportConfig{
			QueueSize:         256,
			MaxAttempts:       5,
			MaxAge:            30 * time.Second,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			DialTimeout:       5 * time.Second,
			WriteTimeout:      5 * time.Second,
			HeartbeatInterval: 60 * time.Second,
		},
		Observer: ObserverConfig{
			Enabled:      true,
			PollInterval: 5 * time.Second,
			DevToolsURL:  "http://127.0.0.1:9222",
			MonitoredProcesses: []string{
				"whatsapp", "telegram", "discord", "slack", "teams",
				"anydesk", "teamviewer", "chrome remote desktop",
				"notepad++", "code", "pycharm", "cmd", "powershell", "terminal",
			},
			Browsers: map[string]string{
				"chrome":  "Chrome",
				"msedge":  "Edge",
				"firefox": "Firefox",
			},
			IgnoredTitleWords: []string{"erro", "error", "exception", "traceback"},
		},
	}
}

// Validate checks the configuration for missing or out-of-range values
func (c AgentConfig) Validate() error {
	var problems []string

	if c.ServerURL == "" {
		problems = append(problems, "server_url is required")
	} else if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Sprintf("server_url %q must be an absolute http(s) URL", c.ServerURL))
	}
	if c.APIKey == "" {
		problems = append(problems, "api_key is required")
	}
	if c.SessionID == "" {
		problems = append(problems, "session_id is required")
	}
	if c.MachineID == "" {
		problems = append(problems, "machine_id is required")
	}
	if !c.Screen.Enabled && !c.Webcam.Enabled {
		problems = append(problems, "at least one of screen or webcam must be enabled")
	}
	problems = append(problems, c.Screen.validate("screen")...)
	problems = append(problems, c.Webcam.validate("webcam")...)

	if c.Severity.DetectionConfidence < 0 || c.Severity.DetectionConfidence > 1 {
		problems = append(problems, "severity_thresholds.detection_confidence must be within [0,1]")
	}
	if _, err := types.ParseSeverity(c.Severity.AlertMinSeverity); err != nil {
		problems = append(problems, "severity_thresholds.alert_min_severity: "+err.Error())
	}
	if c.Detector.URL != "" && c.Detector.Timeout <= 0 {
		problems = append(problems, "detector.timeout must be positive")
	}
	t := c.Transport
	if t.QueueSize < 1 {
		problems = append(problems, "transport.queue_size must be at least 1")
	}
	if t.MaxAttempts < 1 {
		problems = append(problems, "transport.max_attempts must be at least 1")
	}
	if t.MaxAge <= 0 || t.DialTimeout <= 0 || t.WriteTimeout <= 0 || t.HeartbeatInterval <= 0 {
		problems = append(problems, "transport durations must be positive")
	}
	if t.InitialBackoff <= 0 || t.MaxBackoff < t.InitialBackoff {
		problems = append(problems, "transport.initial_backoff must be positive and not exceed max_backoff")
	}
	if c.Observer.Enabled && c.Observer.PollInterval <= 0 {
		problems = append(problems, "observer.poll_interval must be positive")
	}
	if c.DedupeWindow <= 0 {
		problems = append(problems, "dedupe_window must be positive")
	}
	if c.StatsWindow <= 0 {
		problems = append(problems, "stats_window must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid agent configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (s SourceConfig) validate(name string) []string {
	if !s.Enabled {
		return nil
	}
	var problems []string
	if s.TargetFPS <= 0 || s.TargetFPS > 60 {
		problems = append(problems, fmt.Sprintf("%s.target_fps must be within (0,60]", name))
	}
	if s.DetectionIntervalFrames < 0 {
		problems = append(problems, fmt.Sprintf("%s.detection_interval_frames must not be negative", name))
	}
	if s.JPEGQuality < 1 || s.JPEGQuality > 100 {
		problems = append(problems, fmt.Sprintf("%s.jpeg_quality must be within [1,100]", name))
	}
	if s.DisplayResolution.IsZero() {
		problems = append(problems, fmt.Sprintf("%s.display_resolution is required", name))
	}
	if s.CaptureTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("%s.capture_timeout must be positive", name))
	}
	return problems
}

// Source returns the configuration for kind
func (c AgentConfig) Source(kind types.SourceKind) SourceConfig {
	if kind == types.SourceWebcam {
		return c.Webcam
	}
	return c.Screen
}

// MinSeverity returns the parsed alert threshold
func (s SeverityThresholds) MinSeverity() types.Severity {
	sev, err := types.ParseSeverity(s.AlertMinSeverity)
	if err != nil {
		return types.SeverityHigh
	}
	return sev
}
