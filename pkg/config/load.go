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
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/logger"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "PROCTOR_"

// LoadOptions says where configuration comes from
type LoadOptions struct {
	Path    string // YAML file, optional
	EnvFile string // dotenv file, optional; missing files are ignored
}

// LoadAgent builds the agent configuration: defaults, then the YAML file, then
// the dotenv file and environment overrides. The result is validated.
func LoadAgent(opts LoadOptions) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadFile(opts.Path, &cfg); err != nil {
		return nil, err
	}
	if err := loadDotEnv(opts.EnvFile); err != nil {
		return nil, err
	}
	if err := applyAgentEnv(&cfg); err != nil {
		return nil, proctorerrors.NewConfigError("config", "ENV_INVALID", "invalid environment override", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, proctorerrors.NewConfigError("config", "VALIDATION_FAILED", "agent configuration rejected", err)
	}
	return &cfg, nil
}

// LoadHub builds the hub configuration the same way as LoadAgent
func LoadHub(opts LoadOptions) (*HubConfig, error) {
	cfg := DefaultHubConfig()
	if err := loadFile(opts.Path, &cfg); err != nil {
		return nil, err
	}
	if err := loadDotEnv(opts.EnvFile); err != nil {
		return nil, err
	}
	if err := applyHubEnv(&cfg); err != nil {
		return nil, proctorerrors.NewConfigError("config", "ENV_INVALID", "invalid environment override", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, proctorerrors.NewConfigError("config", "VALIDATION_FAILED", "hub configuration rejected", err)
	}
	return &cfg, nil
}

func loadFile(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return proctorerrors.NewConfigError("config", "FILE_READ_FAILED", "cannot read "+path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return proctorerrors.NewConfigError("config", "FILE_PARSE_FAILED", "cannot parse "+path, err)
	}
	logger.Debug("Configuration file loaded",
		logger.Fields{
			Component: "config",
			Operation: "load_file",
			Additional: map[string]interface{}{
				"path": path,
			},
		})
	return nil
}

// loadDotEnv loads KEY=VALUE pairs without overriding variables already set.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return proctorerrors.NewConfigError("config", "DOTENV_FAILED", fmt.Sprintf("cannot load %s", path), err)
	}
	return nil
}

func applyAgentEnv(c *AgentConfig) error {
	e := &envReader{}
	e.str("SERVER_URL", &c.ServerURL)
	e.str("API_KEY", &c.APIKey)
	e.str("SESSION_ID", &c.SessionID)
	e.str("MACHINE_ID", &c.MachineID)
	e.duration("SESSION_DURATION", &c.SessionDuration)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.boolean("LOG_DEVELOPMENT", &c.LogDevelopment)
	e.str("METRICS_ADDR", &c.MetricsAddr)
	e.str("BLOCKLIST_PATH", &c.BlocklistPath)
	e.duration("DEDUPE_WINDOW", &c.DedupeWindow)
	e.duration("STATS_WINDOW", &c.StatsWindow)

	e.source("SCREEN", &c.Screen)
	e.source("WEBCAM", &c.Webcam)
	e.str("WEBCAM_DEVICE", &c.Webcam.Device)
	e.integer("SCREEN_DISPLAY", &c.Screen.Display)

	e.float("DETECTION_CONFIDENCE", &c.Severity.DetectionConfidence)
	e.list("AI_CATEGORIES", &c.Severity.AICategories)
	e.str("ALERT_MIN_SEVERITY", &c.Severity.AlertMinSeverity)

	e.str("DETECTOR_URL", &c.Detector.URL)
	e.duration("DETECTOR_TIMEOUT", &c.Detector.Timeout)

	e.integer("QUEUE_SIZE", &c.Transport.QueueSize)
	e.integer("MAX_ATTEMPTS", &c.Transport.MaxAttempts)
	e.duration("MAX_AGE", &c.Transport.MaxAge)
	e.duration("HEARTBEAT_INTERVAL", &c.Transport.HeartbeatInterval)
	e.boolean("INSECURE_SKIP_VERIFY", &c.Transport.InsecureSkipVerify)

	e.boolean("OBSERVER_ENABLED", &c.Observer.Enabled)
	e.duration("POLL_INTERVAL", &c.Observer.PollInterval)
	e.str("DEVTOOLS_URL", &c.Observer.DevToolsURL)
	e.list("MONITORED_PROCESSES", &c.Observer.MonitoredProcesses)
	return e.err()
}

func applyHubEnv(c *HubConfig) error {
	e := &envReader{}
	e.str("LISTEN_ADDR", &c.ListenAddr)
	e.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.boolean("LOG_DEVELOPMENT", &c.LogDevelopment)
	e.list("AGENT_KEYS", &c.AgentKeys)
	e.list("VIEWER_KEYS", &c.ViewerKeys)
	e.int64("MAX_MESSAGE_BYTES", &c.MaxMessageBytes)
	e.integer("VIEWER_BUFFER", &c.ViewerBuffer)
	e.float("SESSION_MESSAGE_RATE", &c.SessionMessageRate)
	e.integer("SESSION_MESSAGE_BURST", &c.SessionMessageBurst)
	e.float("HTTP_RATE_LIMIT", &c.HTTPRateLimit)
	e.integer("HTTP_RATE_BURST", &c.HTTPRateBurst)
	e.duration("HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	e.str("ADMIN_WEBHOOK_URL", &c.AdminWebhookURL)
	e.str("ADMIN_WEBHOOK_TOKEN", &c.AdminWebhookToken)
	e.integer("WEBHOOK_WORKERS", &c.WebhookWorkers)
	e.list("TRUSTED_PROXIES", &c.TrustedProxies)
	return e.err()
}
