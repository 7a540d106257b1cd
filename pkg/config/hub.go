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
	"net"
	"strings"
	"time"
)

// HubConfig is the configuration of the broadcast server
type HubConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogDevelopment  bool          `yaml:"log_development"`

	// Keys may be plain tokens or bcrypt hashes ($2a$/$2b$/$2y$).
	AgentKeys  []string `yaml:"agent_keys"`
	ViewerKeys []string `yaml:"viewer_keys"`

	MaxMessageBytes     int64         `yaml:"max_message_bytes"`
	ViewerBuffer        int           `yaml:"viewer_buffer"`
	ViewerWriteTimeout  time.Duration `yaml:"viewer_write_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	SessionMessageRate  float64       `yaml:"session_message_rate"` // inbound messages/s per session
	SessionMessageBurst int           `yaml:"session_message_burst"`
	HTTPRateLimit       float64       `yaml:"http_rate_limit"` // requests/s per client IP
	HTTPRateBurst       int           `yaml:"http_rate_burst"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	// Forwarding headers are honored only from these CIDRs
	TrustedProxies []string `yaml:"trusted_proxies"`

	AdminWebhookURL   string `yaml:"admin_webhook_url"` // empty disables alert forwarding
	AdminWebhookToken string `yaml:"admin_webhook_token"`
	WebhookWorkers    int    `yaml:"webhook_workers"`
	WebhookQueueSize  int    `yaml:"webhook_queue_size"`
	WebhookMaxTries   int    `yaml:"webhook_max_tries"`
}

// DefaultHubConfig returns the hub defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ListenAddr:          ":8080",
		ShutdownTimeout:     10 * time.Second,
		LogLevel:            "INFO",
		MaxMessageBytes:     4 << 20,
		ViewerBuffer:        16,
		ViewerWriteTimeout:  5 * time.Second,
		PingInterval:        30 * time.Second,
		SessionMessageRate:  60,
		SessionMessageBurst: 120,
		HTTPRateLimit:       10,
		HTTPRateBurst:       20,
		HeartbeatTimeout:    3 * time.Minute,
		WebhookWorkers:      2,
		WebhookQueueSize:    100,
		WebhookMaxTries:     5,
	}
}

// Validate checks the hub configuration
func (c HubConfig) Validate() error {
	var problems []string
	if c.ListenAddr == "" {
		problems = append(problems, "listen_addr is required")
	}
	if len(c.AgentKeys) == 0 {
		problems = append(problems, "at least one agent key is required")
	}
	if len(c.ViewerKeys) == 0 {
		problems = append(problems, "at least one viewer key is required")
	}
	if c.MaxMessageBytes <= 0 {
		problems = append(problems, "max_message_bytes must be positive")
	}
	if c.ViewerBuffer < 1 {
		problems = append(problems, "viewer_buffer must be at least 1")
	}
	if c.SessionMessageRate <= 0 || c.SessionMessageBurst < 1 {
		problems = append(problems, "session_message_rate and session_message_burst must be positive")
	}
	if c.HTTPRateLimit <= 0 || c.HTTPRateBurst < 1 {
		problems = append(problems, "http_rate_limit and http_rate_burst must be positive")
	}
	if c.ViewerWriteTimeout <= 0 || c.PingInterval <= 0 || c.HeartbeatTimeout <= 0 {
		problems = append(problems, "hub durations must be positive")
	}
	if c.AdminWebhookURL != "" && (c.WebhookWorkers < 1 || c.WebhookQueueSize < 1 || c.WebhookMaxTries < 1) {
		problems = append(problems, "webhook workers, queue size and max tries must be positive")
	}
	if _, err := c.TrustedProxyNets(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid hub configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TrustedProxyNets parses TrustedProxies. A bare IP is treated as a single-host network.
func (c HubConfig) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.TrustedProxies))
	for _, p := range c.TrustedProxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q is not an IP or CIDR", p)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %v", p, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}
