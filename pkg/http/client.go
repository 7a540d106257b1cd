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

package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/logger"
	"golang.org/x/time/rate"
)

// HTTPClientConfig holds configuration for HTTP clients
type HTTPClientConfig struct {
	Timeout               time.Duration
	MaxIdleConns          int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	TLSInsecureSkipVerify bool
	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
	// Sent as "Authorization: Bearer <token>" when set
	BearerToken string
	UserAgent   string
	// Logging
	LoggingEnabled bool
	ServiceName    string
}

// DefaultHTTPClientConfig returns a default HTTP client configuration
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:               getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
		MaxIdleConns:          getEnvInt("HTTP_MAX_IDLE_CONNS", 20),
		MaxConnsPerHost:       getEnvInt("HTTP_MAX_CONNS_PER_HOST", 4),
		IdleConnTimeout:       getEnvDuration("HTTP_IDLE_CONN_TIMEOUT", 90*time.Second),
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		RateLimitRPS:          10.0,
		RateLimitBurst:        10,
		UserAgent:             "zen-proctor",
		LoggingEnabled:        true,
		ServiceName:           "zen-proctor",
	}
}

// StatusError is returned by the JSON helpers for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether the server rejected the credentials
func (e *StatusError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// HardenedHTTPClient wraps http.Client with connection pooling, rate limiting and logging
type HardenedHTTPClient struct {
	client    *http.Client
	config    *HTTPClientConfig
	limiter   *rate.Limiter
	transport *http.Transport
}

// NewHardenedHTTPClient creates a new hardened HTTP client with proper defaults
func NewHardenedHTTPClient(config *HTTPClientConfig) *HardenedHTTPClient {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          config.MaxIdleConns,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
	}
	if config.TLSInsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab deployments with self-signed hubs
	}

	var limiter *rate.Limiter
	if config.RateLimitEnabled {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitBurst)
	}
	if config.ServiceName == "" {
		config.ServiceName = "zen-proctor"
	}

	return &HardenedHTTPClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config:    config,
		limiter:   limiter,
		transport: transport,
	}
}

// Do performs an HTTP request with rate limiting and logging
func (c *HardenedHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limit wait failed: %w", err)
		}
	}
	if c.config.BearerToken != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		if c.config.LoggingEnabled {
			logger.Warn("HTTP request failed",
				logger.Fields{
					Component: "http_client",
					Operation: "http_request",
					Error:     err,
					Duration:  duration.String(),
					Additional: map[string]interface{}{
						"method":  req.Method,
						"url":     req.URL.Redacted(),
						"service": c.config.ServiceName,
					},
				})
		}
		return nil, err
	}

	if c.config.LoggingEnabled {
		logger.Debug("HTTP response",
			logger.Fields{
				Component: "http_client",
				Operation: "http_response",
				Duration:  duration.String(),
				Additional: map[string]interface{}{
					"method":      req.Method,
					"url":         req.URL.Redacted(),
					"status_code": resp.StatusCode,
					"service":     c.config.ServiceName,
				},
			})
	}
	return resp, nil
}

// Get performs a GET request
func (c *HardenedHTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs a POST request
func (c *HardenedHTTPClient) Post(ctx context.Context, url string, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// GetJSON performs a GET and decodes a 2xx JSON body into out.
// Non-2xx responses come back as *StatusError.
func (c *HardenedHTTPClient) GetJSON(ctx context.Context, url string, out interface{}) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// PostJSON marshals in, posts it and decodes a 2xx JSON body into out (if non-nil)
func (c *HardenedHTTPClient) PostJSON(ctx context.Context, url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.Post(ctx, url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// DoJSON sends req and decodes a 2xx JSON body into out (if non-nil)
func (c *HardenedHTTPClient) DoJSON(req *http.Request, out interface{}) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CloseIdleConnections closes all idle connections
func (c *HardenedHTTPClient) CloseIdleConnections() {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultValue
}
