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

// Package transport delivers agent messages to the hub over a persistent
// WebSocket. Producers enqueue and return immediately; one sender goroutine
// owns the connection.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/kube-zen/zen-proctor/pkg/config"
	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	proctorhttp "github.com/kube-zen/zen-proctor/pkg/http"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// Paths on the hub
const (
	AgentPathPrefix = "/ws/agent/"
	AuthCheckPath   = "/api/v1/auth/check"
	MachineIDHeader = "X-Machine-ID"
)

// DeliveryReport describes one delivery state change
type DeliveryReport struct {
	Kind     types.MessageType
	EventID  string
	State    types.DeliveryState
	Reason   string // set for DeliveryDropped
	Attempts int
}

// Option customizes a Client
type Option func(*Client)

// WithDeliveryHook registers fn for every delivery state change. fn runs on
// the producer or sender goroutine and must be quick.
func WithDeliveryHook(fn func(DeliveryReport)) Option {
	return func(c *Client) { c.onDelivery = fn }
}

// WithHTTPClient overrides the client used for Verify
func WithHTTPClient(hc *proctorhttp.HardenedHTTPClient) Option {
	return func(c *Client) { c.http = hc }
}

// Client is the agent side of the hub connection
type Client struct {
	cfg       config.TransportConfig
	serverURL string
	apiKey    string
	sessionID string
	machineID string

	queue      *Queue
	dialer     *websocket.Dialer
	http       *proctorhttp.HardenedHTTPClient
	onDelivery func(DeliveryReport)
	now        func() time.Time

	// owned by the sender goroutine
	conn       *websocket.Conn
	readerDone chan struct{}

	lost      atomic.Uint64
	delivered atomic.Uint64
}

// New creates a client for the session in cfg. Nothing is dialed until Run.
func New(cfg config.AgentConfig, opts ...Option) (*Client, error) {
	if _, err := url.Parse(cfg.ServerURL); err != nil || cfg.ServerURL == "" {
		return nil, proctorerrors.NewConfigError("transport", "BAD_SERVER_URL", "invalid server_url", err)
	}
	tc := cfg.Transport
	if tc.MaxAttempts < 1 {
		tc.MaxAttempts = 1
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: tc.DialTimeout,
	}
	if tc.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab deployments with self-signed hubs
	}

	c := &Client{
		cfg:       tc,
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:    cfg.APIKey,
		sessionID: cfg.SessionID,
		machineID: cfg.MachineID,
		queue:     NewQueue(tc.QueueSize),
		dialer:    dialer,
		now:       time.Now,
	}
	if _, err := c.agentURL(); err != nil {
		return nil, proctorerrors.NewConfigError("transport", "BAD_SERVER_URL", "invalid server_url", err)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		hc := proctorhttp.DefaultHTTPClientConfig()
		hc.Timeout = tc.DialTimeout
		hc.BearerToken = cfg.APIKey
		hc.TLSInsecureSkipVerify = tc.InsecureSkipVerify
		hc.ServiceName = "proctor-agent"
		c.http = proctorhttp.NewHardenedHTTPClient(hc)
	}
	return c, nil
}

// SendFrame enqueues a frame message
func (c *Client) SendFrame(msg *types.FrameMessage) error {
	return c.enqueue(types.MessageFrame, "", msg)
}

// SendEvent enqueues an event message
func (c *Client) SendEvent(msg *types.EventMessage) error {
	return c.enqueue(types.MessageEvent, msg.ID, msg)
}

// SendHeartbeat enqueues a heartbeat, replacing any heartbeat still queued
func (c *Client) SendHeartbeat() error {
	return c.enqueue(types.MessageHeartbeat, "", &types.Heartbeat{
		Type:      types.MessageHeartbeat,
		SessionID: c.sessionID,
		MachineID: c.machineID,
		SentAt:    c.now().UTC(),
	})
}

// Lost returns the number of non-heartbeat messages that were never delivered
func (c *Client) Lost() uint64 { return c.lost.Load() }

// Delivered returns the number of messages written to the hub
func (c *Client) Delivered() uint64 { return c.delivered.Load() }

// QueueLen returns the current queue depth
func (c *Client) QueueLen() int { return c.queue.Len() }

func (c *Client) enqueue(kind types.MessageType, eventID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", kind, err)
	}
	e := &Entry{Kind: kind, EventID: eventID, Data: data, EnqueuedAt: c.now()}
	c.report(e, types.DeliveryCreated, "")

	dropped, reasons := c.queue.Push(e)
	for i, d := range dropped {
		c.drop(d, reasons[i], nil)
	}
	metrics.TransportQueueDepth.Set(float64(c.queue.Len()))
	c.report(e, types.DeliveryQueued, "")
	return nil
}

// Verify checks the credentials against the hub before streaming starts
func (c *Client) Verify(ctx context.Context) error {
	err := c.http.GetJSON(ctx, c.serverURL+AuthCheckPath, nil)
	if err == nil {
		return nil
	}
	var se *proctorhttp.StatusError
	if errors.As(err, &se) && se.IsUnauthorized() {
		return proctorerrors.NewAuthenticationFailure("transport", "REJECTED", "hub rejected the api key", err)
	}
	return proctorerrors.NewNetworkFailure("transport", "AUTH_CHECK_FAILED", "auth check request failed", err)
}

// Run sends queued messages and heartbeats until ctx is done. It returns nil
// on shutdown and an AuthenticationFailure when the hub rejects the key.
func (c *Client) Run(ctx context.Context) error {
	hbCtx, cancelHB := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if c.cfg.HeartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeatLoop(hbCtx)
		}()
	}

	err := c.sendLoop(ctx)

	cancelHB()
	wg.Wait()
	c.closeConn()

	reason := ReasonShutdown
	if err != nil {
		reason = ReasonAuth
	}
	for _, e := range c.queue.Drain() {
		c.drop(e, reason, nil)
	}
	metrics.TransportQueueDepth.Set(0)
	return err
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SendHeartbeat(); err != nil {
				logger.Warn("Heartbeat could not be queued",
					logger.Fields{Component: "transport", Operation: "heartbeat", Error: err})
			}
		}
	}
}

func (c *Client) sendLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		e := c.queue.Pop()
		if e == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-c.queue.Ready():
			}
			continue
		}
		metrics.TransportQueueDepth.Set(float64(c.queue.Len()))

		if c.cfg.MaxAge > 0 && c.now().Sub(e.EnqueuedAt) > c.cfg.MaxAge {
			c.drop(e, ReasonExpired, nil)
			continue
		}
		if wait := e.NextRetryAt.Sub(c.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.drop(e, ReasonShutdown, nil)
				return nil
			case <-timer.C:
			}
		}

		err := c.deliver(ctx, e)
		if err == nil {
			c.delivered.Add(1)
			metrics.TransportDelivered.WithLabelValues(string(e.Kind)).Inc()
			c.report(e, types.DeliveryDelivered, "")
			continue
		}
		if errors.Is(err, proctorerrors.ErrAuthenticationFailure) {
			c.drop(e, ReasonAuth, err)
			return err
		}
		c.closeConn()
		if ctx.Err() != nil {
			c.drop(e, ReasonShutdown, nil)
			return nil
		}
		c.retry(e, err)
	}
}

func (c *Client) retry(e *Entry, err error) {
	e.Attempts++
	if e.Kind == types.MessageHeartbeat {
		c.drop(e, ReasonSendFailed, err)
		return
	}
	if e.Attempts >= c.cfg.MaxAttempts {
		c.drop(e, ReasonMaxAttempts, err)
		return
	}
	if e.backoff == nil {
		e.backoff = backoff.NewExponentialBackOff()
		e.backoff.InitialInterval = c.cfg.InitialBackoff
		e.backoff.MaxInterval = c.cfg.MaxBackoff
		e.backoff.Multiplier = 2
		e.backoff.Reset()
	}
	delay := e.backoff.NextBackOff()
	e.NextRetryAt = c.now().Add(delay)
	metrics.TransportRetries.WithLabelValues(string(e.Kind)).Inc()
	logger.Debug("Delivery failed, will retry",
		logger.Fields{
			Component: "transport",
			Operation: "send",
			EventID:   e.EventID,
			Count:     e.Attempts,
			Duration:  delay.String(),
			Error:     err,
		})
	if c.queue.PushFront(e) {
		c.drop(e, ReasonEvicted, err)
	}
}

func (c *Client) deliver(ctx context.Context, e *Entry) error {
	if c.conn == nil {
		if err := c.dial(ctx); err != nil {
			return err
		}
	}
	if err := c.conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout)); err != nil {
		return proctorerrors.NewNetworkFailure("transport", "WRITE_DEADLINE", "cannot set write deadline", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, e.Data); err != nil {
		return proctorerrors.NewNetworkFailure("transport", "WRITE_FAILED", "websocket write failed", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	target, err := c.agentURL()
	if err != nil {
		return proctorerrors.NewConfigError("transport", "BAD_SERVER_URL", "invalid server_url", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set(MachineIDHeader, c.machineID)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return proctorerrors.NewAuthenticationFailure("transport", "HANDSHAKE_REJECTED",
				fmt.Sprintf("hub rejected the connection with status %d", resp.StatusCode), err)
		}
		return proctorerrors.NewNetworkFailure("transport", "DIAL_FAILED", "cannot connect to hub", err)
	}

	c.conn = conn
	c.readerDone = make(chan struct{})
	go c.readLoop(conn, c.readerDone)
	metrics.TransportConnected.Set(1)
	logger.Info("Connected to hub",
		logger.Fields{Component: "transport", Operation: "dial", SessionID: c.sessionID})
	return nil
}

// readLoop consumes inbound frames so control messages (ping, close) are
// processed. The hub sends nothing the agent acts on.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) closeConn() {
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), c.now().Add(time.Second))
	_ = c.conn.Close()
	<-c.readerDone
	c.conn = nil
	metrics.TransportConnected.Set(0)
}

func (c *Client) agentURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + AgentPathPrefix + url.PathEscape(c.sessionID)
	return u.String(), nil
}

func (c *Client) drop(e *Entry, reason string, err error) {
	if e.Kind != types.MessageHeartbeat && reason != ReasonSuperseded {
		c.lost.Add(1)
	}
	metrics.TransportLoss.WithLabelValues(string(e.Kind), reason).Inc()
	c.report(e, types.DeliveryDropped, reason)

	fields := logger.Fields{
		Component: "transport",
		Operation: "drop",
		EventID:   e.EventID,
		Reason:    reason,
		Count:     e.Attempts,
		Error:     err,
	}
	switch {
	case e.Kind == types.MessageHeartbeat:
		if reason != ReasonSuperseded {
			logger.Warn("Heartbeat not delivered", fields)
		}
	case e.Kind == types.MessageEvent:
		logger.Warn("Event dropped", fields)
	default:
		logger.Debug("Frame dropped", fields)
	}
}

func (c *Client) report(e *Entry, state types.DeliveryState, reason string) {
	if c.onDelivery == nil {
		return
	}
	c.onDelivery(DeliveryReport{
		Kind:     e.Kind,
		EventID:  e.EventID,
		State:    state,
		Reason:   reason,
		Attempts: e.Attempts,
	})
}
