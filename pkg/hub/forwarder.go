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

package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/dispatcher"
	proctorhttp "github.com/kube-zen/zen-proctor/pkg/http"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// alertNotification is the body posted to the admin webhook
type alertNotification struct {
	Type  string      `json:"type"`
	Alert types.Alert `json:"alert"`
}

// WebhookForwarder posts new alerts to the administrative layer from a
// worker pool, retrying transient failures with exponential backoff.
type WebhookForwarder struct {
	url      string
	client   *proctorhttp.HardenedHTTPClient
	pool     *dispatcher.WorkerPool
	maxTries uint

	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewWebhookForwarder creates and starts a forwarder for cfg.AdminWebhookURL
func NewWebhookForwarder(cfg config.HubConfig, client *proctorhttp.HardenedHTTPClient) *WebhookForwarder {
	if client == nil {
		hc := proctorhttp.DefaultHTTPClientConfig()
		hc.BearerToken = cfg.AdminWebhookToken
		hc.ServiceName = "zen-proctor-hub"
		client = proctorhttp.NewHardenedHTTPClient(hc)
	}
	maxTries := cfg.WebhookMaxTries
	if maxTries < 1 {
		maxTries = 1
	}
	f := &WebhookForwarder{
		url:             cfg.AdminWebhookURL,
		client:          client,
		pool:            dispatcher.NewWorkerPool("admin_webhook", cfg.WebhookWorkers, cfg.WebhookQueueSize),
		maxTries:        uint(maxTries),
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
	}
	f.pool.Start()
	return f
}

// Forward queues the alert. When the queue is full the alert is dropped and counted.
func (f *WebhookForwarder) Forward(alert types.Alert) {
	err := f.pool.Enqueue(dispatcher.WorkFunc(func(ctx context.Context) error {
		return f.deliver(ctx, alert)
	}))
	if err != nil {
		metrics.HubWebhookForwards.WithLabelValues("dropped").Inc()
		logger.Warn("Alert not forwarded to admin webhook",
			logger.Fields{
				Component: "hub",
				Operation: "webhook_forward",
				SessionID: alert.SessionID,
				Severity:  string(alert.Severity),
				Error:     err,
				Reason:    "queue_full",
			})
	}
}

// Close waits for queued alerts to be delivered until ctx expires
func (f *WebhookForwarder) Close(ctx context.Context) {
	f.pool.Stop(ctx)
}

func (f *WebhookForwarder) deliver(ctx context.Context, alert types.Alert) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.MaxInterval = f.maxInterval

	body := alertNotification{Type: "monitoring_alert", Alert: alert}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f.client.PostJSON(ctx, f.url, body, nil)
		var se *proctorhttp.StatusError
		if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(f.maxTries))

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.HubWebhookForwards.WithLabelValues(status).Inc()
	return err
}
