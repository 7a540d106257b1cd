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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Capture and scheduling
var (
	FramesCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_frames_captured_total",
			Help: "Total number of frames read from a capture source",
		},
		[]string{"source"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_frames_sent_total",
			Help: "Total number of encoded frames handed to the transport",
		},
		[]string{"source"},
	)

	FramesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_frames_skipped_total",
			Help: "Capture cycles that ended without a frame being sent",
		},
		[]string{"source", "reason"}, // capture_timeout, capture_error, encode_failure
	)

	AchievedFPS = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zen_proctor_achieved_fps",
			Help: "Frames per second achieved over the last stats window",
		},
		[]string{"source"},
	)

	Degraded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zen_proctor_degraded",
			Help: "1 when achieved FPS fell below half of the target in the last window",
		},
		[]string{"source"},
	)

	PayloadBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zen_proctor_frame_payload_bytes",
			Help:    "Size of encoded frame payloads",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 8),
		},
		[]string{"source"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zen_proctor_cycle_duration_seconds",
			Help:    "Time spent doing work in one capture cycle, excluding the sleep",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"source"},
	)
)

// Detection
var (
	DetectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_detection_failures_total",
			Help: "Detector calls that failed, timed out or were abandoned",
		},
		[]string{"source", "reason"}, // error, timeout, abandoned
	)

	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zen_proctor_detection_duration_seconds",
			Help:    "Duration of successful detector calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"source"},
	)
)

// Events and alerts
var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_events_total",
			Help: "Events created by kind and severity",
		},
		[]string{"kind", "severity"},
	)

	EventsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_events_deduplicated_total",
			Help: "Observations suppressed by the dedupe window",
		},
		[]string{"kind"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_alerts_total",
			Help: "Alerts synthesized by severity",
		},
		[]string{"severity"},
	)

	ObserverPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_observer_polls_total",
			Help: "Browser and process polls by outcome",
		},
		[]string{"lister", "status"},
	)
)

// Transport
var (
	TransportQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zen_proctor_transport_queue_depth",
			Help: "Entries waiting in the outbound queue",
		},
	)

	TransportDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_transport_delivered_total",
			Help: "Outbound messages written to the server",
		},
		[]string{"kind"},
	)

	TransportLoss = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_transport_loss_total",
			Help: "Outbound messages dropped before delivery",
		},
		[]string{"kind", "reason"}, // evicted, max_attempts, expired, shutdown
	)

	TransportRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_transport_retries_total",
			Help: "Delivery attempts that failed and were rescheduled",
		},
		[]string{"kind"},
	)

	TransportConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zen_proctor_transport_connected",
			Help: "1 while the session connection is established",
		},
	)
)

// Hub
var (
	HubConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zen_proctor_hub_connections",
			Help: "Open hub connections by role",
		},
		[]string{"role"}, // agent, viewer
	)

	HubMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_hub_messages_total",
			Help: "Messages received from agents by type",
		},
		[]string{"type"},
	)

	HubViewerDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_hub_viewer_drops_total",
			Help: "Messages not delivered to a slow viewer",
		},
		[]string{"type"},
	)

	HubRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_hub_rejected_total",
			Help: "Requests or messages rejected by the hub",
		},
		[]string{"reason"}, // unauthorized, rate_limited, malformed, session_mismatch
	)

	HubWebhookForwards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_hub_webhook_forwards_total",
			Help: "Alerts forwarded to the admin webhook by outcome",
		},
		[]string{"status"},
	)
)
