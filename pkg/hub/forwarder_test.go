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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

func newTestForwarder(url string, maxTries int) *WebhookForwarder {
	cfg := config.DefaultHubConfig()
	cfg.AdminWebhookURL = url
	cfg.AdminWebhookToken = "admin-secret"
	cfg.WebhookMaxTries = maxTries
	f := NewWebhookForwarder(cfg, nil)
	f.initialInterval = 5 * time.Millisecond
	f.maxInterval = 20 * time.Millisecond
	return f
}

func TestWebhookForwarder_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	received := make(chan alertNotification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var n alertNotification
		_ = json.NewDecoder(r.Body).Decode(&n)
		received <- n
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := newTestForwarder(srv.URL, 5)
	f.Forward(types.Alert{ID: "al-1", SessionID: "s1", Severity: types.SeverityCritical, Status: types.AlertNew})

	select {
	case n := <-received:
		if n.Alert.ID != "al-1" || n.Type != "monitoring_alert" {
			t.Errorf("unexpected notification %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("alert was never delivered")
	}
	f.Close(context.Background())
	if calls.Load() != 3 {
		t.Errorf("webhook called %d times, want 3", calls.Load())
	}
}

func TestWebhookForwarder_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newTestForwarder(srv.URL, 5)
	f.Forward(types.Alert{ID: "al-1"})
	f.Close(context.Background())

	if calls.Load() != 1 {
		t.Errorf("webhook called %d times, want 1", calls.Load())
	}
}
