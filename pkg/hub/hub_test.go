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
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingForwarder struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (f *recordingForwarder) Forward(a types.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
}

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func frameMsg(t *testing.T, session string, source types.SourceKind, n uint64) []byte {
	t.Helper()
	b, err := json.Marshal(types.FrameMessage{
		Type:      types.MessageFrame,
		SessionID: session,
		MachineID: "lab-01",
		Data:      types.FrameData{Frame: "AAAA", FrameNumber: n, Source: source, Width: 4, Height: 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func eventMsg(t *testing.T, session, eventID, alertID string) []byte {
	t.Helper()
	msg := types.EventMessage{
		Type: types.MessageEvent,
		Event: types.Event{
			ID:        eventID,
			SessionID: session,
			Kind:      types.EventURLAccess,
			Severity:  types.SeverityCritical,
		},
	}
	if alertID != "" {
		msg.Alert = &types.Alert{ID: alertID, EventID: eventID, SessionID: session, Severity: types.SeverityCritical, Status: types.AlertNew}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func frameNumber(t *testing.T, raw []byte) uint64 {
	t.Helper()
	var m types.FrameMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	return m.Data.FrameNumber
}

func receive(t *testing.T, v *Viewer) []byte {
	t.Helper()
	select {
	case m := <-v.Messages():
		return m
	case <-time.After(time.Second):
		t.Fatal("viewer received nothing")
		return nil
	}
}

func assertEmpty(t *testing.T, v *Viewer) {
	t.Helper()
	select {
	case m := <-v.Messages():
		t.Fatalf("unexpected message %s", m)
	default:
	}
}

func TestIngest_FansOutToViewers(t *testing.T) {
	h := New(Options{ViewerBuffer: 8}, nil)
	a := h.Subscribe("s1")
	b := h.Subscribe("s1")
	other := h.Subscribe("s2")

	for i := uint64(1); i <= 3; i++ {
		if _, err := h.Ingest("s1", frameMsg(t, "s1", types.SourceScreen, i)); err != nil {
			t.Fatal(err)
		}
	}

	for _, v := range []*Viewer{a, b} {
		for i := uint64(1); i <= 3; i++ {
			if got := frameNumber(t, receive(t, v)); got != i {
				t.Errorf("frame %d, want %d", got, i)
			}
		}
	}
	assertEmpty(t, other)
}

func TestSubscribe_LateViewerGetsLatestFrameOnly(t *testing.T) {
	h := New(Options{ViewerBuffer: 8}, nil)
	for i := uint64(1); i <= 5; i++ {
		_, _ = h.Ingest("s1", frameMsg(t, "s1", types.SourceScreen, i))
	}
	_, _ = h.Ingest("s1", frameMsg(t, "s1", types.SourceWebcam, 9))
	_, _ = h.Ingest("s1", eventMsg(t, "s1", "ev-1", ""))

	v := h.Subscribe("s1")
	got := map[uint64]bool{}
	got[frameNumber(t, receive(t, v))] = true
	got[frameNumber(t, receive(t, v))] = true
	if !got[5] || !got[9] {
		t.Errorf("late viewer got frames %v, want latest screen (5) and webcam (9)", got)
	}
	assertEmpty(t, v)
}

func TestIngest_SlowViewerDropsWithoutBlocking(t *testing.T) {
	h := New(Options{ViewerBuffer: 2}, nil)
	slow := h.Subscribe("s1")
	before := testutil.ToFloat64(metrics.HubViewerDrops.WithLabelValues(string(types.MessageFrame)))

	var msgs [][]byte
	for i := uint64(1); i <= 5; i++ {
		msgs = append(msgs, frameMsg(t, "s1", types.SourceScreen, i))
	}
	done := make(chan struct{})
	go func() {
		for _, m := range msgs {
			_, _ = h.Ingest("s1", m)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Ingest blocked on a slow viewer")
	}

	if slow.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", slow.Dropped())
	}
	after := testutil.ToFloat64(metrics.HubViewerDrops.WithLabelValues(string(types.MessageFrame)))
	if after-before != 3 {
		t.Errorf("drop metric grew by %v, want 3", after-before)
	}
	if got := frameNumber(t, receive(t, slow)); got != 1 {
		t.Errorf("first buffered frame = %d, want 1", got)
	}
}

func TestIngest_AlertsStoredOnceAndForwarded(t *testing.T) {
	fwd := &recordingForwarder{}
	h := New(Options{}, fwd)

	_, _ = h.Ingest("s1", eventMsg(t, "s1", "ev-1", "al-1"))
	_, _ = h.Ingest("s1", eventMsg(t, "s1", "ev-1", "al-1"))
	_, _ = h.Ingest("s1", eventMsg(t, "s1", "ev-2", ""))
	_, _ = h.Ingest("s1", eventMsg(t, "s1", "ev-3", "al-3"))

	alerts, ok := h.Alerts("s1")
	if !ok {
		t.Fatal("session not found")
	}
	if len(alerts) != 2 || alerts[0].ID != "al-1" || alerts[1].ID != "al-3" {
		t.Errorf("alerts = %+v", alerts)
	}
	if fwd.count() != 2 {
		t.Errorf("forwarded %d alerts, want 2", fwd.count())
	}
	if _, ok := h.Alerts("missing"); ok {
		t.Error("unknown session should not be found")
	}
}

func TestIngest_AlertsBounded(t *testing.T) {
	h := New(Options{MaxAlerts: 2}, nil)
	for _, id := range []string{"a", "b", "c"} {
		_, _ = h.Ingest("s1", eventMsg(t, "s1", "ev-"+id, "al-"+id))
	}
	alerts, _ := h.Alerts("s1")
	if len(alerts) != 2 || alerts[0].ID != "al-b" {
		t.Errorf("alerts = %+v, want al-b and al-c", alerts)
	}
}

func TestIngest_Rejects(t *testing.T) {
	h := New(Options{}, nil)
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"unknown type", `{"type":"telemetry"}`, ErrMalformed},
		{"event without id", `{"type":"event","session_id":"s1"}`, ErrMalformed},
		{"other session", `{"type":"heartbeat","session_id":"s2"}`, ErrSessionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.Ingest("s1", []byte(tt.raw)); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIngest_PingAnsweredNotBroadcast(t *testing.T) {
	h := New(Options{}, nil)
	v := h.Subscribe("s1")
	reply, err := h.Ingest("s1", []byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != `{"type":"pong"}` {
		t.Errorf("reply = %s", reply)
	}
	assertEmpty(t, v)
}

func TestSessions_HeartbeatAndConnection(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h := New(Options{HeartbeatTimeout: time.Minute}, nil)
	h.now = func() time.Time { return now }

	detach := h.AttachAgent("s1")
	_, _ = h.Ingest("s1", []byte(`{"type":"heartbeat","session_id":"s1","machine_id":"lab-01"}`))
	_, _ = h.Ingest("s1", frameMsg(t, "s1", types.SourceScreen, 1))

	list := h.Sessions()
	if len(list) != 1 {
		t.Fatalf("sessions = %+v", list)
	}
	s := list[0]
	if !s.AgentConnected || s.MachineID != "lab-01" || s.Stale || s.FramesReceived != 1 || s.LastFrameSize == "" {
		t.Errorf("unexpected session info %+v", s)
	}

	now = now.Add(2 * time.Minute)
	detach()
	detach()
	s = h.Sessions()[0]
	if s.AgentConnected {
		t.Error("agent still connected after detach")
	}
	if !s.Stale {
		t.Error("session should be stale after the heartbeat timeout")
	}
	if !strings.Contains(s.LastSeen, "ago") {
		t.Errorf("LastSeen = %q", s.LastSeen)
	}
}

func TestPrune(t *testing.T) {
	now := time.Now()
	h := New(Options{}, nil)
	h.now = func() time.Time { return now }

	_, _ = h.Ingest("idle", []byte(`{"type":"heartbeat"}`))
	detach := h.AttachAgent("busy")
	defer detach()
	v := h.Subscribe("watched")

	now = now.Add(time.Hour)
	if n := h.Prune(time.Minute); n != 1 {
		t.Errorf("pruned %d sessions, want 1", n)
	}
	if len(h.Sessions()) != 2 {
		t.Errorf("sessions = %+v", h.Sessions())
	}
	h.Unsubscribe(v)
	h.Unsubscribe(v)
	if _, ok := <-v.Messages(); ok {
		t.Error("viewer channel should be closed")
	}
}

func TestLockSession_SkipsPrunedSession(t *testing.T) {
	h := New(Options{}, nil)
	stale := h.session("s1")

	if n := h.Prune(-time.Second); n != 1 {
		t.Fatalf("pruned %d sessions, want 1", n)
	}

	s := h.lockSession("s1")
	s.mu.Unlock()
	if s == stale {
		t.Fatal("pruned session was handed out again")
	}
	if live, ok := h.lookup("s1"); !ok || live != s {
		t.Error("replacement session is not registered in the hub")
	}
}

func TestSubscribe_ConcurrentPruneKeepsViewerReachable(t *testing.T) {
	h := New(Options{ViewerBuffer: 4}, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Prune(-time.Second)
			}
		}
	}()

	for i := 0; i < 500; i++ {
		v := h.Subscribe("s1")
		if _, err := h.Ingest("s1", frameMsg(t, "s1", types.SourceScreen, uint64(i))); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		select {
		case <-v.Messages():
		default:
			t.Fatalf("iteration %d: viewer subscribed to a pruned session", i)
		}
		h.Unsubscribe(v)
	}
	close(stop)
	wg.Wait()
}
