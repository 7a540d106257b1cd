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

package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in      string
		want    Resolution
		wantErr bool
	}{
		{"960x540", Resolution{960, 540}, false},
		{" 640X360 ", Resolution{640, 360}, false},
		{"640", Resolution{}, true},
		{"0x360", Resolution{}, true},
		{"axb", Resolution{}, true},
	}
	for _, tt := range tests {
		got, err := ParseResolution(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseResolution(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseResolution(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityHigh) {
		t.Error("critical should be at least high")
	}
	if SeverityMedium.AtLeast(SeverityHigh) {
		t.Error("medium should not be at least high")
	}
	if _, err := ParseSeverity("urgent"); err == nil {
		t.Error("expected error for unknown severity")
	}
	if s, _ := ParseSeverity("HIGH"); s != SeverityHigh {
		t.Errorf("ParseSeverity(HIGH) = %q", s)
	}
}

func TestObservationKey(t *testing.T) {
	url := Observation{Kind: ObservationURL, Browser: "Chrome", URL: "chatgpt.com"}
	title := Observation{Kind: ObservationTitle, Browser: "Chrome", RawTitle: "Untitled"}
	proc := Observation{Kind: ObservationProcess, ProcessName: "Discord.exe"}

	if url.Key() != "url:Chrome:chatgpt.com" {
		t.Errorf("url key = %q", url.Key())
	}
	if title.Key() != "title:Chrome:Untitled" {
		t.Errorf("title key = %q", title.Key())
	}
	if proc.Key() != "app:discord.exe" {
		t.Errorf("process key = %q", proc.Key())
	}
}

func TestEventMessageFlattensEvent(t *testing.T) {
	msg := EventMessage{
		Type:  MessageEvent,
		Event: Event{ID: "e1", SessionID: "s1", Kind: EventURLAccess, Severity: SeverityHigh},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	for _, want := range []string{`"type":"event"`, `"id":"e1"`, `"kind":"url_access"`, `"severity":"high"`} {
		if !strings.Contains(s, want) {
			t.Errorf("marshaled event message %s missing %s", s, want)
		}
	}
	if strings.Contains(s, `"alert"`) {
		t.Error("nil alert should be omitted")
	}
}
