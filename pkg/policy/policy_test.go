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

package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.Example.com/", "example.com"},
		{"http://chat.openai.com/chat?model=4#top", "chat.openai.com/chat"},
		{"  HTTPS://user:pw@GitHub.com/Org/Repo//  ", "github.com/Org/Repo"},
		{"www.www.google.com", "google.com"},
		{"https://https://claude.ai/new", "claude.ai/new"},
		{"claude.ai", "claude.ai"},
		{"localhost:8080/x/", "localhost:8080/x"},
		{strings.Repeat("http://", 10) + "Example.com/", "example.com"},
		{"a.com/ / / / / / / / / / /", "a.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"https://www.Example.com/",
		"http://chat.openai.com/chat?model=4",
		"ftp://a@b@WWW.host.org///path///",
		"https://https://www.www.x.io/?q",
		"//cdn.site.net/asset.js",
		"www./",
		"  mixed.CASE.com/Path/To/?a=b#c ",
		"HTTP://[::1]:8080/x",
		"?only=query",
		strings.Repeat("http://", 10) + "Example.com/",
		"a.com/ / / / / / / / / / /",
		"@/x",
		"host.com../",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func testList(t *testing.T) *BlockList {
	t.Helper()
	b, err := New(File{
		Domains: []EntrySpec{
			{Pattern: "chatgpt.com", Category: "ai_assistance"},
			{Pattern: "claude.ai", Category: "ai_assistance"},
			{Pattern: "whatsapp.com", Category: "messaging"},
		},
		Keywords:  []EntrySpec{{Pattern: "cheat", Category: "misc"}, {Pattern: "cheatsheet", Category: "reference"}},
		Processes: []EntrySpec{{Pattern: "anydesk", Category: "remote_access"}},
		Allow:     []string{"exams.example.edu"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func TestCheck(t *testing.T) {
	b := testList(t)
	tests := []struct {
		url     string
		blocked bool
		pattern string
		kind    string
		allowed bool
	}{
		{url: "https://chat.openai.com/chat", blocked: true, pattern: "chatgpt.com", kind: KindDomain},
		{url: "https://chatgpt.com", blocked: true, pattern: "chatgpt.com", kind: KindDomain},
		{url: "https://github.com/org/repo", blocked: false},
		{url: "https://google.com", blocked: false},
		{url: "https://web.whatsapp.com/", blocked: true, pattern: "whatsapp.com", kind: KindDomain},
		{url: "https://notwhatsapp.com/", blocked: false},
		{url: "https://site.io/cheatsheet/go", blocked: true, pattern: "cheatsheet", kind: KindKeyword},
		{url: "https://site.io/cheat", blocked: true, pattern: "cheat", kind: KindKeyword},
		{url: "https://exams.example.edu/quiz/cheat", allowed: true},
		{url: "", blocked: false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			m := b.Check(tt.url)
			if m.Blocked != tt.blocked || m.Allowed != tt.allowed {
				t.Fatalf("Check(%q) = %+v", tt.url, m)
			}
			if !tt.blocked {
				if m.Entry != nil {
					t.Errorf("unblocked result carries entry %+v", m.Entry)
				}
				return
			}
			if m.Entry.Pattern != tt.pattern || m.Entry.Kind != tt.kind {
				t.Errorf("matched %+v, want %s/%s", m.Entry, tt.kind, tt.pattern)
			}
		})
	}
}

func TestCheck_LongestPatternWins(t *testing.T) {
	b, err := New(File{Domains: []EntrySpec{
		{Pattern: "google.com", Category: "search"},
		{Pattern: "gemini.google.com", Category: "ai_assistance"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	m := b.Check("https://eu.gemini.google.com/app")
	if !m.Blocked || m.Entry.Category != "ai_assistance" {
		t.Errorf("expected the more specific entry, got %+v", m.Entry)
	}
	m = b.Check("https://bard.google.com")
	if !m.Blocked || m.Entry.Pattern != "gemini.google.com" {
		t.Errorf("bard alias should resolve to gemini, got %+v", m.Entry)
	}
}

func TestIsBlocked(t *testing.T) {
	b := testList(t)
	tests := []struct {
		name    string
		obs     types.Observation
		blocked bool
	}{
		{"process substring", types.Observation{Kind: types.ObservationProcess, ProcessName: "AnyDesk.exe"}, true},
		{"process clean", types.Observation{Kind: types.ObservationProcess, ProcessName: "code"}, false},
		{"url", types.Observation{Kind: types.ObservationURL, URL: "claude.ai/new"}, true},
		{"title keyword", types.Observation{Kind: types.ObservationTitle, RawTitle: "Ultimate Cheat Codes"}, true},
		{"title clean", types.Observation{Kind: types.ObservationTitle, RawTitle: "Lecture notes"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.IsBlocked(tt.obs).Blocked; got != tt.blocked {
				t.Errorf("IsBlocked() = %v, want %v", got, tt.blocked)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.yaml")
	content := `
domains:
  - {pattern: "https://www.Poe.com/", category: ai_assistance}
processes:
  - {pattern: Telegram, category: messaging}
aliases:
  old.poe.com: poe.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m := b.Check("old.poe.com/chat"); !m.Blocked || m.Entry.Pattern != "poe.com" {
		t.Errorf("alias from file not applied: %+v", m)
	}
	if !b.CheckProcess("telegram-desktop").Blocked {
		t.Error("process patterns should be case-insensitive")
	}

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	if !errors.Is(err, proctorerrors.ErrConfig) {
		t.Errorf("missing file should be a config error, got %v", err)
	}
	if err := os.WriteFile(path, []byte("domains: [{pattern: \"\"}]"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, proctorerrors.ErrConfig) {
		t.Errorf("empty pattern should be rejected, got %v", err)
	}
}

func TestDefault(t *testing.T) {
	b, err := Load("")
	if err != nil {
		t.Fatalf("built-in blocklist does not parse: %v", err)
	}
	for _, u := range []string{"https://chat.openai.com/chat", "https://claude.ai", "web.whatsapp.com"} {
		if !b.Check(u).Blocked {
			t.Errorf("built-in list should block %s", u)
		}
	}
	for _, u := range []string{"https://github.com/org/repo", "https://google.com"} {
		if b.Check(u).Blocked {
			t.Errorf("built-in list should not block %s", u)
		}
	}
	if len(b.Processes()) == 0 {
		t.Error("built-in list has no process entries")
	}
}

func TestTitleInferrer(t *testing.T) {
	ti := NewTitleInferrer(nil, []string{"erro", "traceback"})
	tests := []struct {
		title string
		want  string
		ok    bool
	}{
		{"ChatGPT - Google Chrome", "chatgpt.com", true},
		{"New chat - Claude — Mozilla Firefox", "claude.ai", true},
		{"Docs at https://www.Example.org/guide?x=1. - Microsoft Edge", "example.org/guide", true},
		{"see www.site.io/page - Google Chrome", "site.io/page", true},
		{"Google Tradutor - Google Chrome", "translate.google.com", true},
		{"Traceback (most recent call last) - Google Chrome", "", false},
		{"Quarterly report - Google Chrome", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ti.InferURL(tt.title)
		if got != tt.want || ok != tt.ok {
			t.Errorf("InferURL(%q) = %q, %v; want %q, %v", tt.title, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTitleInferrer_LongestNameFirst(t *testing.T) {
	ti := NewTitleInferrer(map[string]string{"Google": "google.com", "Google Translate": "translate.google.com"}, nil)
	if got, _ := ti.InferURL("Google Translate"); got != "translate.google.com" {
		t.Errorf("InferURL() = %q", got)
	}
}
