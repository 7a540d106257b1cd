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
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/types"
	"gopkg.in/yaml.v3"
)

// Entry kinds
const (
	KindDomain  = "domain"
	KindKeyword = "keyword"
	KindProcess = "process"
)

//go:embed default_blocklist.yaml
var defaultBlocklistYAML []byte

// defaultAliases maps retired service hosts to where the service lives now
var defaultAliases = map[string]string{
	"chat.openai.com": "chatgpt.com",
	"bard.google.com": "gemini.google.com",
}

// EntrySpec is one pattern in the blocklist file
type EntrySpec struct {
	Pattern  string `yaml:"pattern"`
	Category string `yaml:"category"`
}

// File is the on-disk blocklist format
//
//	domains:
//	  - {pattern: chatgpt.com, category: ai_assistance}
//	keywords:
//	  - {pattern: chatgpt, category: ai_assistance}
//	processes:
//	  - {pattern: anydesk, category: remote_access}
//	allow: [exams.example.edu]
//	aliases: {chat.openai.com: chatgpt.com}
type File struct {
	Domains   []EntrySpec       `yaml:"domains"`
	Keywords  []EntrySpec       `yaml:"keywords"`
	Processes []EntrySpec       `yaml:"processes"`
	Allow     []string          `yaml:"allow"`
	Aliases   map[string]string `yaml:"aliases"`
}

// Match is the result of a policy check
type Match struct {
	Blocked bool
	Allowed bool // host is on the allow list
	Entry   *types.PolicyMatch
}

type entry struct {
	pattern  string
	kind     string
	category string
}

func (e entry) toMatch() *types.PolicyMatch {
	return &types.PolicyMatch{Pattern: e.pattern, Kind: e.kind, Category: e.category}
}

// BlockList is an immutable, compiled blocklist. Safe for concurrent use.
type BlockList struct {
	exact     map[string]entry // domain entries by host
	ordered   []entry          // domains and keywords, longest pattern first
	processes []entry
	allow     []string
	aliases   map[string]string
}

// New compiles f. Aliases from f extend the built-in ones.
func New(f File) (*BlockList, error) {
	b := &BlockList{
		exact:   make(map[string]entry),
		aliases: make(map[string]string, len(defaultAliases)+len(f.Aliases)),
	}
	for k, v := range defaultAliases {
		b.aliases[k] = v
	}
	for k, v := range f.Aliases {
		from, to := HostOf(Normalize(k)), HostOf(Normalize(v))
		if from == "" || to == "" {
			return nil, fmt.Errorf("alias %q -> %q: empty host", k, v)
		}
		b.aliases[from] = to
	}

	for _, d := range f.Domains {
		host := HostOf(Normalize(d.Pattern))
		if host == "" {
			return nil, fmt.Errorf("empty domain pattern")
		}
		e := entry{pattern: host, kind: KindDomain, category: d.Category}
		if _, dup := b.exact[host]; !dup {
			b.exact[host] = e
			b.ordered = append(b.ordered, e)
		}
	}
	for _, k := range f.Keywords {
		kw := strings.ToLower(strings.TrimSpace(k.Pattern))
		if kw == "" {
			return nil, fmt.Errorf("empty keyword pattern")
		}
		b.ordered = append(b.ordered, entry{pattern: kw, kind: KindKeyword, category: k.Category})
	}
	for _, p := range f.Processes {
		name := strings.ToLower(strings.TrimSpace(p.Pattern))
		if name == "" {
			return nil, fmt.Errorf("empty process pattern")
		}
		b.processes = append(b.processes, entry{pattern: name, kind: KindProcess, category: p.Category})
	}
	for _, a := range f.Allow {
		if host := HostOf(Normalize(a)); host != "" {
			b.allow = append(b.allow, host)
		}
	}

	sort.SliceStable(b.ordered, func(i, j int) bool { return morePrecise(b.ordered[i], b.ordered[j]) })
	sort.SliceStable(b.processes, func(i, j int) bool { return morePrecise(b.processes[i], b.processes[j]) })
	return b, nil
}

// morePrecise orders by pattern length, then domains before keywords, then name
func morePrecise(a, b entry) bool {
	if len(a.pattern) != len(b.pattern) {
		return len(a.pattern) > len(b.pattern)
	}
	if a.kind != b.kind {
		return a.kind == KindDomain
	}
	return a.pattern < b.pattern
}

// Parse compiles a YAML blocklist
func Parse(data []byte) (*BlockList, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse blocklist: %w", err)
	}
	return New(f)
}

// Load reads a blocklist file; an empty path returns the built-in list
func Load(path string) (*BlockList, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, proctorerrors.NewConfigError("policy", "BLOCKLIST_READ", "cannot read blocklist "+path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, proctorerrors.NewConfigError("policy", "BLOCKLIST_INVALID", "invalid blocklist "+path, err)
	}
	return b, nil
}

// Default returns the built-in blocklist
func Default() (*BlockList, error) {
	return Parse(defaultBlocklistYAML)
}

// Check classifies a raw URL
func (b *BlockList) Check(rawURL string) Match {
	normalized := Normalize(rawURL)
	host := HostOf(normalized)
	if host == "" {
		return Match{}
	}
	if to, ok := b.aliases[host]; ok {
		normalized = to + strings.TrimPrefix(normalized, host)
		host = to
	}

	if b.isAllowed(host) {
		return Match{Allowed: true}
	}
	if e, ok := b.exact[host]; ok {
		return Match{Blocked: true, Entry: e.toMatch()}
	}
	for _, e := range b.ordered {
		if e.kind == KindDomain && hasDomainSuffix(host, e.pattern) {
			return Match{Blocked: true, Entry: e.toMatch()}
		}
		if e.kind == KindKeyword && strings.Contains(normalized, e.pattern) {
			return Match{Blocked: true, Entry: e.toMatch()}
		}
	}
	return Match{}
}

// CheckTitle matches keyword entries against a window title that carries no URL
func (b *BlockList) CheckTitle(title string) Match {
	lower := strings.ToLower(title)
	for _, e := range b.ordered {
		if e.kind == KindKeyword && strings.Contains(lower, e.pattern) {
			return Match{Blocked: true, Entry: e.toMatch()}
		}
	}
	return Match{}
}

// CheckProcess matches a process name against the process entries
func (b *BlockList) CheckProcess(name string) Match {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return Match{}
	}
	for _, e := range b.processes {
		if strings.Contains(lower, e.pattern) {
			return Match{Blocked: true, Entry: e.toMatch()}
		}
	}
	return Match{}
}

// IsBlocked classifies an observation by its kind
func (b *BlockList) IsBlocked(obs types.Observation) Match {
	switch {
	case obs.Kind == types.ObservationProcess:
		return b.CheckProcess(obs.ProcessName)
	case obs.URL != "":
		return b.Check(obs.URL)
	default:
		return b.CheckTitle(obs.RawTitle)
	}
}

// Processes returns the process patterns, for observers that pre-filter
func (b *BlockList) Processes() []string {
	out := make([]string, len(b.processes))
	for i, e := range b.processes {
		out[i] = e.pattern
	}
	return out
}

func (b *BlockList) isAllowed(host string) bool {
	for _, a := range b.allow {
		if hasDomainSuffix(host, a) {
			return true
		}
	}
	return false
}

func hasDomainSuffix(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
