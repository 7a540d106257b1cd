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
	"regexp"
	"sort"
	"strings"
)

var browserSuffixes = []string{
	" - Google Chrome",
	" - Microsoft Edge",
	" - Mozilla Firefox",
	" — Mozilla Firefox",
	" - Brave",
	" - Opera",
}

var urlInTitle = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s"'<>]+`)

// DefaultSiteNames maps page-title fragments to the site serving them
var DefaultSiteNames = map[string]string{
	"ChatGPT":          "chatgpt.com",
	"Claude":           "claude.ai",
	"Gemini":           "gemini.google.com",
	"Perplexity":       "perplexity.ai",
	"Copilot":          "copilot.microsoft.com",
	"DeepSeek":         "chat.deepseek.com",
	"GitHub":           "github.com",
	"Stack Overflow":   "stackoverflow.com",
	"WhatsApp":         "web.whatsapp.com",
	"Telegram Web":     "web.telegram.org",
	"Google Translate": "translate.google.com",
	"Google Tradutor":  "translate.google.com",
	"Brainly":          "brainly.com.br",
}

type siteName struct {
	fragment string // lower case
	host     string
}

// TitleInferrer guesses the URL behind a browser window title
type TitleInferrer struct {
	sites   []siteName
	ignored []string
}

// NewTitleInferrer builds an inferrer. sites nil uses DefaultSiteNames.
// Titles containing any ignored word (case-insensitive) are not relevant.
func NewTitleInferrer(sites map[string]string, ignored []string) *TitleInferrer {
	if sites == nil {
		sites = DefaultSiteNames
	}
	t := &TitleInferrer{}
	for name, host := range sites {
		t.sites = append(t.sites, siteName{fragment: strings.ToLower(name), host: Normalize(host)})
	}
	sort.Slice(t.sites, func(i, j int) bool {
		if len(t.sites[i].fragment) != len(t.sites[j].fragment) {
			return len(t.sites[i].fragment) > len(t.sites[j].fragment)
		}
		return t.sites[i].fragment < t.sites[j].fragment
	})
	for _, w := range ignored {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			t.ignored = append(t.ignored, w)
		}
	}
	return t
}

// Clean strips the browser name suffix and surrounding space
func (t *TitleInferrer) Clean(title string) string {
	title = strings.TrimSpace(title)
	for _, suffix := range browserSuffixes {
		if strings.HasSuffix(title, suffix) {
			title = strings.TrimSpace(strings.TrimSuffix(title, suffix))
		}
	}
	return title
}

// Relevant reports whether a cleaned title is worth observing
func (t *TitleInferrer) Relevant(title string) bool {
	if title == "" {
		return false
	}
	lower := strings.ToLower(title)
	for _, w := range t.ignored {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

// InferURL returns the normalized URL the title most likely belongs to.
// The bool is false when nothing can be inferred, which is common.
func (t *TitleInferrer) InferURL(title string) (string, bool) {
	title = t.Clean(title)
	if !t.Relevant(title) {
		return "", false
	}
	if m := urlInTitle.FindString(title); m != "" {
		if u := Normalize(strings.TrimRight(m, ".,;:)]")); HostOf(u) != "" {
			return u, true
		}
	}
	lower := strings.ToLower(title)
	for _, s := range t.sites {
		if strings.Contains(lower, s.fragment) {
			return s.host, true
		}
	}
	return "", false
}
