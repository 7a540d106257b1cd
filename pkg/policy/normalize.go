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

// Package policy decides whether browser and process observations violate the
// session blocklist.
package policy

import (
	"regexp"
	"strings"
	"unicode"
)

var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

// Normalize reduces a raw URL to host[/path]: no scheme, no userinfo, no
// leading "www.", no query or fragment, no trailing slash, lower-case host.
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	cur := raw
	for {
		next := normalizeOnce(cur)
		if next == cur {
			return next
		}
		cur = next
	}
}

func normalizeOnce(s string) string {
	s = trimPrefixes(s)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}

	host, path := s, ""
	if i := strings.IndexByte(s, '/'); i >= 0 {
		host, path = s[:i], s[i:]
	}
	if i := strings.LastIndexByte(host, '@'); i >= 0 {
		host = host[i+1:]
	}
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimRight(host, ".")
	for strings.HasPrefix(host, "www.") {
		host = strings.TrimPrefix(host, "www.")
	}
	path = strings.TrimRightFunc(path, isSlashOrSpace)
	return host + path
}

// trimPrefixes strips leading whitespace, slashes and any number of schemes
func trimPrefixes(s string) string {
	for {
		next := strings.TrimLeftFunc(s, isSlashOrSpace)
		next = schemePattern.ReplaceAllString(next, "")
		next = strings.TrimRightFunc(next, unicode.IsSpace)
		if next == s {
			return s
		}
		s = next
	}
}

func isSlashOrSpace(r rune) bool {
	return r == '/' || unicode.IsSpace(r)
}

// HostOf returns the host of a normalized URL, without port
func HostOf(normalized string) string {
	host := normalized
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host
}
