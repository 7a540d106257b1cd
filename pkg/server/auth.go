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

package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"golang.org/x/crypto/bcrypt"
)

// KeyAuth accepts requests carrying one of a set of opaque keys. Keys may be
// configured in plain text or as bcrypt hashes.
type KeyAuth struct {
	role   string
	plain  [][]byte
	hashed [][]byte
}

// NewKeyAuth creates an authenticator for role (agent, viewer)
func NewKeyAuth(role string, keys []string) *KeyAuth {
	a := &KeyAuth{role: role}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if isBcryptHash(k) {
			a.hashed = append(a.hashed, []byte(k))
		} else {
			a.plain = append(a.plain, []byte(k))
		}
	}
	return a
}

func isBcryptHash(k string) bool {
	return strings.HasPrefix(k, "$2a$") || strings.HasPrefix(k, "$2b$") || strings.HasPrefix(k, "$2y$")
}

// Valid reports whether key is one of the configured keys
func (a *KeyAuth) Valid(key string) bool {
	if key == "" {
		return false
	}
	candidate := []byte(key)
	ok := false
	// every plain key is compared so timing does not reveal which one matched
	for _, k := range a.plain {
		if subtle.ConstantTimeCompare(candidate, k) == 1 {
			ok = true
		}
	}
	if ok {
		return true
	}
	for _, h := range a.hashed {
		if bcrypt.CompareHashAndPassword(h, candidate) == nil {
			return true
		}
	}
	return false
}

// Authenticate validates the request. The key is read from
// "Authorization: Bearer <key>" or, for browser websocket clients that cannot
// set headers, from the "token" query parameter.
func (a *KeyAuth) Authenticate(r *http.Request) bool {
	return a.Valid(requestKey(r))
}

func requestKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// RequireAuth middleware
func (a *KeyAuth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authenticate(r) {
			metrics.HubRejected.WithLabelValues("unauthorized").Inc()
			logger.Warn("Request rejected: invalid key",
				logger.Fields{
					Component: "server",
					Operation: "auth_validate",
					Reason:    "unauthorized",
					Additional: map[string]interface{}{
						"role":        a.role,
						"path":        r.URL.Path,
						"remote_addr": r.RemoteAddr,
					},
				})
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// either accepts a request valid for any of the authenticators
func either(auths ...*KeyAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := requestKey(r)
			for _, a := range auths {
				if a.Valid(key) {
					next.ServeHTTP(w, r)
					return
				}
			}
			metrics.HubRejected.WithLabelValues("unauthorized").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

// getClientIP extracts the client IP. Forwarding headers are honored only
// when the direct peer is a trusted proxy.
func getClientIP(r *http.Request, trusted []*net.IPNet) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if !isTrusted(ip, trusted) {
		return ip
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return ip
}

func isTrusted(ip string, trusted []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range trusted {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
