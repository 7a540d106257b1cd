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
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"golang.org/x/time/rate"
)

// limiterEntry holds a rate limiter and its last-seen timestamp
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PerKeyRateLimiter keeps one token bucket per key (client IP or session)
type PerKeyRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int

	trustedProxyCIDRs []*net.IPNet
	cleanupInterval   time.Duration
	entryTTL          time.Duration
	stopCh            chan struct{}
	stopOnce          sync.Once
}

// NewPerKeyRateLimiter creates a limiter allowing perSecond events per key
// with the given burst, and starts its cleanup loop.
func NewPerKeyRateLimiter(perSecond float64, burst int, trustedProxyCIDRs []*net.IPNet) *PerKeyRateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &PerKeyRateLimiter{
		limiters:          make(map[string]*limiterEntry),
		limit:             rate.Limit(perSecond),
		burst:             burst,
		trustedProxyCIDRs: trustedProxyCIDRs,
		cleanupInterval:   10 * time.Minute,
		entryTTL:          time.Hour,
		stopCh:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow checks if an event for key should be allowed
func (rl *PerKeyRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Forget drops the bucket of key
func (rl *PerKeyRateLimiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.limiters, key)
	rl.mu.Unlock()
}

// Len returns the number of tracked keys
func (rl *PerKeyRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// cleanup removes entries that haven't been used within the TTL
func (rl *PerKeyRateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			if removed := rl.purge(time.Now()); removed > 0 {
				logger.Debug("Rate limiter cleanup completed",
					logger.Fields{Component: "server", Operation: "rate_limit_cleanup", Count: removed})
			}
		}
	}
}

func (rl *PerKeyRateLimiter) purge(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rl.entryTTL {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Stop stops the cleanup loop. Safe to call twice.
func (rl *PerKeyRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware rate limits requests by client IP
func (rl *PerKeyRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := getClientIP(r, rl.trustedProxyCIDRs)
		if !rl.Allow(key) {
			metrics.HubRejected.WithLabelValues("rate_limited").Inc()
			logger.Warn("Rate limit exceeded",
				logger.Fields{
					Component: "server",
					Operation: "rate_limit",
					Reason:    "rate_limit_exceeded",
					Additional: map[string]interface{}{
						"client_ip": key,
						"path":      r.URL.Path,
					},
				})
			retryAfter := 1
			if rl.limit > 0 {
				retryAfter = int(1/float64(rl.limit)) + 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
