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

// Package server is the HTTP and WebSocket surface of the broadcast hub.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/hub"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps the HTTP server and handlers
type Server struct {
	cfg    config.HubConfig
	hub    *hub.Hub
	server *http.Server
	router *chi.Mux
	ready  atomic.Bool

	agentAuth      *KeyAuth
	viewerAuth     *KeyAuth
	httpLimiter    *PerKeyRateLimiter
	sessionLimiter *PerKeyRateLimiter
	upgrader       websocket.Upgrader

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

// NewServer creates the hub server for a validated configuration
func NewServer(cfg config.HubConfig, h *hub.Hub) (*Server, error) {
	trusted, err := cfg.TrustedProxyNets()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:            cfg,
		hub:            h,
		agentAuth:      NewKeyAuth("agent", cfg.AgentKeys),
		viewerAuth:     NewKeyAuth("viewer", cfg.ViewerKeys),
		httpLimiter:    NewPerKeyRateLimiter(cfg.HTTPRateLimit, cfg.HTTPRateBurst, trusted),
		sessionLimiter: NewPerKeyRateLimiter(cfg.SessionMessageRate, cfg.SessionMessageBurst, nil),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Keys, not cookies, authenticate connections, so any origin may connect
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// routes registers all HTTP handlers
func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.httpLimiter.Middleware)

		r.With(s.agentAuth.RequireAuth).Get("/ws/agent/{sessionID}", s.handleAgent)
		r.With(s.viewerAuth.RequireAuth).Get("/ws/view/{sessionID}", s.handleViewer)

		r.With(either(s.agentAuth, s.viewerAuth)).Get("/api/v1/auth/check", s.handleAuthCheck)
		r.Route("/api/v1/sessions", func(r chi.Router) {
			r.Use(s.viewerAuth.RequireAuth)
			r.Get("/", s.handleSessions)
			r.Get("/{sessionID}/alerts", s.handleAlerts)
		})
	})
	return r
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine and shuts it down when ctx ends
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		logger.Info("HTTP server starting",
			logger.Fields{
				Component: "server",
				Operation: "start",
				Additional: map[string]interface{}{
					"addr": s.server.Addr,
				},
			})
		s.SetReady(true)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.SetReady(false)
			logger.Error("HTTP server error",
				logger.Fields{Component: "server", Operation: "serve", Error: err})
		}
	}()

	go func() {
		defer wg.Done()
		s.maintain(ctx)
		s.shutdown()
	}()
}

// maintain forgets idle sessions until ctx ends
func (s *Server) maintain(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.hub.Prune(10 * s.cfg.HeartbeatTimeout); n > 0 {
				logger.Debug("Pruned idle sessions",
					logger.Fields{Component: "server", Operation: "prune", Count: n})
			}
		}
	}
}

func (s *Server) shutdown() {
	logger.Info("Shutting down HTTP server",
		logger.Fields{Component: "server", Operation: "shutdown"})
	s.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error",
			logger.Fields{Component: "server", Operation: "shutdown", Error: err})
	}
	s.Close()
	logger.Info("HTTP server shut down gracefully",
		logger.Fields{Component: "server", Operation: "shutdown"})
}

// Close closes every websocket connection and stops the limiters. Hijacked
// connections are not closed by http.Server.Shutdown.
func (s *Server) Close() {
	s.connMu.Lock()
	for c := range s.conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
	s.connMu.Unlock()
	s.httpLimiter.Stop()
	s.sessionLimiter.Stop()
}

// SetReady sets the readiness status
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) track(c *websocket.Conn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(c *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}
