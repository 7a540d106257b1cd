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

// Package lifecycle ties process shutdown to signals and session deadlines.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/logger"
)

// SetupSignalHandler returns a context cancelled on the first SIGINT or
// SIGTERM. A second signal exits immediately.
func SetupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received",
				logger.Fields{
					Component: "lifecycle",
					Operation: "signal_handler",
					Additional: map[string]interface{}{
						"signal": sig.String(),
					},
				})
			cancel()
		case <-ctx.Done():
			signal.Stop(sigChan)
			return
		}
		<-sigChan
		logger.Warn("Second signal received, exiting",
			logger.Fields{Component: "lifecycle", Operation: "signal_handler"})
		os.Exit(1)
	}()

	return ctx, cancel
}

// WithSessionDeadline cancels the returned context once the session duration
// has elapsed. A zero duration means the session runs until cancelled.
func WithSessionDeadline(parent context.Context, sessionID string, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	ctx, cancel := context.WithCancel(parent)
	timer := time.AfterFunc(d, func() {
		logger.Info("Session duration elapsed, ending session",
			logger.Fields{
				Component: "lifecycle",
				Operation: "session_deadline",
				SessionID: sessionID,
				Duration:  d.String(),
			})
		cancel()
	})
	return ctx, func() {
		timer.Stop()
		cancel()
	}
}

// WaitForShutdown waits for ctx to end, then for wg, at most timeout (zero
// waits forever), and finally runs cleanup. It reports whether every
// goroutine finished in time.
func WaitForShutdown(ctx context.Context, wg *sync.WaitGroup, timeout time.Duration, cleanup func()) bool {
	<-ctx.Done()
	logger.Info("Waiting for goroutines to finish",
		logger.Fields{
			Component: "lifecycle",
			Operation: "shutdown_wait",
		})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	clean := true
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			clean = false
			logger.Warn("Shutdown timed out, some goroutines still running",
				logger.Fields{Component: "lifecycle", Operation: "shutdown_wait", Duration: timeout.String()})
		}
	} else {
		<-done
	}

	if cleanup != nil {
		cleanup()
	}
	logger.Info("Shutdown complete",
		logger.Fields{
			Component: "lifecycle",
			Operation: "shutdown_complete",
		})
	return clean
}
