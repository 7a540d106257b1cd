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

package detection

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// Detector classifies an image. Implementations should honour ctx, but the
// runner copes with ones that do not.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
}

// Runner submits every Nth frame to the detector on its own goroutine and
// publishes successful results to the cache. At most one call is tracked at a
// time: a call still running when the next one is due is abandoned.
type Runner struct {
	source   types.SourceKind
	detector Detector
	cache    *Cache
	interval uint64
	timeout  time.Duration

	mu       sync.Mutex
	gen      uint64             // generation of the tracked call
	inflight context.CancelFunc // nil when no call is tracked
	closed   bool

	failures atomic.Uint64
}

// NewRunner creates a runner. interval 0 or a nil detector disables detection;
// the cache then stays empty.
func NewRunner(source types.SourceKind, detector Detector, cache *Cache, interval int, timeout time.Duration) *Runner {
	if interval < 0 {
		interval = 0
	}
	return &Runner{
		source:   source,
		detector: detector,
		cache:    cache,
		interval: uint64(interval),
		timeout:  timeout,
	}
}

// Cache returns the cache the runner publishes to
func (r *Runner) Cache() *Cache { return r.cache }

// Enabled reports whether the runner will ever call the detector
func (r *Runner) Enabled() bool {
	return r.detector != nil && r.interval > 0
}

// Due reports whether cycle index should submit a frame
func (r *Runner) Due(index uint64) bool {
	return r.Enabled() && index%r.interval == 0
}

// Failures returns the number of failed, timed out or abandoned calls
func (r *Runner) Failures() uint64 {
	return r.failures.Load()
}

// Tick is called once per capture cycle. When the cycle is due it calls input
// to obtain the image to classify (the caller hands over ownership) and starts
// the detector call. It never blocks on the detector.
func (r *Runner) Tick(ctx context.Context, index uint64, input func() image.Image) bool {
	if !r.Due(index) {
		return false
	}
	img := input()
	if img == nil {
		return false
	}
	res := types.Resolution{Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if r.inflight != nil {
		r.inflight()
		r.inflight = nil
		r.recordFailure("abandoned", nil)
	}
	r.gen++
	gen := r.gen
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	r.inflight = cancel
	r.mu.Unlock()

	go r.run(callCtx, cancel, gen, index, res, img)
	return true
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, gen, index uint64, res types.Resolution, img image.Image) {
	defer cancel()

	start := time.Now()
	dets, err := r.detector.Detect(ctx, img)
	elapsed := time.Since(start)
	if err == nil && ctx.Err() != nil {
		// a result that arrived after the deadline is still a timeout
		err = ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.inflight == nil {
		// abandoned (already counted) or runner closed
		return
	}
	r.inflight = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return // shutdown
		}
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		r.recordFailure(reason, err)
		return
	}

	metrics.DetectionDuration.WithLabelValues(string(r.source)).Observe(elapsed.Seconds())
	r.cache.Store(&types.DetectionSnapshot{
		Detections: dets,
		FrameIndex: index,
		Resolution: res,
		UpdatedAt:  time.Now(),
	})
}

// recordFailure must be called with r.mu held
func (r *Runner) recordFailure(reason string, err error) {
	r.failures.Add(1)
	metrics.DetectionFailures.WithLabelValues(string(r.source), reason).Inc()
	if err == nil {
		err = proctorerrors.NewDetectionFailure(string(r.source), "CALL_ABANDONED", "detector call still running when the next one was due", nil)
	} else if _, ok := proctorerrors.CategoryOf(err); !ok {
		err = proctorerrors.NewDetectionFailure(string(r.source), "CALL_FAILED", "detector call failed", err)
	}
	logger.Warn("Detection failed, keeping previous result",
		logger.Fields{
			Component: "detection",
			Operation: "detect",
			Source:    string(r.source),
			Reason:    reason,
			Error:     err,
		})
}

// Close cancels any tracked call and stops accepting new ones. It does not wait
// for a detector that ignores cancellation.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.inflight != nil {
		r.inflight()
		r.inflight = nil
	}
	r.gen++
}
