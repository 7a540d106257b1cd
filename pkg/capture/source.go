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

// Package capture provides the frame sources: the primary display and the webcam.
// Backends are registered by kind and chosen from configuration.
package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/config"
	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// Source yields the most recent frame of one device.
// Capture must not return a frame older than one already returned.
type Source interface {
	Kind() types.SourceKind
	Capture(ctx context.Context) (*types.Frame, error)
	// Close releases the device. It is safe to call more than once.
	Close() error
}

// Opener opens a source from its configuration
type Opener func(cfg config.SourceConfig) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = map[types.SourceKind]Opener{
		types.SourceScreen: openScreen,
		types.SourceWebcam: openWebcam,
	}
)

// Register replaces the opener for kind. Tests use it to install synthetic sources.
func Register(kind types.SourceKind, opener Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = opener
}

// Open opens the source of the given kind.
// Failures are DEVICE_UNAVAILABLE errors.
func Open(kind types.SourceKind, cfg config.SourceConfig) (Source, error) {
	registryMu.RLock()
	opener, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, proctorerrors.NewDeviceUnavailable(string(kind), "UNKNOWN_SOURCE",
			fmt.Sprintf("no capture backend for %q", kind), nil)
	}
	return opener(cfg)
}

// grabResult is what a blocking device read hands back
type grabResult struct {
	img image.Image
	err error
}

// captureWithTimeout runs grab on its own goroutine and gives up after timeout.
// A grab that finishes late is discarded; the channel is buffered so it never leaks.
func captureWithTimeout(ctx context.Context, kind types.SourceKind, timeout time.Duration, grab func() (image.Image, error)) (image.Image, error) {
	done := make(chan grabResult, 1)
	go func() {
		img, err := grab()
		done <- grabResult{img: img, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.img, res.err
	case <-timer.C:
		return nil, proctorerrors.NewCaptureTimeout(string(kind), "READ_TIMEOUT",
			fmt.Sprintf("device read exceeded %s", timeout), nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// seqCounter hands out per-source frame sequence numbers
type seqCounter struct {
	mu  sync.Mutex
	seq uint64
}

func (s *seqCounter) next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func newFrame(kind types.SourceKind, seq uint64, img image.Image) *types.Frame {
	b := img.Bounds()
	return &types.Frame{
		Seq:        seq,
		Source:     kind,
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: time.Now(),
	}
}
