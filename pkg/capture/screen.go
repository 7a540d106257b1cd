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

package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/kbinani/screenshot"

	"github.com/kube-zen/zen-proctor/pkg/config"
	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// screenSource captures one display. Each capture grabs the display as it is
// now, so there is no backlog to drain.
type screenSource struct {
	cfg    config.SourceConfig
	bounds image.Rectangle
	seq    seqCounter
	closed atomic.Bool
	once   sync.Once
}

func openScreen(cfg config.SourceConfig) (Source, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceScreen), "NO_DISPLAY",
			"no active display found", nil)
	}
	if cfg.DenyMultipleDisplays && n > 1 {
		return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceScreen), "MULTIPLE_DISPLAYS",
			fmt.Sprintf("%d displays are active; disconnect extra monitors before the session", n), nil)
	}
	if cfg.Display < 0 || cfg.Display >= n {
		return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceScreen), "DISPLAY_OUT_OF_RANGE",
			fmt.Sprintf("display %d requested but only %d active", cfg.Display, n), nil)
	}

	bounds := screenshot.GetDisplayBounds(cfg.Display)
	logger.Info("Screen source opened",
		logger.Fields{
			Component: "capture",
			Operation: "open",
			Source:    string(types.SourceScreen),
			Additional: map[string]interface{}{
				"display":  cfg.Display,
				"displays": n,
				"bounds":   bounds.String(),
			},
		})
	return &screenSource{cfg: cfg, bounds: bounds}, nil
}

func (s *screenSource) Kind() types.SourceKind { return types.SourceScreen }

func (s *screenSource) Capture(ctx context.Context) (*types.Frame, error) {
	if s.closed.Load() {
		return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceScreen), "CLOSED", "source is closed", nil)
	}
	img, err := captureWithTimeout(ctx, types.SourceScreen, s.cfg.CaptureTimeout, func() (image.Image, error) {
		return screenshot.CaptureRect(s.bounds)
	})
	if err != nil {
		if _, ok := proctorerrors.CategoryOf(err); ok || ctx.Err() != nil {
			return nil, err
		}
		return nil, proctorerrors.NewCaptureTimeout(string(types.SourceScreen), "GRAB_FAILED", "screen grab failed", err)
	}
	return newFrame(types.SourceScreen, s.seq.next(), img), nil
}

func (s *screenSource) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		logger.Debug("Screen source closed",
			logger.Fields{Component: "capture", Operation: "close", Source: string(types.SourceScreen)})
	})
	return nil
}
