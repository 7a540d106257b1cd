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

// Package detection runs the (slow) detector beside the capture loop and keeps
// its latest result in a single-slot cache the loop can read every cycle.
package detection

import (
	"sync/atomic"

	"github.com/kube-zen/zen-proctor/pkg/types"
)

// Cache holds the latest detection snapshot. Store replaces the whole snapshot
// atomically, so a reader sees either the previous or the new value, never a mix.
// Snapshots must not be modified after Store.
type Cache struct {
	slot atomic.Pointer[types.DetectionSnapshot]
}

// NewCache returns an empty cache
func NewCache() *Cache {
	return &Cache{}
}

// Load returns the current snapshot, or nil before the first successful detection
func (c *Cache) Load() *types.DetectionSnapshot {
	return c.slot.Load()
}

// Store publishes s
func (c *Cache) Store(s *types.DetectionSnapshot) {
	c.slot.Store(s)
}

// Rescale maps bounding boxes computed at from onto to. Detections without a
// box are copied unchanged. The input slice is not modified.
func Rescale(dets []types.Detection, from, to types.Resolution) []types.Detection {
	out := make([]types.Detection, len(dets))
	copy(out, dets)
	if from.IsZero() || to.IsZero() || from == to {
		for i := range out {
			if out[i].Box != nil {
				b := *out[i].Box
				out[i].Box = &b
			}
		}
		return out
	}
	sx := float64(to.Width) / float64(from.Width)
	sy := float64(to.Height) / float64(from.Height)
	for i := range out {
		if out[i].Box == nil {
			continue
		}
		b := *out[i].Box
		out[i].Box = &types.Box{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
	}
	return out
}
