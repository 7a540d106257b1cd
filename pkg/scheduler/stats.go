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

package scheduler

import (
	"time"
)

// Stats summarizes one stats window of a capture loop
type Stats struct {
	Source          string
	Window          time.Duration
	FramesSent      int
	Skipped         int
	TargetFPS       float64
	AchievedFPS     float64
	AvgPayloadBytes int
	AvgCycle        time.Duration
	Degraded        bool
}

// windowTracker accumulates per-cycle measurements until the window closes.
// It is owned by the capture loop goroutine.
type windowTracker struct {
	source    string
	targetFPS float64
	window    time.Duration

	start        time.Time
	sent         int
	skipped      int
	payloadBytes int64
	cycleTotal   time.Duration
	cycles       int
}

func newWindowTracker(source string, targetFPS float64, window time.Duration, now time.Time) *windowTracker {
	return &windowTracker{source: source, targetFPS: targetFPS, window: window, start: now}
}

func (w *windowTracker) recordSent(payloadBytes int) {
	w.sent++
	w.payloadBytes += int64(payloadBytes)
}

func (w *windowTracker) recordSkipped() {
	w.skipped++
}

func (w *windowTracker) recordCycle(d time.Duration) {
	w.cycles++
	w.cycleTotal += d
}

// roll returns the stats of the window once it has elapsed and starts a new one
func (w *windowTracker) roll(now time.Time) (Stats, bool) {
	elapsed := now.Sub(w.start)
	if elapsed < w.window || elapsed <= 0 {
		return Stats{}, false
	}

	s := Stats{
		Source:      w.source,
		Window:      elapsed,
		FramesSent:  w.sent,
		Skipped:     w.skipped,
		TargetFPS:   w.targetFPS,
		AchievedFPS: float64(w.sent) / elapsed.Seconds(),
	}
	if w.sent > 0 {
		s.AvgPayloadBytes = int(w.payloadBytes / int64(w.sent))
	}
	if w.cycles > 0 {
		s.AvgCycle = w.cycleTotal / time.Duration(w.cycles)
	}
	s.Degraded = s.AchievedFPS < w.targetFPS/2

	*w = windowTracker{source: w.source, targetFPS: w.targetFPS, window: w.window, start: now}
	return s, true
}
