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

package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is the host load reported alongside degraded-performance signals
type SystemSnapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	HeapAlloc     uint64
	Goroutines    int
}

// SystemMetrics samples host CPU and memory. CPU usage is computed from the
// delta between consecutive samples so calls are cheap.
type SystemMetrics struct {
	mu            sync.Mutex
	lastCPUStats  *cpu.TimesStat
	lastCheckTime time.Time
}

// NewSystemMetrics creates a new system metrics tracker
func NewSystemMetrics() *SystemMetrics {
	sm := &SystemMetrics{}
	// Prime the CPU baseline so the first real sample has a delta.
	sm.CPUPercent(context.Background())
	return sm
}

// CPUPercent returns host CPU usage since the previous call
func (sm *SystemMetrics) CPUPercent(ctx context.Context) float64 {
	current, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(current) == 0 {
		return 0.0
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	prev := sm.lastCPUStats
	sm.lastCPUStats = &current[0]
	sm.lastCheckTime = now
	if prev == nil {
		return 0.0
	}

	totalBefore := prev.User + prev.System + prev.Idle + prev.Nice + prev.Iowait + prev.Irq + prev.Softirq + prev.Steal
	totalCurrent := current[0].User + current[0].System + current[0].Idle + current[0].Nice +
		current[0].Iowait + current[0].Irq + current[0].Softirq + current[0].Steal
	totalDiff := totalCurrent - totalBefore
	if totalDiff <= 0 {
		return 0.0
	}
	idleDiff := current[0].Idle - prev.Idle
	usage := (1 - idleDiff/totalDiff) * 100
	if usage < 0 {
		usage = 0
	}
	if usage > 100 {
		usage = 100
	}
	return usage
}

// MemoryPercent returns host memory usage
func (sm *SystemMetrics) MemoryPercent(ctx context.Context) float64 {
	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0.0
	}
	return vmStat.UsedPercent
}

// Snapshot samples everything at once
func (sm *SystemMetrics) Snapshot(ctx context.Context) SystemSnapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemSnapshot{
		CPUPercent:    sm.CPUPercent(ctx),
		MemoryPercent: sm.MemoryPercent(ctx),
		HeapAlloc:     m.HeapAlloc,
		Goroutines:    runtime.NumGoroutine(),
	}
}
