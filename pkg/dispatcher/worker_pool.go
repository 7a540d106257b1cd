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

// Package dispatcher runs background work items on a bounded pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkerPoolQueueDepth tracks the current depth of the work queue
	WorkerPoolQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zen_proctor_worker_pool_queue_depth",
			Help: "Current number of items in the worker pool queue",
		},
	)

	// WorkerPoolWorkersActive tracks the number of active workers
	WorkerPoolWorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zen_proctor_worker_pool_workers_active",
			Help: "Current number of active workers processing items",
		},
	)

	// WorkerPoolWorkProcessed tracks the total number of work items processed
	WorkerPoolWorkProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_proctor_worker_pool_work_processed_total",
			Help: "Total number of work items processed by the worker pool",
		},
		[]string{"status"}, // success, error
	)

	// WorkerPoolWorkDuration tracks the duration of work processing
	WorkerPoolWorkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zen_proctor_worker_pool_work_duration_seconds",
			Help:    "Duration of work item processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// ErrQueueFull is returned by Enqueue when the pool cannot take more work
var ErrQueueFull = fmt.Errorf("work queue full")

// WorkItem represents a unit of work for the worker pool
type WorkItem interface {
	Process(ctx context.Context) error
}

// WorkFunc adapts a function to WorkItem
type WorkFunc func(ctx context.Context) error

// Process calls f(ctx)
func (f WorkFunc) Process(ctx context.Context) error { return f(ctx) }

// WorkerPool manages a pool of concurrent workers for processing work items
type WorkerPool struct {
	name          string
	workers       int
	workQueue     chan WorkItem
	maxQueueSize  int
	itemTimeout   time.Duration
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	activeWorkers int64 // atomic
	startOnce     sync.Once
	stopOnce      sync.Once
	closed        atomic.Bool
	sendMu        sync.RWMutex // guards workQueue against close during send
}

// NewWorkerPool creates a new worker pool. Call Start before enqueueing.
func NewWorkerPool(name string, workerCount int, maxQueueSize int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 2
	}
	if maxQueueSize <= 0 {
		maxQueueSize = workerCount * 2 // Default: 2x worker count
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		name:         name,
		workers:      workerCount,
		workQueue:    make(chan WorkItem, maxQueueSize),
		maxQueueSize: maxQueueSize,
		itemTimeout:  time.Minute,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetItemTimeout bounds each Process call
func (wp *WorkerPool) SetItemTimeout(d time.Duration) {
	if d > 0 {
		wp.itemTimeout = d
	}
}

// Start starts all workers in the pool
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		for i := 0; i < wp.workers; i++ {
			wp.wg.Add(1)
			go wp.worker(i)
		}
	})
}

// Stop lets the workers finish queued items and waits for them. Items that
// are still running when ctx expires are cancelled.
func (wp *WorkerPool) Stop(ctx context.Context) {
	wp.stopOnce.Do(func() {
		wp.sendMu.Lock()
		wp.closed.Store(true)
		close(wp.workQueue)
		wp.sendMu.Unlock()

		done := make(chan struct{})
		go func() {
			wp.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			wp.cancel()
			<-done
		}
		wp.cancel()
	})
}

// Enqueue adds a work item to the queue. It never blocks and returns
// ErrQueueFull when the queue is at capacity.
func (wp *WorkerPool) Enqueue(work WorkItem) error {
	wp.sendMu.RLock()
	defer wp.sendMu.RUnlock()
	if wp.closed.Load() {
		return fmt.Errorf("worker pool %s stopped", wp.name)
	}
	select {
	case wp.workQueue <- work:
		WorkerPoolQueueDepth.Inc()
		return nil
	default:
		return fmt.Errorf("%w (max: %d)", ErrQueueFull, wp.maxQueueSize)
	}
}

// QueueSize returns the current queue size
func (wp *WorkerPool) QueueSize() int {
	return len(wp.workQueue)
}

// ActiveWorkers returns the number of currently active workers
func (wp *WorkerPool) ActiveWorkers() int {
	return int(atomic.LoadInt64(&wp.activeWorkers))
}

// worker is the main worker loop
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for work := range wp.workQueue {
		WorkerPoolQueueDepth.Dec()
		atomic.AddInt64(&wp.activeWorkers, 1)
		WorkerPoolWorkersActive.Inc()

		startTime := time.Now()
		err := wp.processWork(work)

		duration := time.Since(startTime)
		status := "success"
		if err != nil {
			status = "error"
		}
		WorkerPoolWorkProcessed.WithLabelValues(status).Inc()
		WorkerPoolWorkDuration.WithLabelValues(status).Observe(duration.Seconds())

		atomic.AddInt64(&wp.activeWorkers, -1)
		WorkerPoolWorkersActive.Dec()

		if err != nil {
			logger.Warn("Work item processing failed",
				logger.Fields{
					Component: "dispatcher",
					Operation: "worker_process",
					Error:     err,
					Duration:  duration.String(),
					Additional: map[string]interface{}{
						"pool":      wp.name,
						"worker_id": id,
					},
				})
		}
	}
}

// processWork processes a single work item
func (wp *WorkerPool) processWork(work WorkItem) error {
	if work == nil {
		return fmt.Errorf("work item is nil")
	}

	ctx, cancel := context.WithTimeout(wp.ctx, wp.itemTimeout)
	defer cancel()

	return work.Process(ctx)
}
