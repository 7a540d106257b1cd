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

package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_ProcessesEverything(t *testing.T) {
	wp := NewWorkerPool("test", 3, 50)
	wp.Start()

	var n atomic.Int64
	for i := 0; i < 40; i++ {
		if err := wp.Enqueue(WorkFunc(func(ctx context.Context) error {
			n.Add(1)
			return nil
		})); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	wp.Stop(context.Background())

	if got := n.Load(); got != 40 {
		t.Errorf("processed %d items, want 40", got)
	}
}

func TestWorkerPool_EnqueueNeverBlocks(t *testing.T) {
	wp := NewWorkerPool("test", 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	wp.Start()
	defer func() {
		close(release)
		wp.Stop(context.Background())
	}()

	var once sync.Once
	block := WorkFunc(func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	if err := wp.Enqueue(block); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := wp.Enqueue(block); err != nil {
		t.Fatalf("second item should fit the queue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- wp.Enqueue(block) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Errorf("expected ErrQueueFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestWorkerPool_StopCancelsSlowItems(t *testing.T) {
	wp := NewWorkerPool("test", 1, 1)
	wp.Start()

	cancelled := make(chan struct{})
	_ = wp.Enqueue(WorkFunc(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	wp.Stop(ctx)

	select {
	case <-cancelled:
	default:
		t.Fatal("running item was not cancelled by Stop")
	}
	if err := wp.Enqueue(WorkFunc(func(context.Context) error { return nil })); err == nil {
		t.Error("Enqueue after Stop should fail")
	}
}
