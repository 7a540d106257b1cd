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

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWithSessionDeadline(t *testing.T) {
	ctx, cancel := WithSessionDeadline(context.Background(), "s1", 50*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("session context not cancelled after its duration")
	}
}

func TestWithSessionDeadline_ZeroRunsUntilCancelled(t *testing.T) {
	ctx, cancel := WithSessionDeadline(context.Background(), "s1", 0)

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled without a deadline")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	if ctx.Err() == nil {
		t.Fatal("cancel did not end the context")
	}
}

func TestWaitForShutdown(t *testing.T) {
	tests := []struct {
		name    string
		work    time.Duration
		timeout time.Duration
		want    bool
	}{
		{name: "finishes in time", work: 10 * time.Millisecond, timeout: time.Second, want: true},
		{name: "times out", work: time.Second, timeout: 30 * time.Millisecond, want: false},
		{name: "no timeout", work: 10 * time.Millisecond, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(tt.work)
			}()

			cleaned := false
			got := WaitForShutdown(ctx, &wg, tt.timeout, func() { cleaned = true })
			if got != tt.want {
				t.Errorf("WaitForShutdown = %v, want %v", got, tt.want)
			}
			if !cleaned {
				t.Error("cleanup not run")
			}
		})
	}
}
