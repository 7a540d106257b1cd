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

package transport

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// Loss reasons
const (
	ReasonEvicted     = "evicted"
	ReasonMaxAttempts = "max_attempts"
	ReasonExpired     = "expired"
	ReasonSuperseded  = "superseded"
	ReasonShutdown    = "shutdown"
	ReasonSendFailed  = "send_failed"
	ReasonAuth        = "authentication"
)

// Entry is one marshaled message waiting for delivery
type Entry struct {
	Kind        types.MessageType
	EventID     string // set for event messages
	Data        []byte
	EnqueuedAt  time.Time
	Attempts    int
	NextRetryAt time.Time

	backoff *backoff.ExponentialBackOff
}

// Queue is a bounded FIFO that never blocks producers. When full, the oldest
// non-heartbeat entry is evicted. At most one heartbeat is held; a newer one
// replaces it.
type Queue struct {
	mu       sync.Mutex
	items    []*Entry
	capacity int
	notify   chan struct{}
}

// NewQueue creates a queue holding at most capacity entries (minimum 1)
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:    make([]*Entry, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends e and returns the entries it displaced, with the reason for each
func (q *Queue) Push(e *Entry) (dropped []*Entry, reasons []string) {
	q.mu.Lock()
	if e.Kind == types.MessageHeartbeat {
		if i := q.indexOf(types.MessageHeartbeat); i >= 0 {
			dropped = append(dropped, q.removeAt(i))
			reasons = append(reasons, ReasonSuperseded)
		}
	}
	if len(q.items) >= q.capacity {
		i := q.oldestNonHeartbeat()
		if i < 0 {
			i = 0
		}
		dropped = append(dropped, q.removeAt(i))
		reasons = append(reasons, ReasonEvicted)
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	q.signal()
	return dropped, reasons
}

// PushFront puts a retried entry back at the head. When the queue filled up
// meanwhile the entry is the oldest one, so it is returned as evicted instead.
func (q *Queue) PushFront(e *Entry) (evicted bool) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return true
	}
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = e
	q.mu.Unlock()

	q.signal()
	return false
}

// Pop removes and returns the head, or nil when empty
func (q *Queue) Pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.removeAt(0)
}

// Drain removes and returns everything
func (q *Queue) Drain() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = make([]*Entry, 0, q.capacity)
	return out
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signalled after every push
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) indexOf(kind types.MessageType) int {
	for i, it := range q.items {
		if it.Kind == kind {
			return i
		}
	}
	return -1
}

func (q *Queue) oldestNonHeartbeat() int {
	for i, it := range q.items {
		if it.Kind != types.MessageHeartbeat {
			return i
		}
	}
	return -1
}

func (q *Queue) removeAt(i int) *Entry {
	e := q.items[i]
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return e
}
