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

package dedup

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// DedupKey identifies an event for idempotent creation
type DedupKey struct {
	SessionID   string
	Source      string
	Observation string // observation key, hashed when long
	Bucket      int64  // timestamp bucket
}

// String returns a string representation of the dedup key
func (k DedupKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%d", k.SessionID, k.Source, k.Observation, k.Bucket)
}

// entry represents a cache entry with timestamp
type entry struct {
	key       string
	timestamp time.Time
}

// Deduper is a trailing-window duplicate filter with LRU eviction.
// Entries older than the window are purged by a background loop.
type Deduper struct {
	mu sync.Mutex

	cache   map[string]*entry // key -> entry
	lruList []string          // LRU list (most recent at end)
	maxSize int
	window  time.Duration
	now     func() time.Time

	// Cleanup control
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDeduper creates a deduper and starts its cleanup loop. Call Stop when done.
func NewDeduper(window time.Duration, maxSize int) *Deduper {
	if window <= 0 {
		window = 60 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 10000
	}

	deduper := &Deduper{
		cache:   make(map[string]*entry),
		lruList: make([]string, 0, maxSize),
		maxSize: maxSize,
		window:  window,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	deduper.wg.Add(1)
	go deduper.cleanupLoop()

	return deduper
}

// SetClock replaces the time source, for tests
func (d *Deduper) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// HashMessage creates a short hash of a long key component
func HashMessage(message string) string {
	hash := sha256.Sum256([]byte(message))
	return fmt.Sprintf("%x", hash[:8])
}

// Bucket returns the timestamp bucket of t for the given bucket size
func Bucket(t time.Time, size time.Duration) int64 {
	if size <= 0 {
		return t.Unix()
	}
	return t.UnixNano() / int64(size)
}

// ShouldCreate returns true the first time key is seen within the window and
// records it; later calls inside the window return false.
func (d *Deduper) ShouldCreate(key DedupKey) bool {
	keyStr := key.String()

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()

	if ent, exists := d.cache[keyStr]; exists {
		if now.Sub(ent.timestamp) < d.window {
			d.updateLRUUnlocked(keyStr)
			return false
		}
		delete(d.cache, keyStr)
		d.removeFromLRUUnlocked(keyStr)
	}

	d.addToCacheUnlocked(keyStr, now)
	return true
}

// addToCacheUnlocked adds a new entry to cache with LRU eviction if needed (caller must hold lock)
func (d *Deduper) addToCacheUnlocked(keyStr string, timestamp time.Time) {
	if len(d.cache) >= d.maxSize && len(d.lruList) > 0 {
		oldest := d.lruList[0]
		delete(d.cache, oldest)
		d.lruList = d.lruList[1:]
	}

	d.cache[keyStr] = &entry{
		key:       keyStr,
		timestamp: timestamp,
	}
	d.lruList = append(d.lruList, keyStr)
}

// updateLRUUnlocked moves key to end of LRU list (caller must hold lock)
func (d *Deduper) updateLRUUnlocked(keyStr string) {
	d.removeFromLRUUnlocked(keyStr)
	d.lruList = append(d.lruList, keyStr)
}

// removeFromLRUUnlocked removes key from LRU list (caller must hold lock)
func (d *Deduper) removeFromLRUUnlocked(keyStr string) {
	for i, k := range d.lruList {
		if k == keyStr {
			d.lruList = append(d.lruList[:i], d.lruList[i+1:]...)
			return
		}
	}
}

// purgeExpiredUnlocked drops entries older than the window (caller must hold lock)
func (d *Deduper) purgeExpiredUnlocked(now time.Time) int {
	kept := d.lruList[:0]
	purged := 0
	for _, k := range d.lruList {
		if ent, ok := d.cache[k]; ok && now.Sub(ent.timestamp) >= d.window {
			delete(d.cache, k)
			purged++
			continue
		}
		kept = append(kept, k)
	}
	d.lruList = kept
	return purged
}

// cleanupLoop runs periodic cleanup in background
func (d *Deduper) cleanupLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.window)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			d.purgeExpiredUnlocked(d.now())
			d.mu.Unlock()
		}
	}
}

// Stop stops the cleanup goroutine and waits for it to finish. Safe to call twice.
func (d *Deduper) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Stats returns current cache statistics
func (d *Deduper) Stats() (size int, maxSize int, window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache), d.maxSize, d.window
}

// Clear drops every entry
func (d *Deduper) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]*entry)
	d.lruList = d.lruList[:0]
}
