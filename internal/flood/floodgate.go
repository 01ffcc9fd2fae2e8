// Package flood throttles repeated credential attempts from one client.
package flood

import (
	"sync"
	"time"
)

const (
	// windowDuration is the sliding window attempts are counted in
	windowDuration = 60 * time.Second
	// cleanupInterval is how often idle entries are swept
	cleanupInterval = 10 * time.Minute
	// idleTimeout is how long an entry survives without attempts
	idleTimeout = 10 * time.Minute
)

// Floodgate counts attempts per (scope, key) in a sliding one-minute window.
type Floodgate struct {
	limitPerMinute int
	entries        map[string]*attempts // Key: "scope:key"
	mutex          sync.RWMutex
	now            func() time.Time
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

type attempts struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// New creates a Floodgate admitting limitPerMinute attempts per key.
// A limit of zero or less disables throttling.
func New(limitPerMinute int) *Floodgate {
	fg := &Floodgate{
		limitPerMinute: limitPerMinute,
		entries:        make(map[string]*attempts),
		now:            time.Now,
		stopCleanup:    make(chan struct{}),
	}

	go fg.cleanup()

	return fg
}

// Stop stops the background sweeper. It is safe to call more than once.
func (fg *Floodgate) Stop() {
	fg.stopOnce.Do(func() { close(fg.stopCleanup) })
}

// Allow records an attempt for key within scope (for example "signIn" and a
// client address) and reports whether it is within the limit. Rejected
// attempts are not recorded.
func (fg *Floodgate) Allow(scope, key string) bool {
	if fg.limitPerMinute <= 0 {
		return true
	}

	id := scope + ":" + key

	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	now := fg.now()

	entry, exists := fg.entries[id]
	if !exists {
		entry = &attempts{
			timestamps: make([]time.Time, 0, fg.limitPerMinute+1),
		}
		fg.entries[id] = entry
	}
	entry.lastSeen = now

	windowStart := now.Add(-windowDuration)
	valid := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	entry.timestamps = valid

	if len(entry.timestamps) >= fg.limitPerMinute {
		return false
	}

	entry.timestamps = append(entry.timestamps, now)
	return true
}

// Reset forgets every attempt recorded for key within scope, typically after a
// successful sign-in.
func (fg *Floodgate) Reset(scope, key string) {
	fg.mutex.Lock()
	delete(fg.entries, scope+":"+key)
	fg.mutex.Unlock()
}

func (fg *Floodgate) cleanup() {
	fg.performCleanup()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fg.performCleanup()
		case <-fg.stopCleanup:
			return
		}
	}
}

func (fg *Floodgate) performCleanup() {
	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	cutoff := fg.now().Add(-idleTimeout)
	for id, entry := range fg.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(fg.entries, id)
		}
	}
}

// GetStats reports the tracked key count and configured limit.
func (fg *Floodgate) GetStats() Stats {
	fg.mutex.RLock()
	defer fg.mutex.RUnlock()

	return Stats{
		ActiveKeys:     len(fg.entries),
		LimitPerMinute: fg.limitPerMinute,
		WindowSeconds:  int(windowDuration.Seconds()),
	}
}

// Stats contains floodgate statistics
type Stats struct {
	ActiveKeys     int `json:"active_keys"`
	LimitPerMinute int `json:"limit_per_minute"`
	WindowSeconds  int `json:"window_seconds"`
}
