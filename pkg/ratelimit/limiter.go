// Package ratelimit provides a process-local sliding-window request budget.
//
// Counts live in memory and are only consistent within one process. Multiple
// replicas each enforce their own budget.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most max calls per key within any trailing window.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	now     func() time.Time
	entries map[string][]time.Time
	calls   int
}

// New returns a Limiter. A non-positive max disables limiting.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		window:  window,
		max:     max,
		now:     time.Now,
		entries: map[string][]time.Time{},
	}
}

// CanMakeRequest records a call for key and returns true, or returns false
// without recording when the window is already full.
func (l *Limiter) CanMakeRequest(key string) bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps := l.prune(key, now)
	if len(stamps) >= l.max {
		return false
	}
	l.entries[key] = append(stamps, now)

	l.calls++
	if l.calls%1024 == 0 {
		l.sweep(now)
	}
	return true
}

// TimeUntilReset returns how long until key regains at least one slot.
// It is zero when a call would be allowed now.
func (l *Limiter) TimeUntilReset(key string) time.Duration {
	if l == nil || l.max <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps := l.prune(key, now)
	if len(stamps) < l.max {
		return 0
	}
	// the oldest stamp that must expire to free one slot
	wait := stamps[len(stamps)-l.max].Add(l.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// prune drops stamps outside the window. Caller holds mu.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	stamps := l.entries[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == len(stamps) {
		delete(l.entries, key)
		return nil
	}
	if i > 0 {
		stamps = append(stamps[:0:0], stamps[i:]...)
		l.entries[key] = stamps
	}
	return stamps
}

// sweep removes idle keys. Caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	for key := range l.entries {
		l.prune(key, now)
	}
}
