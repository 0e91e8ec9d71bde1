package ipc

import (
	"sync"
	"time"
)

// RateLimiter caps connection attempts per UID over a sliding window.
// In-memory only, the control socket is local.
type RateLimiter struct {
	max    int
	window time.Duration

	mu     sync.Mutex
	recent map[uint32][]time.Time
}

// NewRateLimiter allows max attempts per UID within each window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:    max,
		window: window,
		recent: make(map[uint32][]time.Time),
	}
}

// Allow reports whether uid may connect now, recording the attempt when
// it may. Rejected attempts are not recorded, so hammering the socket
// does not extend the lockout.
func (r *RateLimiter) Allow(uid uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	recent := r.trim(uid, now)
	if len(recent) >= r.max {
		return false
	}
	r.recent[uid] = append(recent, now)
	return true
}

// trim drops attempts that aged out of the window. Timestamps are
// appended in order, so expired ones form a prefix.
func (r *RateLimiter) trim(uid uint32, now time.Time) []time.Time {
	recent := r.recent[uid]
	cutoff := now.Add(-r.window)

	i := 0
	for i < len(recent) && !recent[i].After(cutoff) {
		i++
	}
	recent = recent[i:]

	if len(recent) == 0 {
		delete(r.recent, uid)
		return nil
	}
	r.recent[uid] = recent
	return recent
}
