package ratelimit

import (
	"sync"
	"time"
)

// Limiter bounds how many transcription connections a single user may open
// within a trailing window. Timestamps of recorded connections are pruned
// lazily on every check; a user entry disappears as soon as it is empty.
type Limiter struct {
	mu      sync.Mutex
	byUser  map[string][]time.Time
	maxConn int
	window  time.Duration
	now     func() time.Time
}

func NewLimiter(maxConn int, window time.Duration) *Limiter {
	if maxConn <= 0 {
		maxConn = 3
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Limiter{
		byUser:  make(map[string][]time.Time),
		maxConn: maxConn,
		window:  window,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// CanConnect reports whether the user is under the connection budget after
// pruning timestamps older than the window.
func (l *Limiter) CanConnect(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruned(userID)) < l.maxConn
}

// RecordConnection charges one connection slot to the user.
func (l *Limiter) RecordConnection(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byUser[userID] = append(l.pruned(userID), l.now())
}

// RemoveConnection releases the oldest recorded slot for the user. The freed
// slot is not necessarily the one tied to the closing connection: this bounds
// concurrency, not precise attribution.
func (l *Limiter) RemoveConnection(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stamps := l.pruned(userID)
	if len(stamps) <= 1 {
		delete(l.byUser, userID)
		return
	}
	l.byUser[userID] = stamps[1:]
}

// ActiveUsers reports how many users currently hold at least one slot.
func (l *Limiter) ActiveUsers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for userID := range l.byUser {
		if len(l.pruned(userID)) > 0 {
			count++
		}
	}
	return count
}

// pruned drops expired timestamps for the user and returns what remains.
// Callers must hold l.mu.
func (l *Limiter) pruned(userID string) []time.Time {
	stamps, ok := l.byUser[userID]
	if !ok {
		return nil
	}
	cutoff := l.now().Add(-l.window)
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.byUser, userID)
		return nil
	}
	l.byUser[userID] = kept
	return kept
}
