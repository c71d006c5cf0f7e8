package handlers

import (
	"strings"
	"sync"
	"time"
)

// submitLimiter throttles order submissions per customer with a fixed window.
type submitLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]submitWindow
}

type submitWindow struct {
	count int
	reset time.Time
}

func newSubmitLimiter(limit int, window time.Duration, clock func() time.Time) *submitLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &submitLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]submitWindow),
	}
}

// Allow records an attempt for customerID. When the window is exhausted it returns false
// and the time left until the window resets.
func (l *submitLimiter) Allow(customerID string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key := strings.TrimSpace(customerID)
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || !now.Before(current.reset) {
		l.windows[key] = submitWindow{count: 1, reset: now.Add(l.window)}
		l.pruneLocked(now)
		return true, 0
	}
	if current.count >= l.limit {
		return false, current.reset.Sub(now)
	}
	current.count++
	l.windows[key] = current
	return true, 0
}

func (l *submitLimiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, key)
		}
	}
}
