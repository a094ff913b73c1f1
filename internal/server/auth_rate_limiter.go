package server

import (
	"sync"
	"time"
)

// authRateLimiter blocks a client after maxFailures failed admin token
// checks inside a sliding window. A nil limiter allows everything.
type authRateLimiter struct {
	mu          sync.Mutex
	clients     map[string]*authFailures
	maxFailures int
	window      time.Duration
	blockFor    time.Duration
}

type authFailures struct {
	// at holds failure times inside the window, oldest first.
	at           []time.Time
	blockedUntil time.Time
}

// pruneThreshold bounds how many idle clients accumulate before a sweep.
const pruneThreshold = 1024

func newAuthRateLimiter(maxFailures int, window, blockFor time.Duration) *authRateLimiter {
	if maxFailures <= 0 || window <= 0 || blockFor <= 0 {
		return nil
	}
	return &authRateLimiter{
		clients:     make(map[string]*authFailures),
		maxFailures: maxFailures,
		window:      window,
		blockFor:    blockFor,
	}
}

// Allow reports whether key may attempt another check at now.
func (l *authRateLimiter) Allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.clients[key]
	if !ok {
		return true
	}
	return !now.Before(f.blockedUntil)
}

// RegisterFailure records a failed check and starts a block once the
// window holds maxFailures failures.
func (l *authRateLimiter) RegisterFailure(key string, now time.Time) {
	if l == nil || key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= pruneThreshold {
			l.pruneLocked(now)
		}
		f = &authFailures{}
		l.clients[key] = f
	}

	f.at = append(f.expire(now.Add(-l.window)), now)
	if len(f.at) >= l.maxFailures {
		f.blockedUntil = now.Add(l.blockFor)
		f.at = f.at[:0]
	}
}

// Reset clears the failure history for key after a successful check.
func (l *authRateLimiter) Reset(key string) {
	if l == nil || key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, key)
}

func (l *authRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	for key, f := range l.clients {
		if len(f.expire(cutoff)) == 0 && !now.Before(f.blockedUntil) {
			delete(l.clients, key)
		}
	}
}

// expire drops failures at or before cutoff and returns the rest.
func (f *authFailures) expire(cutoff time.Time) []time.Time {
	i := 0
	for i < len(f.at) && !f.at[i].After(cutoff) {
		i++
	}
	f.at = f.at[i:]
	return f.at
}
