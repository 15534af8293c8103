package gateway

import (
	"log"
	"sync"
	"time"
)

// RateLimiter enforces per-session command rate limits on the socket.
//
// Uses a sliding window algorithm: each window tracks command counts per
// session, and expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateLimitWindow

	limit  int
	window time.Duration
	logger *log.Logger
	stop   chan struct{}
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit commands per window per
// key. A limit <= 0 disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = 10 * time.Second
	}

	rl := &RateLimiter{
		windows: make(map[string]*rateLimitWindow),
		limit:   limit,
		window:  window,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}

	go rl.cleanup()
	return rl
}

// Allow reports whether a command from the given session key is within
// limits.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	now := time.Now()

	// Fast path: active window under read lock. The count increment races
	// slightly, which is acceptable for a soft limit.
	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= rl.window {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.limit {
			rl.logger.Printf("rate limit exceeded: key=%s count=%d limit=%d", key, count, rl.limit)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring the write lock.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= rl.window {
		window.count++
		return window.count <= rl.limit
	}

	rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// Forget drops a session's window, typically on disconnect.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}

// Stop halts the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

// cleanup periodically removes expired windows to prevent memory leaks.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, window := range rl.windows {
				if now.Sub(window.windowStart) > 2*rl.window {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
