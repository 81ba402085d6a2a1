package webui

import (
	"context"
	"sync"
	"time"
)

// attemptRecord counts failed attempts inside one window.
type attemptRecord struct {
	count   int
	resetAt time.Time
}

func (a attemptRecord) expired(now time.Time) bool { return !now.Before(a.resetAt) }

// RateLimiter blocks clients that fail authentication too often.
//
// Each failure increments a per-IP counter inside a sliding window. When
// the counter reaches maxAttempts the window is extended to the block
// duration. A successful request resets the IP.
type RateLimiter struct {
	mu          sync.RWMutex
	attempts    map[string]attemptRecord
	maxAttempts int
	window      time.Duration
	block       time.Duration
	now         func() time.Time
}

// NewRateLimiter creates a limiter that blocks an IP for block after
// maxAttempts failures within window.
func NewRateLimiter(maxAttempts int, window, block time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:    make(map[string]attemptRecord),
		maxAttempts: maxAttempts,
		window:      window,
		block:       block,
		now:         time.Now,
	}
}

// DefaultRateLimiter allows 5 failures per 15 minutes and then blocks
// for 30 minutes.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(5, 15*time.Minute, 30*time.Minute)
}

// Allow reports whether ip may attempt authentication, and if not, how
// long until it may.
func (r *RateLimiter) Allow(ip string) (bool, time.Duration) {
	r.mu.RLock()
	rec, ok := r.attempts[ip]
	r.mu.RUnlock()

	now := r.now()
	if !ok || rec.expired(now) || rec.count < r.maxAttempts {
		return true, 0
	}
	return false, rec.resetAt.Sub(now)
}

// RecordAttempt records a failed attempt from ip.
func (r *RateLimiter) RecordAttempt(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, ok := r.attempts[ip]
	if !ok || rec.expired(now) {
		rec = attemptRecord{resetAt: now.Add(r.window)}
	}
	rec.count++
	if rec.count == r.maxAttempts {
		rec.resetAt = now.Add(r.block)
	}
	r.attempts[ip] = rec
}

// Reset clears ip after a successful attempt.
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	delete(r.attempts, ip)
	r.mu.Unlock()
}

// AttemptCount returns the failures recorded for ip in its current window.
func (r *RateLimiter) AttemptCount(ip string) int {
	r.mu.RLock()
	rec, ok := r.attempts[ip]
	r.mu.RUnlock()

	if !ok || rec.expired(r.now()) {
		return 0
	}
	return rec.count
}

// Cleanup drops expired records and returns how many were removed.
func (r *RateLimiter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for ip, rec := range r.attempts {
		if rec.expired(now) {
			delete(r.attempts, ip)
			removed++
		}
	}
	return removed
}

// StartCleanupTicker runs Cleanup every interval until ctx is cancelled.
func (r *RateLimiter) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}
