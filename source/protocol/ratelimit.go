package protocol

import (
	"time"
)

// ConnectionRateLimiter caps connection attempts per source address over a
// sliding one-second window.
type ConnectionRateLimiter struct {
	requests     map[string][]time.Time
	maxPerSecond int
	window       time.Duration
}

func NewConnectionRateLimiter(maxPerSecond int) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		requests:     make(map[string][]time.Time),
		maxPerSecond: maxPerSecond,
		window:       time.Second,
	}
}

// Allow reports whether a connection attempt from addr may proceed, and
// records it if so.
func (l *ConnectionRateLimiter) Allow(addr string) bool {
	now := time.Now()
	timestamps := l.requests[addr]

	kept := timestamps[:0]
	for _, t := range timestamps {
		if now.Sub(t) < l.window {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.maxPerSecond {
		l.requests[addr] = kept
		return false
	}
	l.requests[addr] = append(kept, now)
	return true
}

// Cleanup drops addresses whose window has fully expired.
func (l *ConnectionRateLimiter) Cleanup() {
	now := time.Now()
	for addr, timestamps := range l.requests {
		kept := timestamps[:0]
		for _, t := range timestamps {
			if now.Sub(t) < l.window {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(l.requests, addr)
		} else {
			l.requests[addr] = kept
		}
	}
}
