package main

import (
	"sync"
	"time"
)

// walletLimiter enforces a fixed-window message cap per wallet. The old
// server only remembered the last message timestamp, which let a client burst
// arbitrarily many messages inside one window; counting per window closes
// that hole.
type walletLimiter struct {
	mu           sync.Mutex
	window       time.Duration
	maxPerWindow int
	buckets      map[string]*limiterBucket
}

type limiterBucket struct {
	count int
	reset time.Time
}

func newWalletLimiter(window time.Duration, maxPerWindow int) *walletLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &walletLimiter{
		window:       window,
		maxPerWindow: maxPerWindow,
		buckets:      make(map[string]*limiterBucket),
	}
}

func (l *walletLimiter) Allow(wallet string) bool {
	return l.allowAt(wallet, time.Now())
}

func (l *walletLimiter) allowAt(wallet string, now time.Time) bool {
	if l == nil || wallet == "" || l.maxPerWindow <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[wallet]
	if !ok || now.After(b.reset) {
		l.buckets[wallet] = &limiterBucket{count: 1, reset: now.Add(l.window)}
		return true
	}
	if b.count >= l.maxPerWindow {
		return false
	}
	b.count++
	return true
}

// Forget drops a wallet's bucket so disconnected sessions do not pin memory.
func (l *walletLimiter) Forget(wallet string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, wallet)
}
