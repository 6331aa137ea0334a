package main

import (
	"testing"
	"time"
)

func TestWalletLimiterCountsWithinWindow(t *testing.T) {
	limiter := newWalletLimiter(time.Second, 3)
	now := time.Now()
	wallet := testWallet('a')

	for i := 0; i < 3; i++ {
		if !limiter.allowAt(wallet, now.Add(time.Duration(i)*100*time.Millisecond)) {
			t.Fatalf("message %d inside the budget was rejected", i)
		}
	}
	if limiter.allowAt(wallet, now.Add(400*time.Millisecond)) {
		t.Fatal("fourth message inside the window was allowed")
	}
}

func TestWalletLimiterResetsAfterWindow(t *testing.T) {
	limiter := newWalletLimiter(time.Second, 1)
	now := time.Now()
	wallet := testWallet('a')

	if !limiter.allowAt(wallet, now) {
		t.Fatal("first message rejected")
	}
	if limiter.allowAt(wallet, now.Add(500*time.Millisecond)) {
		t.Fatal("second message inside the window was allowed")
	}
	if !limiter.allowAt(wallet, now.Add(1100*time.Millisecond)) {
		t.Fatal("message after window expiry was rejected")
	}
}

func TestWalletLimiterIsPerWallet(t *testing.T) {
	limiter := newWalletLimiter(time.Second, 1)
	now := time.Now()

	if !limiter.allowAt(testWallet('a'), now) {
		t.Fatal("first wallet rejected")
	}
	if !limiter.allowAt(testWallet('b'), now) {
		t.Fatal("second wallet throttled by first wallet's bucket")
	}
}

func TestWalletLimiterForget(t *testing.T) {
	limiter := newWalletLimiter(time.Hour, 1)
	now := time.Now()
	wallet := testWallet('a')

	if !limiter.allowAt(wallet, now) {
		t.Fatal("first message rejected")
	}
	limiter.Forget(wallet)
	if !limiter.allowAt(wallet, now) {
		t.Fatal("bucket survived Forget")
	}
}

func TestWalletLimiterDisabledWithZeroBudget(t *testing.T) {
	limiter := newWalletLimiter(time.Second, 0)
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !limiter.allowAt(testWallet('a'), now) {
			t.Fatal("disabled limiter rejected a message")
		}
	}
}
