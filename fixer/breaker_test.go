package fixer

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newCircuitBreaker(3, time.Minute)
	b.now = func() time.Time { return now }

	b.recordFailure()
	b.recordFailure()
	if b.isOpen() {
		t.Fatalf("breaker open before threshold")
	}
	b.recordFailure()
	if !b.isOpen() {
		t.Fatalf("breaker should open after 3 consecutive failures")
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newCircuitBreaker(3, time.Minute)
	b.now = func() time.Time { return now }

	b.recordFailure()
	b.recordFailure()
	b.recordSuccess()
	b.recordFailure()
	b.recordFailure()
	if b.isOpen() {
		t.Fatalf("success must reset the consecutive-failure count")
	}
	b.recordFailure()
	if !b.isOpen() {
		t.Fatalf("breaker should open once failures are consecutive again")
	}
}

func TestCircuitBreaker_AutoResetsAfterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newCircuitBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	b.recordFailure()
	b.recordFailure()
	if !b.isOpen() {
		t.Fatalf("breaker should be open")
	}

	now = now.Add(59 * time.Second)
	if !b.isOpen() {
		t.Fatalf("breaker should stay open inside the cool-down window")
	}

	now = now.Add(2 * time.Second)
	if b.isOpen() {
		t.Fatalf("breaker should auto-close after the cool-down elapses")
	}
	// The counter reset with the window; one new failure must not re-open.
	b.recordFailure()
	if b.isOpen() {
		t.Fatalf("single failure after reset must not open the breaker")
	}
}

func TestCircuitBreaker_NeverOpensUntouched(t *testing.T) {
	b := newCircuitBreaker(5, time.Minute)
	if b.isOpen() {
		t.Fatalf("fresh breaker must be closed")
	}
	b.recordSuccess()
	if b.isOpen() {
		t.Fatalf("breaker must stay closed on success")
	}
}
