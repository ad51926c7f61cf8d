package fixer

import "time"

// circuitBreaker halts further fix attempts after too many consecutive
// failures. Binary: open for a fixed cool-down, then closed again on the next
// check. There is no half-open probing state.
type circuitBreaker struct {
	threshold  int
	resetAfter time.Duration

	consecutiveFailures int
	openUntil           time.Time
	now                 func() time.Time
}

func newCircuitBreaker(threshold int, resetAfter time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

func (b *circuitBreaker) recordFailure() {
	b.consecutiveFailures++
	if b.threshold > 0 && b.consecutiveFailures >= b.threshold {
		b.openUntil = b.now().Add(b.resetAfter)
	}
}

func (b *circuitBreaker) recordSuccess() {
	b.consecutiveFailures = 0
}

func (b *circuitBreaker) isOpen() bool {
	if b.openUntil.IsZero() {
		return false
	}
	if b.now().Before(b.openUntil) {
		return true
	}
	// Cool-down elapsed: auto-reset.
	b.openUntil = time.Time{}
	b.consecutiveFailures = 0
	return false
}
