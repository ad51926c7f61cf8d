package fixer

import (
	"testing"

	"bitbucket.org/mmdatafocus/dealsync_backend/models"
)

func TestIsTerminalSessionStatus(t *testing.T) {
	terminal := []string{
		models.FixSessionStatusCompleted,
		models.FixSessionStatusFailed,
		models.FixSessionStatusCancelled,
	}
	for _, status := range terminal {
		if !isTerminalSessionStatus(status) {
			t.Fatalf("%q should be terminal", status)
		}
	}
	for _, status := range []string{models.FixSessionStatusPending, models.FixSessionStatusRunning, ""} {
		if isTerminalSessionStatus(status) {
			t.Fatalf("%q should not be terminal", status)
		}
	}
}

func TestSessionDetailCacheKey_ScopedToTenant(t *testing.T) {
	a := sessionDetailCacheKey("biz-1", "s-1")
	b := sessionDetailCacheKey("biz-2", "s-1")
	if a == b {
		t.Fatalf("cache key must differ per tenant: %q", a)
	}
	if a != sessionDetailCacheKey("biz-1", "s-1") {
		t.Fatalf("cache key must be deterministic")
	}
}
