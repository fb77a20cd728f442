package httpapi

import (
	"testing"
	"time"
)

func TestRateLimiterBlocksAfterFailure(t *testing.T) {
	rl := NewRateLimiter(50 * time.Millisecond)

	if rl.IsLimited("192.0.2.1") {
		t.Error("fresh IP should not be limited")
	}

	rl.RecordFailure("192.0.2.1")
	if !rl.IsLimited("192.0.2.1") {
		t.Error("IP should be limited right after a failure")
	}
	if rl.IsLimited("192.0.2.2") {
		t.Error("other IPs should not be limited")
	}

	time.Sleep(80 * time.Millisecond)
	if rl.IsLimited("192.0.2.1") {
		t.Error("limit should expire once the delay has passed")
	}
}

func TestRateLimiterClearFailure(t *testing.T) {
	rl := NewRateLimiter(time.Minute)

	rl.RecordFailure("192.0.2.1")
	rl.ClearFailure("192.0.2.1")

	if rl.IsLimited("192.0.2.1") {
		t.Error("cleared IP should not be limited")
	}
}
