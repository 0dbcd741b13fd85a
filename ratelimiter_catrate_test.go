package ntc

import (
	"testing"
	"time"
)

func TestCatrateLimiter_SubmitWithinBudgetSucceeds(t *testing.T) {
	rl := NewCatrateLimiter(map[time.Duration]int{time.Minute: 5})
	if _, ok := rl.Submit("cat"); !ok {
		t.Fatal("first Submit() within budget should succeed")
	}
}

func TestCatrateLimiter_CachesLastKnownNextTime(t *testing.T) {
	rl := NewCatrateLimiter(map[time.Duration]int{time.Minute: 1})

	// Before any Submit, nothing is known to be throttled.
	if rl.WouldExceedBandwidth("cat", 1) {
		t.Fatal("an untouched category should not report as throttled")
	}

	next, ok := rl.Submit("cat")
	if !ok {
		t.Fatal("first Submit() within a budget of 1 should succeed")
	}
	if got := rl.CalculateTimeToSubmit("cat"); !got.Equal(next) {
		t.Fatalf("CalculateTimeToSubmit() = %v, want the cached value %v", got, next)
	}

	// Exhaust the budget of 1.
	if _, ok := rl.Submit("cat"); ok {
		t.Fatal("second Submit() beyond the budget of 1 should report ok=false")
	}
	if !rl.WouldExceedBandwidth("cat", 1) {
		t.Fatal("WouldExceedBandwidth() should reflect the cached post-exhaustion next-allowed time")
	}
}

func TestCatrateLimiter_ZeroOrNegativeNIsNeverThrottled(t *testing.T) {
	rl := NewCatrateLimiter(map[time.Duration]int{time.Minute: 1})
	_, _ = rl.Submit("cat")
	_, _ = rl.Submit("cat")

	if rl.WouldExceedBandwidth("cat", 0) {
		t.Fatal("WouldExceedBandwidth(_, 0) must always report false")
	}
}
