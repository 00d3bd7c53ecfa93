package ratelimit

import (
	"context"
	"testing"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/logging"
	"equities-trading-bot/internal/marketclock"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		PerMinuteTotal:    10,
		TierATokens:       6,
		TierBTokens:       3,
		ReserveTokens:     1,
		ReserveWindowSecs: 10,
	}
}

// minuteStart is aligned to second zero so the borrow window math is
// explicit in each test.
func newTestLimiter(t *testing.T) (*Limiter, *marketclock.FakeClock) {
	t.Helper()
	clk := marketclock.NewFake(time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC))
	return New(nil, testConfig(), clk, logging.Nop()), clk
}

func consumeN(t *testing.T, l *Limiter, tier Tier, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res, err := l.TryConsume(context.Background(), tier)
		if err != nil {
			t.Fatalf("TryConsume %d: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("TryConsume %d denied, want allowed", i+1)
		}
		if res.FromReserve {
			t.Fatalf("TryConsume %d drew from reserve, want tier token", i+1)
		}
	}
}

func TestTierBudgetsAreIndependent(t *testing.T) {
	l, clk := newTestLimiter(t)
	ctx := context.Background()

	// Move out of the borrow window so exhaustion is a hard deny.
	clk.Advance(15 * time.Second)

	consumeN(t, l, TierA, 6)
	res, _ := l.TryConsume(ctx, TierA)
	if res.Allowed {
		t.Error("7th tier A consume allowed beyond budget")
	}

	// Tier B still has its full budget.
	consumeN(t, l, TierB, 3)
	res, _ = l.TryConsume(ctx, TierB)
	if res.Allowed {
		t.Error("4th tier B consume allowed beyond budget")
	}
}

func TestBucketRefillsOnMinuteRollover(t *testing.T) {
	l, clk := newTestLimiter(t)
	ctx := context.Background()

	clk.Advance(15 * time.Second)
	consumeN(t, l, TierA, 6)

	res, _ := l.TryConsume(ctx, TierA)
	if res.Allowed {
		t.Fatal("consume allowed on exhausted bucket")
	}

	// Next minute, outside the borrow window again.
	clk.Advance(time.Minute)
	res, _ = l.TryConsume(ctx, TierA)
	if !res.Allowed || res.FromReserve {
		t.Errorf("after rollover: allowed=%v fromReserve=%v, want tier token", res.Allowed, res.FromReserve)
	}
}

func TestReserveBorrowInsideWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	// Clock sits at second 0: inside the borrow window.
	consumeN(t, l, TierA, 6)

	res, _ := l.TryConsume(ctx, TierA)
	if !res.Allowed || !res.FromReserve {
		t.Fatalf("exhausted tier inside window: allowed=%v fromReserve=%v, want reserve borrow",
			res.Allowed, res.FromReserve)
	}

	// Only one borrow per tier per minute.
	res, _ = l.TryConsume(ctx, TierA)
	if res.Allowed {
		t.Error("second borrow in the same minute allowed")
	}
}

func TestReserveBorrowDeniedOutsideWindow(t *testing.T) {
	l, clk := newTestLimiter(t)
	ctx := context.Background()

	consumeN(t, l, TierA, 6)
	clk.Advance(10 * time.Second) // second 10 is the first instant outside the window

	res, _ := l.TryConsume(ctx, TierA)
	if res.Allowed {
		t.Error("borrow allowed outside the window")
	}
}

func TestReserveSharedAcrossTiers(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	// Exhaust both tiers at second 0, inside the window.
	consumeN(t, l, TierA, 6)
	consumeN(t, l, TierB, 3)

	// First exhausted tier takes the single reserve token.
	res, _ := l.TryConsume(ctx, TierA)
	if !res.FromReserve {
		t.Fatal("tier A did not borrow the reserve token")
	}

	// The other tier finds the reserve empty even though it has not
	// borrowed yet this minute.
	res, _ = l.TryConsume(ctx, TierB)
	if res.Allowed {
		t.Error("tier B borrow succeeded on an empty reserve")
	}
}

func TestBorrowStateResetsNextMinute(t *testing.T) {
	l, clk := newTestLimiter(t)
	ctx := context.Background()

	consumeN(t, l, TierA, 6)
	res, _ := l.TryConsume(ctx, TierA)
	if !res.FromReserve {
		t.Fatal("expected reserve borrow")
	}

	// Next minute, second 0: tier refilled, reserve refilled, borrow
	// marker gone.
	clk.Advance(time.Minute)
	consumeN(t, l, TierA, 6)
	res, _ = l.TryConsume(ctx, TierA)
	if !res.FromReserve {
		t.Error("borrow in the new minute denied")
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	rem := l.Remaining(ctx)
	if rem["tier_a"] != 6 || rem["tier_b"] != 3 || rem["reserve"] != 1 {
		t.Fatalf("fresh Remaining = %v", rem)
	}

	consumeN(t, l, TierA, 2)
	rem = l.Remaining(ctx)
	if rem["tier_a"] != 4 {
		t.Errorf("tier_a remaining = %d, want 4", rem["tier_a"])
	}
}
