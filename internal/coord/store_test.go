package coord

import (
	"context"
	"testing"
	"time"

	"equities-trading-bot/internal/logging"
	"equities-trading-bot/internal/marketclock"
)

func newTestStore(t *testing.T) (*Store, *marketclock.FakeClock) {
	t.Helper()
	clk := marketclock.NewFake(time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC))
	store := NewStore(nil, clk, logging.Nop())
	return store, clk
}

func TestETFLockSingleFlight(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireETFLock(ctx, "SQQQ", 90*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v; want true", ok, err)
	}

	ok, _ = store.AcquireETFLock(ctx, "SQQQ", 90*time.Second)
	if ok {
		t.Error("second acquire succeeded while lock held")
	}

	held, _ := store.HoldsETFLock(ctx, "SQQQ")
	if !held {
		t.Error("HoldsETFLock = false while lock held")
	}

	// A different symbol is independent.
	ok, _ = store.AcquireETFLock(ctx, "SOXS", 90*time.Second)
	if !ok {
		t.Error("lock on a different ETF was blocked")
	}

	// Lock expires on its own.
	clk.Advance(91 * time.Second)
	ok, _ = store.AcquireETFLock(ctx, "SQQQ", 90*time.Second)
	if !ok {
		t.Error("acquire after expiry failed")
	}
}

func TestReleaseETFLock(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.AcquireETFLock(ctx, "SQQQ", 90*time.Second)
	if err := store.ReleaseETFLock(ctx, "SQQQ"); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, _ := store.AcquireETFLock(ctx, "SQQQ", 90*time.Second)
	if !ok {
		t.Error("acquire after release failed")
	}
}

func TestDirectionLock(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	if err := store.SetDirectionLock(ctx, "NVDA", "long", 300*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}

	side, ok, _ := store.DirectionLock(ctx, "NVDA")
	if !ok || side != "long" {
		t.Errorf("DirectionLock = %q, %v; want long, true", side, ok)
	}

	clk.Advance(301 * time.Second)
	_, ok, _ = store.DirectionLock(ctx, "NVDA")
	if ok {
		t.Error("direction lock survived past its TTL")
	}
}

func TestAllowMixerEmit(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()
	cooldown := 180 * time.Second
	improvement := 0.10

	tests := []struct {
		name    string
		advance time.Duration
		score   float64
		want    bool
	}{
		{"first emit", 0, 0.20, true},
		{"same score in cooldown", 10 * time.Second, 0.20, false},
		{"small improvement in cooldown", 10 * time.Second, 0.25, false},
		{"improvement at threshold", 10 * time.Second, 0.30, true},
		{"weaker after improved emit", 10 * time.Second, 0.25, false},
		{"after cooldown expires", cooldown + time.Second, 0.20, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk.Advance(tt.advance)
			got, err := store.AllowMixerEmit(ctx, "AAPL", tt.score, improvement, cooldown)
			if err != nil {
				t.Fatalf("AllowMixerEmit: %v", err)
			}
			if got != tt.want {
				t.Errorf("AllowMixerEmit(%.2f) = %v, want %v", tt.score, got, tt.want)
			}
		})
	}
}

func TestConsumeSessionSlotCapsAtLimit(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()
	ttl := 24 * time.Hour

	for i := 0; i < 3; i++ {
		ok, err := store.ConsumeSessionSlot(ctx, "TSLA", "20250310", 3, ttl)
		if err != nil || !ok {
			t.Fatalf("consume %d = %v, %v; want true", i+1, ok, err)
		}
	}

	ok, _ := store.ConsumeSessionSlot(ctx, "TSLA", "20250310", 3, ttl)
	if ok {
		t.Error("consume beyond cap succeeded")
	}

	// Another symbol has its own counter.
	ok, _ = store.ConsumeSessionSlot(ctx, "NVDA", "20250310", 3, ttl)
	if !ok {
		t.Error("independent symbol was capped")
	}

	// Day rollover resets via TTL.
	clk.Advance(ttl + time.Second)
	ok, _ = store.ConsumeSessionSlot(ctx, "TSLA", "20250310", 3, ttl)
	if !ok {
		t.Error("consume after counter expiry failed")
	}
}

func TestMarkEventSeen(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, _ := store.MarkEventSeen(ctx, "edgar:NVDA:0001045810-25-000023", 10*time.Minute)
	if !first {
		t.Error("first sighting reported as duplicate")
	}

	second, _ := store.MarkEventSeen(ctx, "edgar:NVDA:0001045810-25-000023", 10*time.Minute)
	if second {
		t.Error("duplicate sighting reported as first")
	}
}

func TestClaimIdempotency(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := "sig-123:20250310:SQQQ"

	ok, _ := store.ClaimIdempotency(ctx, key, "order-1", time.Hour)
	if !ok {
		t.Fatal("first claim failed")
	}

	ok, _ = store.ClaimIdempotency(ctx, key, "order-2", time.Hour)
	if ok {
		t.Error("duplicate claim succeeded")
	}
}

func TestWriterClaimLifecycle(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()
	ttl := 30 * time.Second

	ok, _ := store.ClaimWriter(ctx, "prod-1", ttl)
	if !ok {
		t.Fatal("initial claim failed")
	}

	ok, _ = store.ClaimWriter(ctx, "prod-2", ttl)
	if ok {
		t.Error("second instance stole the claim")
	}

	// Only the owner can refresh.
	ok, _ = store.RefreshWriter(ctx, "prod-2", ttl)
	if ok {
		t.Error("non-owner refreshed the claim")
	}
	ok, _ = store.RefreshWriter(ctx, "prod-1", ttl)
	if !ok {
		t.Error("owner failed to refresh the claim")
	}

	// Refresh extends the TTL past the original expiry.
	clk.Advance(25 * time.Second)
	writer, _ := store.CurrentWriter(ctx)
	if writer != "prod-1" {
		t.Errorf("CurrentWriter = %q after refresh, want prod-1", writer)
	}

	// Release by a non-owner is a no-op.
	store.ReleaseWriter(ctx, "prod-2")
	writer, _ = store.CurrentWriter(ctx)
	if writer != "prod-1" {
		t.Error("non-owner release dropped the claim")
	}

	store.ReleaseWriter(ctx, "prod-1")
	ok, _ = store.ClaimWriter(ctx, "prod-2", ttl)
	if !ok {
		t.Error("claim after release failed")
	}
}

func TestWriterClaimExpiresWithoutHeartbeat(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	store.ClaimWriter(ctx, "prod-1", 30*time.Second)
	clk.Advance(31 * time.Second)

	ok, _ := store.ClaimWriter(ctx, "prod-2", 30*time.Second)
	if !ok {
		t.Error("standby could not claim after the holder went silent")
	}
}

func TestCutoffOverride(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, _ := store.CutoffOverride(ctx, KeyCutoffRTH)
	if ok {
		t.Error("override present before being set")
	}

	if err := store.SetCutoffOverride(ctx, KeyCutoffRTH, 0.22); err != nil {
		t.Fatalf("set override: %v", err)
	}

	val, ok, _ := store.CutoffOverride(ctx, KeyCutoffRTH)
	if !ok || val != 0.22 {
		t.Errorf("CutoffOverride = %v, %v; want 0.22, true", val, ok)
	}

	store.ClearCutoffOverride(ctx, KeyCutoffRTH)
	_, ok, _ = store.CutoffOverride(ctx, KeyCutoffRTH)
	if ok {
		t.Error("override survived clear")
	}
}

func TestLLMCostAccumulates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	total, err := store.AddLLMCost(ctx, "202503", 0.01)
	if err != nil || total != 0.01 {
		t.Fatalf("first add = %v, %v", total, err)
	}

	total, _ = store.AddLLMCost(ctx, "202503", 0.02)
	if total < 0.029 || total > 0.031 {
		t.Errorf("running total = %v, want ~0.03", total)
	}

	got, _ := store.LLMCost(ctx, "202503")
	if got != total {
		t.Errorf("LLMCost = %v, want %v", got, total)
	}

	// A different month starts from zero.
	other, _ := store.LLMCost(ctx, "202504")
	if other != 0 {
		t.Errorf("untouched month cost = %v, want 0", other)
	}
}

func TestJSONCacheRoundTrip(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	type verdict struct {
		Approved   bool    `json:"approved"`
		Adjustment float64 `json:"adjustment"`
	}

	in := verdict{Approved: true, Adjustment: 0.15}
	if err := store.SetJSON(ctx, "llm:cache:edgar:NVDA", in, 30*time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var out verdict
	if err := store.GetJSON(ctx, "llm:cache:edgar:NVDA", &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	clk.Advance(31 * time.Minute)
	if err := store.GetJSON(ctx, "llm:cache:edgar:NVDA", &out); err == nil {
		t.Error("cache entry survived past its TTL")
	}
}

func TestStreamTailKeepsRecentEntries(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.PublishStream(ctx, StreamSignals, map[string]interface{}{"seq": i})
	}

	tail := store.StreamTail(StreamSignals, 2)
	if len(tail) != 2 {
		t.Fatalf("tail length = %d, want 2", len(tail))
	}
	if tail[1]["seq"] != 4 {
		t.Errorf("last entry seq = %v, want 4", tail[1]["seq"])
	}
}
