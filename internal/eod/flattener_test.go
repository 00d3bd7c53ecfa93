package eod

import (
	"context"
	"errors"
	"testing"
	"time"

	"equities-trading-bot/internal/broker"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/marketclock"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type flattenBroker struct {
	positions []broker.Position
	calls     []broker.OrderRequest
	errs      []error // consumed per submit, nil entries succeed
}

func (b *flattenBroker) SubmitMarketOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	i := len(b.calls)
	b.calls = append(b.calls, req)
	if i < len(b.errs) && b.errs[i] != nil {
		return broker.OrderResult{}, b.errs[i]
	}
	return broker.OrderResult{OrderID: "ord", Status: broker.StatusAccepted, FilledPrice: 99, FilledQty: req.Qty}, nil
}

func (b *flattenBroker) GetPositions(context.Context) ([]broker.Position, error) {
	return b.positions, nil
}

func (b *flattenBroker) GetAccount(context.Context) (broker.Account, error) {
	return broker.Account{}, nil
}

func (b *flattenBroker) CancelOrder(context.Context, string) error { return nil }

type closeRecorder struct {
	closed []string
}

func (c *closeRecorder) OnClose(symbol string, _ float64) {
	c.closed = append(c.closed, symbol)
}

func TestFlattenAllIdempotent(t *testing.T) {
	clock := marketclock.NewFake(time.Date(2026, 3, 10, 20, 52, 0, 0, time.UTC)) // 15:52 ET
	cal, err := marketclock.NewCalendar("America/New_York", nil)
	if err != nil {
		t.Fatal(err)
	}
	store := coord.NewStore(nil, clock, zerolog.Nop())
	b := &flattenBroker{positions: []broker.Position{
		{Symbol: "NVDA", Qty: decimal.NewFromInt(10), AvgEntryPrice: 100},
		{Symbol: "SQQQ", Qty: decimal.NewFromInt(50), AvgEntryPrice: 20},
	}}
	rec := &closeRecorder{}

	f := NewFlattener(b, store, rec, nil, cal, clock, zerolog.Nop())
	ctx := context.Background()

	closed, err := f.FlattenAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 2 {
		t.Fatalf("closed = %d, want 2", closed)
	}
	if len(b.calls) != 2 {
		t.Fatalf("broker calls = %d, want 2", len(b.calls))
	}
	for _, req := range b.calls {
		if req.Side != "short" {
			t.Errorf("close side = %s, want sell-to-close", req.Side)
		}
	}
	if len(rec.closed) != 2 {
		t.Errorf("ledger closes = %d, want 2", len(rec.closed))
	}

	// Second run inside the window: positions still reported open at the
	// broker (fills pending), but the claims are held, so nothing submits.
	closed, err = f.FlattenAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 0 {
		t.Errorf("second run closed = %d, want 0", closed)
	}
	if len(b.calls) != 2 {
		t.Errorf("second run added broker calls: %d total", len(b.calls))
	}
}

func TestFlattenRetriesAfterTransientBrokerError(t *testing.T) {
	clock := marketclock.NewFake(time.Date(2026, 3, 10, 20, 52, 0, 0, time.UTC)) // 15:52 ET
	cal, err := marketclock.NewCalendar("America/New_York", nil)
	if err != nil {
		t.Fatal(err)
	}
	store := coord.NewStore(nil, clock, zerolog.Nop())
	b := &flattenBroker{
		positions: []broker.Position{
			{Symbol: "NVDA", Qty: decimal.NewFromInt(10), AvgEntryPrice: 100},
		},
		errs: []error{errors.New("gateway timeout")},
	}
	rec := &closeRecorder{}
	f := NewFlattener(b, store, rec, nil, cal, clock, zerolog.Nop())
	ctx := context.Background()

	closed, err := f.FlattenAll(ctx)
	if err == nil {
		t.Fatal("first run should surface the broker error")
	}
	if closed != 0 || len(rec.closed) != 0 {
		t.Fatalf("first run closed = %d, ledger = %v; want nothing closed", closed, rec.closed)
	}

	// The broker recovers a minute later, still inside the window. The
	// failed claim was released, so the re-run submits the close.
	clock.Advance(time.Minute)
	closed, err = f.FlattenAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 1 {
		t.Fatalf("second run closed = %d, want 1", closed)
	}
	if len(b.calls) != 2 {
		t.Fatalf("broker calls = %d, want 2", len(b.calls))
	}
	if len(rec.closed) != 1 || rec.closed[0] != "NVDA" {
		t.Errorf("ledger closes = %v, want [NVDA]", rec.closed)
	}

	// Once closed, a third run is a no-op again.
	if closed, _ := f.FlattenAll(ctx); closed != 0 || len(b.calls) != 2 {
		t.Errorf("third run closed = %d, calls = %d; want 0 and 2", closed, len(b.calls))
	}
}

func TestOpeningCleanupUsesOwnKeys(t *testing.T) {
	clock := marketclock.NewFake(time.Date(2026, 3, 10, 13, 28, 0, 0, time.UTC)) // 09:28 ET
	cal, err := marketclock.NewCalendar("America/New_York", nil)
	if err != nil {
		t.Fatal(err)
	}
	store := coord.NewStore(nil, clock, zerolog.Nop())
	b := &flattenBroker{positions: []broker.Position{
		{Symbol: "AAPL", Qty: decimal.NewFromInt(5), AvgEntryPrice: 200},
	}}
	rec := &closeRecorder{}
	f := NewFlattener(b, store, rec, nil, cal, clock, zerolog.Nop())
	ctx := context.Background()

	if _, err := f.OpeningCleanup(ctx); err != nil {
		t.Fatal(err)
	}
	if len(b.calls) != 1 {
		t.Fatalf("broker calls = %d, want 1", len(b.calls))
	}
	if got := b.calls[0].IdempotencyKey; got != "opg:20260310:AAPL" {
		t.Errorf("idem key = %s, want opg:20260310:AAPL", got)
	}

	// The eod flatten for the same day is a separate claim and still runs.
	if _, err := f.FlattenAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(b.calls) != 2 {
		t.Errorf("eod after opg calls = %d, want 2", len(b.calls))
	}
	if got := b.calls[1].IdempotencyKey; got != "eod:20260310:AAPL" {
		t.Errorf("idem key = %s, want eod:20260310:AAPL", got)
	}
}

func TestFlattenShortPositionBuysBack(t *testing.T) {
	clock := marketclock.NewFake(time.Date(2026, 3, 10, 20, 52, 0, 0, time.UTC))
	cal, err := marketclock.NewCalendar("America/New_York", nil)
	if err != nil {
		t.Fatal(err)
	}
	store := coord.NewStore(nil, clock, zerolog.Nop())
	b := &flattenBroker{positions: []broker.Position{
		{Symbol: "TSLA", Qty: decimal.NewFromInt(-8), AvgEntryPrice: 250},
	}}
	f := NewFlattener(b, store, &closeRecorder{}, nil, cal, clock, zerolog.Nop())

	if _, err := f.FlattenAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	req := b.calls[0]
	if req.Side != "long" {
		t.Errorf("side = %s, want buy-to-cover", req.Side)
	}
	if !req.Qty.Equal(decimal.NewFromInt(8)) {
		t.Errorf("qty = %s, want 8", req.Qty)
	}
}
