package techscore

import (
	"testing"
	"time"

	"equities-trading-bot/internal/bars"
)

var windowStart = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

func rampSeries(n int, factor float64) []bars.Bar {
	series := make([]bars.Bar, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		next := price * factor
		series = append(series, bars.Bar{
			Start:  windowStart.Add(time.Duration(i) * 30 * time.Second),
			Open:   price,
			High:   next + 0.05,
			Low:    next - 0.05,
			Close:  next,
			Volume: 1000,
		})
		price = next
	}
	return series
}

func TestComputeInsufficientWindow(t *testing.T) {
	score, ok := Compute(rampSeries(MinBars-1, 1.002), windowStart)
	if ok {
		t.Fatal("ok = true for a short window")
	}
	if score.Composite != 0 {
		t.Errorf("composite = %v, want 0", score.Composite)
	}
}

func TestComputeDirectionFollowsTrend(t *testing.T) {
	cases := []struct {
		name   string
		factor float64
		bull   bool
	}{
		{"steady climb", 1.003, true},
		{"steady decline", 0.997, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, ok := Compute(rampSeries(60, tc.factor), windowStart)
			if !ok {
				t.Fatal("ok = false")
			}
			if tc.bull && score.Composite <= 0 {
				t.Errorf("composite = %v, want > 0", score.Composite)
			}
			if !tc.bull && score.Composite >= 0 {
				t.Errorf("composite = %v, want < 0", score.Composite)
			}
			if score.Composite < -1 || score.Composite > 1 {
				t.Errorf("composite = %v outside [-1, 1]", score.Composite)
			}
			for name, v := range score.Components {
				if v < 0 || v > 1 {
					t.Errorf("component %s = %v outside [0, 1]", name, v)
				}
			}
		})
	}
}

func TestComputeStrongerTrendScoresHigher(t *testing.T) {
	mild, _ := Compute(rampSeries(60, 1.001), windowStart)
	strong, _ := Compute(rampSeries(60, 1.004), windowStart)
	if strong.Composite <= mild.Composite {
		t.Errorf("strong trend %v should outscore mild trend %v", strong.Composite, mild.Composite)
	}
}

func TestConsistency(t *testing.T) {
	agree := Score{Components: map[string]float64{"ema": 0.9, "macd": 0.9, "rsi": 0.9, "vwap": 0.9}}
	if got := agree.Consistency(); got != 1 {
		t.Errorf("consistency = %v, want 1 when components agree", got)
	}

	split := Score{Components: map[string]float64{"ema": 0.9, "macd": 0.1, "rsi": 0.5, "vwap": 0.5}}
	if got := split.Consistency(); got >= agree.Consistency() {
		t.Errorf("split consistency %v should be below agreement %v", got, agree.Consistency())
	}

	var empty Score
	if got := empty.Consistency(); got != 0 {
		t.Errorf("empty consistency = %v, want 0", got)
	}
}
