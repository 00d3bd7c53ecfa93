// Package bars maintains per-symbol bar series. Live polling delivers
// last-trade ticks that are folded into fixed-interval bars; startup
// backfill seeds the series with historical minute bars, whose boundaries
// align with the live interval.
package bars

import (
	"sort"
	"sync"
	"time"
)

// Bar is one fixed-interval OHLCV bar. Start is the floor-aligned open
// time of the interval.
type Bar struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// TypicalPrice is the bar's (high + low + close) / 3, the VWAP input.
func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// Store holds capped bar series for the scanned universe.
type Store struct {
	mu       sync.RWMutex
	interval time.Duration
	capacity int
	series   map[string][]Bar
}

// NewStore creates a Store building bars of the given interval, keeping at
// most capacity bars per symbol.
func NewStore(interval time.Duration, capacity int) *Store {
	return &Store{
		interval: interval,
		capacity: capacity,
		series:   make(map[string][]Bar),
	}
}

// Interval returns the bar interval.
func (s *Store) Interval() time.Duration { return s.interval }

// UpsertTick folds a last-trade observation into the bar covering at.
// A tick in the current bar updates high/low/close and accumulates volume;
// a tick past the last bar opens a new one. Ticks older than the last bar
// are merged when their bar still exists and dropped otherwise.
func (s *Store) UpsertTick(symbol string, price, volume float64, at time.Time) {
	start := at.Truncate(s.interval)

	s.mu.Lock()
	defer s.mu.Unlock()

	bars := s.series[symbol]
	if n := len(bars); n > 0 {
		last := &bars[n-1]
		switch {
		case start.Equal(last.Start):
			mergeTick(last, price, volume)
			return
		case start.Before(last.Start):
			// Late tick: merge into its bar if still retained.
			if i := findBar(bars, start); i >= 0 {
				mergeTick(&bars[i], price, volume)
			}
			return
		}
	}

	bars = append(bars, Bar{
		Start:  start,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: volume,
	})
	if len(bars) > s.capacity {
		bars = bars[len(bars)-s.capacity:]
	}
	s.series[symbol] = bars
}

func mergeTick(b *Bar, price, volume float64) {
	if price > b.High {
		b.High = price
	}
	if price < b.Low {
		b.Low = price
	}
	b.Close = price
	b.Volume += volume
}

func findBar(bars []Bar, start time.Time) int {
	i := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Start.Before(start)
	})
	if i < len(bars) && bars[i].Start.Equal(start) {
		return i
	}
	return -1
}

// Backfill seeds a symbol's series with historical bars. Existing bars for
// the same start time win over backfilled ones, so a restart mid-session
// does not clobber live data.
func (s *Store) Backfill(symbol string, hist []Bar) {
	if len(hist) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.series[symbol]
	seen := make(map[int64]struct{}, len(existing))
	for _, b := range existing {
		seen[b.Start.UnixNano()] = struct{}{}
	}

	merged := existing
	for _, b := range hist {
		if _, ok := seen[b.Start.UnixNano()]; ok {
			continue
		}
		merged = append(merged, b)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Start.Before(merged[j].Start)
	})
	if len(merged) > s.capacity {
		merged = merged[len(merged)-s.capacity:]
	}
	s.series[symbol] = merged
}

// Bars returns a copy of the most recent n bars for symbol, oldest first.
// n <= 0 returns the full retained series.
func (s *Store) Bars(symbol string, n int) []Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.series[symbol]
	if n <= 0 || n > len(bars) {
		n = len(bars)
	}
	out := make([]Bar, n)
	copy(out, bars[len(bars)-n:])
	return out
}

// LastBar returns the most recent bar for symbol.
func (s *Store) LastBar(symbol string) (Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.series[symbol]
	if len(bars) == 0 {
		return Bar{}, false
	}
	return bars[len(bars)-1], true
}

// LastPrice returns the most recent close for symbol.
func (s *Store) LastPrice(symbol string) (float64, bool) {
	b, ok := s.LastBar(symbol)
	if !ok {
		return 0, false
	}
	return b.Close, true
}

// Len returns the number of retained bars for symbol.
func (s *Store) Len(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[symbol])
}
