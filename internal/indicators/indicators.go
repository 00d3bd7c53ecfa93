// Package indicators implements the technical indicators consumed by the
// scoring and regime layers. All functions operate on bar series ordered
// oldest first and return neutral values when the series is too short,
// so callers never need length guards of their own.
package indicators

import (
	"math"

	"equities-trading-bot/internal/bars"
)

// Closes extracts the close series from bars.
func Closes(series []bars.Bar) []float64 {
	out := make([]float64, len(series))
	for i, b := range series {
		out[i] = b.Close
	}
	return out
}

// ============================================================================
// Moving Averages
// ============================================================================

// EMASeries computes the exponential moving average of values, seeded with
// the first value. alpha = 2 / (period + 1).
func EMASeries(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}

	alpha := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// EMA returns the latest EMA of the close series, or 0 when empty.
func EMA(series []bars.Bar, period int) float64 {
	ema := EMASeries(Closes(series), period)
	if len(ema) == 0 {
		return 0
	}
	return ema[len(ema)-1]
}

// SMA returns the simple moving average of the last period closes, or 0
// when the series is shorter than period.
func SMA(series []bars.Bar, period int) float64 {
	if len(series) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for _, b := range series[len(series)-period:] {
		sum += b.Close
	}
	return sum / float64(period)
}

// ============================================================================
// MACD
// ============================================================================

// MACD computes the MACD line, its signal EMA, and the histogram. The
// signal is a true EMA of the MACD line, not a shortcut average.
func MACD(series []bars.Bar, fast, slow, signalPeriod int) (macd, signal, histogram float64) {
	closes := Closes(series)
	if len(closes) < slow {
		return 0, 0, 0
	}

	fastEMA := EMASeries(closes, fast)
	slowEMA := EMASeries(closes, slow)

	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = fastEMA[i] - slowEMA[i]
	}

	signalSeries := EMASeries(line, signalPeriod)

	macd = line[len(line)-1]
	signal = signalSeries[len(signalSeries)-1]
	return macd, signal, macd - signal
}

// ============================================================================
// RSI
// ============================================================================

// RSI computes Wilder's relative strength index over the close series.
// Returns the neutral 50 when fewer than period+1 bars are available.
func RSI(series []bars.Bar, period int) float64 {
	closes := Closes(series)
	if len(closes) < period+1 || period <= 0 {
		return 50.0
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - 100.0/(1.0+rs)
}

// ============================================================================
// VWAP
// ============================================================================

// VWAP computes the volume-weighted average price over the given bars.
// Zero-volume series degrade to the mean typical price.
func VWAP(series []bars.Bar) float64 {
	if len(series) == 0 {
		return 0
	}

	var pv, vol float64
	for _, b := range series {
		pv += b.TypicalPrice() * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		sum := 0.0
		for _, b := range series {
			sum += b.TypicalPrice()
		}
		return sum / float64(len(series))
	}
	return pv / vol
}

// ============================================================================
// Bollinger Bands
// ============================================================================

// BollingerBands returns the upper, middle, and lower bands over the last
// period closes with the given standard deviation multiplier.
func BollingerBands(series []bars.Bar, period int, mult float64) (upper, middle, lower float64) {
	if len(series) < period || period <= 0 {
		return 0, 0, 0
	}

	window := Closes(series[len(series)-period:])
	var sum float64
	for _, c := range window {
		sum += c
	}
	middle = sum / float64(period)

	var variance float64
	for _, c := range window {
		d := c - middle
		variance += d * d
	}
	std := math.Sqrt(variance / float64(period))

	return middle + mult*std, middle, middle - mult*std
}

// ============================================================================
// ADX
// ============================================================================

// ADX computes Wilder's average directional index. Returns 0 when fewer
// than 2*period+1 bars are available.
func ADX(series []bars.Bar, period int) float64 {
	if len(series) < 2*period+1 || period <= 0 {
		return 0
	}

	n := len(series)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)

	for i := 1; i < n; i++ {
		upMove := series[i].High - series[i-1].High
		downMove := series[i-1].Low - series[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		tr[i] = math.Max(series[i].High-series[i].Low,
			math.Max(math.Abs(series[i].High-series[i-1].Close),
				math.Abs(series[i].Low-series[i-1].Close)))
	}

	// Wilder smoothing of the first period, then recursive smoothing.
	var smPlus, smMinus, smTR float64
	for i := 1; i <= period; i++ {
		smPlus += plusDM[i]
		smMinus += minusDM[i]
		smTR += tr[i]
	}

	dxs := make([]float64, 0, n-period)
	appendDX := func() {
		if smTR == 0 {
			dxs = append(dxs, 0)
			return
		}
		plusDI := 100 * smPlus / smTR
		minusDI := 100 * smMinus / smTR
		if plusDI+minusDI == 0 {
			dxs = append(dxs, 0)
			return
		}
		dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/(plusDI+minusDI))
	}
	appendDX()

	for i := period + 1; i < n; i++ {
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		smTR = smTR - smTR/float64(period) + tr[i]
		appendDX()
	}

	if len(dxs) < period {
		return 0
	}

	adx := 0.0
	for _, dx := range dxs[:period] {
		adx += dx
	}
	adx /= float64(period)
	for _, dx := range dxs[period:] {
		adx = (adx*float64(period-1) + dx) / float64(period)
	}
	return adx
}

// ============================================================================
// Volatility
// ============================================================================

// RealizedVol returns the standard deviation of bar-to-bar returns over
// the last period bars.
func RealizedVol(series []bars.Bar, period int) float64 {
	if len(series) < period+1 || period <= 1 {
		return 0
	}

	window := series[len(series)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		prev := window[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (window[i].Close-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(returns)))
}

// VolumeSpikeRatio returns the last bar's volume relative to the average
// of the preceding lookback bars. Returns 0 when history is too short or
// the baseline volume is zero.
func VolumeSpikeRatio(series []bars.Bar, lookback int) float64 {
	if len(series) < lookback+1 || lookback <= 0 {
		return 0
	}

	baseline := series[len(series)-lookback-1 : len(series)-1]
	var sum float64
	for _, b := range baseline {
		sum += b.Volume
	}
	avg := sum / float64(lookback)
	if avg == 0 {
		return 0
	}
	return series[len(series)-1].Volume / avg
}
