// Package risk owns the pre-trade feasibility gate, position sizing, the
// reservation ledger bounding concurrent risk, and the daily-loss kill
// switch. All mutation goes through one mutex; a single engine instance
// writes, so no distributed ledger is needed.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/events"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/metrics"
	"equities-trading-bot/internal/signal"
	"equities-trading-bot/internal/suppress"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// riskEpsilon absorbs float noise on the concurrent-risk boundary: a
// candidate landing exactly on the cap is accepted.
const riskEpsilon = 1e-9

// Position is one open holding in the ledger, with the risk it consumes.
type Position struct {
	Symbol     string      `json:"symbol"`
	Side       signal.Side `json:"side"`
	Qty        float64     `json:"qty"`
	Entry      float64     `json:"entry"`
	Stop       float64     `json:"stop"`
	RiskAmount float64     `json:"risk_amount"`
	RiskPct    float64     `json:"risk_pct"`
	OpenedAt   time.Time   `json:"opened_at"`
}

// reservation holds risk for an order in flight between sizing and fill.
type reservation struct {
	symbol     string
	riskPct    float64
	riskAmount float64
	at         time.Time
}

// Snapshot is the ledger state exposed to the status API.
type Snapshot struct {
	Equity          float64    `json:"equity"`
	DayStartEquity  float64    `json:"day_start_equity"`
	RealizedPnL     float64    `json:"realized_pnl"`
	RealizedPct     float64    `json:"realized_pct"`
	CurrentRiskPct  float64    `json:"current_risk_pct"`
	OpenPositions   []Position `json:"open_positions"`
	PendingOrders   int        `json:"pending_orders"`
	KillSwitch      bool       `json:"kill_switch"`
	KillSwitchSince time.Time  `json:"kill_switch_since,omitempty"`
}

// Manager is the risk ledger.
type Manager struct {
	mu sync.Mutex

	cfg     config.RiskConfig
	trading config.TradingConfig

	equity         float64
	dayStartEquity float64
	realizedPnL    float64 // dollars, today

	positions map[string]*Position
	pending   map[string]*reservation // signal id -> in-flight reservation

	inverseETFs map[string]bool

	killSwitch      bool
	killSwitchSince time.Time
	warned          bool

	clock  marketclock.Clock
	bus    *events.EventBus
	logger zerolog.Logger
}

var _ suppress.RiskGate = (*Manager)(nil)

// NewManager builds the ledger. inverseETFs lists the symbols whose
// entries get the configured size shrink.
func NewManager(cfg config.RiskConfig, trading config.TradingConfig, inverseETFs []string, clock marketclock.Clock, bus *events.EventBus, logger zerolog.Logger) *Manager {
	inv := make(map[string]bool, len(inverseETFs))
	for _, s := range inverseETFs {
		inv[s] = true
	}
	return &Manager{
		cfg:         cfg,
		trading:     trading,
		positions:   make(map[string]*Position),
		pending:     make(map[string]*reservation),
		inverseETFs: inv,
		clock:       clock,
		bus:         bus,
		logger:      logger.With().Str("component", "risk").Logger(),
	}
}

// SetEquity refreshes the equity the sizing math runs against. The first
// call of a day also seeds the day-start equity.
func (m *Manager) SetEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
	if m.dayStartEquity == 0 {
		m.dayStartEquity = equity
	}
}

// Equity returns the last known equity.
func (m *Manager) Equity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity
}

// Feasibility is the pre-trade gate in the suppression chain. The daily
// loss check is projected: a candidate whose full risk would take the day
// past the loss limit is rejected even before the limit is breached.
func (m *Manager) Feasibility(c signal.Candidate) (suppress.Reason, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killSwitch {
		return suppress.ReasonKillSwitch, ""
	}
	if m.equity <= 0 {
		return suppress.ReasonRiskFeasibility, "no equity snapshot"
	}
	if c.StopDistance() <= 0 {
		return suppress.ReasonRiskFeasibility, "zero stop distance"
	}

	candRisk := m.cfg.RiskPerTrade * confidenceAdj(c.Confidence)

	if m.realizedPct()-candRisk < -m.cfg.DailyLossLimit {
		return suppress.ReasonRiskFeasibility,
			fmt.Sprintf("projected loss %.2f%% past daily limit", (m.realizedPct()-candRisk)*100)
	}
	if m.openCount() >= m.cfg.MaxPositions {
		return suppress.ReasonRiskFeasibility,
			fmt.Sprintf("positions %d/%d", m.openCount(), m.cfg.MaxPositions)
	}
	if total := m.currentRiskPct() + candRisk; total > m.cfg.MaxConcurrentRisk+riskEpsilon {
		return suppress.ReasonRiskFeasibility,
			fmt.Sprintf("concurrent risk %.3f%% > %.3f%%", total*100, m.cfg.MaxConcurrentRisk*100)
	}
	return suppress.ReasonNone, ""
}

// ReserveAndSize sizes the candidate for execution on execSymbol and
// reserves its actual risk in the ledger. The reservation is released on
// dispatch failure or converted on fill.
func (m *Manager) ReserveAndSize(c signal.Candidate, execSymbol string) (signal.Intent, suppress.Reason, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killSwitch {
		return signal.Intent{}, suppress.ReasonKillSwitch, ""
	}

	dist := c.StopDistance()
	if dist <= 0 || c.Entry <= 0 || m.equity <= 0 {
		return signal.Intent{}, suppress.ReasonRiskFeasibility, "unsizable candidate"
	}

	fractional := m.trading.FractionalShares
	if !fractional && m.trading.MaxPricePerShare > 0 && c.Entry > m.trading.MaxPricePerShare {
		return signal.Intent{}, suppress.ReasonRiskFeasibility,
			fmt.Sprintf("entry %.2f above per-share cap %.2f", c.Entry, m.trading.MaxPricePerShare)
	}

	riskAmount := m.equity * m.cfg.RiskPerTrade * confidenceAdj(c.Confidence)
	sizeRisk := riskAmount / dist

	remainingSlots := m.cfg.MinSlots - m.openCount()
	if remainingSlots < 1 {
		remainingSlots = 1
	}
	sizeCap := m.equity * m.cfg.MaxEquityExposure / float64(remainingSlots) / c.Entry

	size := math.Min(sizeRisk, sizeCap)
	if m.inverseETFs[execSymbol] {
		size *= m.cfg.InverseShrink
	}

	var qty decimal.Decimal
	if fractional {
		qty = decimal.NewFromFloat(size).Round(3)
	} else {
		size = math.Floor(size)
		if size < 1 {
			size = 1
		}
		qty = decimal.NewFromInt(int64(size))
	}

	qf, _ := qty.Float64()
	actualRiskAmount := qf * dist
	actualRiskPct := actualRiskAmount / m.equity

	if total := m.currentRiskPct() + actualRiskPct; total > m.cfg.MaxConcurrentRisk+riskEpsilon {
		return signal.Intent{}, suppress.ReasonRiskFeasibility,
			fmt.Sprintf("sized risk %.3f%% would breach cap", total*100)
	}
	if m.openCount() >= m.cfg.MaxPositions {
		return signal.Intent{}, suppress.ReasonRiskFeasibility, "position slots full"
	}

	m.pending[c.ID] = &reservation{
		symbol:     execSymbol,
		riskPct:    actualRiskPct,
		riskAmount: actualRiskAmount,
		at:         m.clock.Now(),
	}

	intent := signal.Intent{
		SignalID:    c.ID,
		Symbol:      execSymbol,
		Side:        c.Side,
		Qty:         qty,
		Fractional:  fractional,
		Entry:       c.Entry,
		Stop:        c.Stop,
		Target:      c.Target,
		HorizonMins: c.HorizonMins,
		RiskAmount:  actualRiskAmount,
		CreatedAt:   m.clock.Now(),
	}

	m.logger.Info().Str("signal_id", c.ID).Str("symbol", execSymbol).
		Str("qty", qty.String()).Float64("risk_pct", actualRiskPct*100).
		Msg("Risk reserved")

	return intent, suppress.ReasonNone, ""
}

// Release drops a pending reservation after a failed or suppressed
// dispatch.
func (m *Manager) Release(signalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, signalID)
}

// OnFill converts a reservation into an open position at the actual fill.
func (m *Manager) OnFill(signalID, symbol string, side signal.Side, qty, fillPrice, stop float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.pending[signalID]
	delete(m.pending, signalID)

	riskAmount := qty * math.Abs(fillPrice-stop)
	riskPct := 0.0
	if m.equity > 0 {
		riskPct = riskAmount / m.equity
	}
	if res != nil && stop == 0 {
		riskAmount = res.riskAmount
		riskPct = res.riskPct
	}

	m.positions[symbol] = &Position{
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		Entry:      fillPrice,
		Stop:       stop,
		RiskAmount: riskAmount,
		RiskPct:    riskPct,
		OpenedAt:   m.clock.Now(),
	}
	metrics.PositionsOpen.Set(float64(len(m.positions)))
}

// OnClose removes the position and applies realized PnL. Crossing the
// daily loss limit trips the kill switch for the rest of the session.
func (m *Manager) OnClose(symbol string, exitPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return
	}
	delete(m.positions, symbol)
	metrics.PositionsOpen.Set(float64(len(m.positions)))

	pnl := (exitPrice - pos.Entry) * pos.Qty
	if pos.Side == signal.SideShort {
		pnl = -pnl
	}
	m.realizedPnL += pnl
	metrics.DayPnL.Set(m.realizedPnL)

	m.logger.Info().Str("symbol", symbol).Float64("pnl", pnl).
		Float64("day_pnl", m.realizedPnL).Msg("Position closed")

	m.checkLossLimitLocked()
}

// checkLossLimitLocked trips the kill switch or emits the warning. Caller
// holds the lock.
func (m *Manager) checkLossLimitLocked() {
	pct := m.realizedPct()
	limit := m.cfg.DailyLossLimit

	if pct <= -limit && !m.killSwitch {
		m.killSwitch = true
		m.killSwitchSince = m.clock.Now()
		metrics.KillSwitchActive.Set(1)
		m.logger.Error().Float64("day_pnl_pct", pct*100).Float64("limit_pct", limit*100).
			Msg("Kill switch tripped")
		if m.bus != nil {
			m.bus.PublishKillSwitch(m.realizedPnL, limit)
		}
		return
	}

	warnLevel := limit * m.cfg.WarnFraction
	if pct <= -warnLevel && !m.warned && !m.killSwitch {
		m.warned = true
		m.logger.Warn().Float64("day_pnl_pct", pct*100).Float64("limit_pct", limit*100).
			Msg("Daily loss warning level reached")
		if m.bus != nil {
			m.bus.PublishRiskWarning(m.realizedPnL, limit, m.cfg.WarnFraction)
		}
	}
}

// KillSwitchActive reports whether trading is halted.
func (m *Manager) KillSwitchActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killSwitch
}

// TripKillSwitch halts trading manually.
func (m *Manager) TripKillSwitch(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.killSwitch {
		return
	}
	m.killSwitch = true
	m.killSwitchSince = m.clock.Now()
	metrics.KillSwitchActive.Set(1)
	m.logger.Error().Str("reason", reason).Msg("Kill switch tripped manually")
	if m.bus != nil {
		m.bus.PublishKillSwitch(m.realizedPnL, m.cfg.DailyLossLimit)
	}
}

// ResetKillSwitch clears a tripped switch, for the admin endpoint.
func (m *Manager) ResetKillSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitch = false
	m.killSwitchSince = time.Time{}
	metrics.KillSwitchActive.Set(0)
	m.logger.Warn().Msg("Kill switch reset")
}

// DailyReset clears the day's counters at session rollover.
func (m *Manager) DailyReset(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realizedPnL = 0
	m.warned = false
	m.killSwitch = false
	m.killSwitchSince = time.Time{}
	m.equity = equity
	m.dayStartEquity = equity
	metrics.DayPnL.Set(0)
	metrics.KillSwitchActive.Set(0)
	m.logger.Info().Float64("equity", equity).Msg("Daily risk counters reset")
}

// HoldsPosition reports an open position on the symbol.
func (m *Manager) HoldsPosition(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.positions[symbol]
	return ok
}

// HoldsLongIn reports an open long in any of the given symbols, for the
// basket conflict check.
func (m *Manager) HoldsLongIn(symbols []string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		if pos, ok := m.positions[s]; ok && pos.Side == signal.SideLong {
			return s, true
		}
	}
	return "", false
}

// Snapshot returns a copy of the ledger state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		open = append(open, *p)
	}
	return Snapshot{
		Equity:          m.equity,
		DayStartEquity:  m.dayStartEquity,
		RealizedPnL:     m.realizedPnL,
		RealizedPct:     m.realizedPct(),
		CurrentRiskPct:  m.currentRiskPct(),
		OpenPositions:   open,
		PendingOrders:   len(m.pending),
		KillSwitch:      m.killSwitch,
		KillSwitchSince: m.killSwitchSince,
	}
}

// Locked helpers.

func (m *Manager) realizedPct() float64 {
	if m.dayStartEquity <= 0 {
		return 0
	}
	return m.realizedPnL / m.dayStartEquity
}

func (m *Manager) currentRiskPct() float64 {
	total := 0.0
	for _, p := range m.positions {
		total += p.RiskPct
	}
	for _, r := range m.pending {
		total += r.riskPct
	}
	return total
}

func (m *Manager) openCount() int {
	return len(m.positions) + len(m.pending)
}

// confidenceAdj scales per-trade risk by signal confidence; unscored
// candidates risk the full per-trade fraction.
func confidenceAdj(confidence float64) float64 {
	if confidence <= 0 || confidence > 1 {
		return 1
	}
	return confidence
}
