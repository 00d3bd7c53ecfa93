// Package signal defines the domain types shared across the scoring,
// suppression, sizing, and dispatch stages of the pipeline.
package signal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade intent.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the inverse direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// SideForScore maps a signed score to a direction. Zero scores never reach
// the pipeline because the cutoff filter drops them first.
func SideForScore(score float64) Side {
	if score < 0 {
		return SideShort
	}
	return SideLong
}

// Regime labels the detected market state for a symbol.
type Regime string

const (
	RegimeTrend      Regime = "trend"
	RegimeVolSpike   Regime = "vol_spike"
	RegimeMeanRevert Regime = "mean_revert"
	RegimeSideways   Regime = "sideways"
)

// Session is the market session bucket a timestamp falls into.
type Session string

const (
	SessionRTH    Session = "rth"
	SessionEXT    Session = "ext"
	SessionClosed Session = "closed"
)

// Event types that justify an LLM consult regardless of score strength.
const (
	EventEdgar          = "edgar"
	EventVolSpike       = "vol_spike"
	EventFedSpeech      = "fed_speech"
	EventRateDecision   = "rate_decision"
	EventMarketNews     = "market_news"
	EventTechEarnings   = "tech_earnings"
	EventBasketInverse  = "basket_inverse_entry"
	EventMacroRiskOnOff = "macro_risk_on_off"
)

// Candidate origin.
const (
	SourceMixer  = "mixer"
	SourceBasket = "basket"
)

// Candidate is a scored trade idea produced by the mixer or the basket
// aggregator, before suppression and sizing.
type Candidate struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Score         float64   `json:"score"`      // signed, [-1, 1]
	Confidence    float64   `json:"confidence"` // [0, 1]
	Regime        Regime    `json:"regime"`
	RegimeConf    float64   `json:"regime_confidence"`
	TechScore     float64   `json:"tech_score"`      // signed technical component
	SentScore     float64   `json:"sentiment_score"` // signed sentiment component
	EventType     string    `json:"event_type,omitempty"`
	EdgarOverride bool      `json:"edgar_override,omitempty"`
	LLMGateDenied bool      `json:"llm_gate_denied,omitempty"` // consult was required but denied for budget reasons
	Trigger       string    `json:"trigger,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Entry         float64   `json:"entry"`
	Stop          float64   `json:"stop"`
	Target        float64   `json:"target"`
	HorizonMins   int       `json:"horizon_mins"`
	BarStart      time.Time `json:"bar_start"` // open time of the bar the score was computed on
	Source        string    `json:"source"`
	Basket        string    `json:"basket,omitempty"` // set when Source == SourceBasket
	CreatedAt     time.Time `json:"created_at"`
}

// StopDistance returns the absolute distance between entry and stop.
func (c Candidate) StopDistance() float64 {
	d := c.Entry - c.Stop
	if d < 0 {
		return -d
	}
	return d
}

// Intent is a sized order plan ready for dispatch. Symbol may differ from
// the candidate's symbol when a basket routes into an inverse ETF.
type Intent struct {
	SignalID    string          `json:"signal_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Fractional  bool            `json:"fractional"`
	Entry       float64         `json:"entry"`
	Stop        float64         `json:"stop"`
	Target      float64         `json:"target"`
	HorizonMins int             `json:"horizon_mins"`
	RiskAmount  float64         `json:"risk_amount"` // dollars between entry and stop
	CreatedAt   time.Time       `json:"created_at"`
}

// Notional returns the dollar value of the intent at its entry price.
func (i Intent) Notional() float64 {
	qty, _ := i.Qty.Float64()
	return qty * i.Entry
}
