// Package suppress implements the ordered gate chain between the mixer
// and the risk manager. Every candidate that does not emit carries exactly
// one typed reason, recorded by the first gate that rejects it; the reason
// counters drive the operational dashboards, so free-form strings are
// never used as reasons.
package suppress

// Reason tags why a candidate was not emitted. The zero value means the
// candidate passed every gate.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonBelowCutoff         Reason = "below_cutoff"
	ReasonMixerCooldown       Reason = "mixer_cooldown"
	ReasonDirectionLock       Reason = "direction_lock"
	ReasonDupEvent            Reason = "dup_event"
	ReasonSessionDailyCap     Reason = "session_daily_cap"
	ReasonLLMGate             Reason = "llm_gate"
	ReasonRiskFeasibility     Reason = "risk_feasibility"
	ReasonETFLock             Reason = "etf_lock"
	ReasonBasketConditions    Reason = "basket_conditions"
	ReasonConflictingPosition Reason = "conflicting_position"
	ReasonRateLimit           Reason = "rate_limit"
	ReasonMarketClosed        Reason = "market_closed"
	ReasonKillSwitch          Reason = "kill_switch"
	ReasonInsufficientHistory Reason = "insufficient_history"
	ReasonExternalError       Reason = "external_error"
)

// Suppressed reports whether the reason marks a rejected candidate.
func (r Reason) Suppressed() bool { return r != ReasonNone }
