package llm

import "fmt"

// System prompts for the insight and validation calls
const (
	// SystemPromptInsight turns event text into a sentiment verdict.
	SystemPromptInsight = `You are an equities trading analyst. You are given a market event (a regulatory filing, news item, or volatility alert) about one US-listed ticker. Judge its likely short-term price impact.

Your response must be in valid JSON format with the following structure:
{
  "sentiment": -1.0 to 1.0,
  "confidence": 0.0-1.0,
  "trigger": "short tag naming what moved you",
  "horizon_minutes": 15-480,
  "summary": "one sentence"
}

Sentiment is the expected direction and strength: +1 strongly bullish, -1 strongly bearish, 0 no edge.
Horizon is how long the effect should persist, in minutes.
Be conservative with confidence; most events are noise.`

	// SystemPromptValidation double-checks a strong signal before sizing.
	SystemPromptValidation = `You are a risk reviewer for an equities trading system. You are given a trade signal the system is about to act on. Judge whether the stated evidence supports the trade.

Your response must be in valid JSON format:
{
  "agree": true | false,
  "confidence_adjustment": -0.2 to 0.2,
  "reasoning": "one sentence"
}

A positive adjustment strengthens the signal, a negative one weakens it.
Only disagree when the evidence clearly contradicts the direction.`
)

// BuildInsightPrompt formats the user half of an insight call.
func BuildInsightPrompt(ticker, eventType, text string) string {
	return fmt.Sprintf(`Ticker: %s
Event type: %s

Event:
%s

Respond with the JSON verdict only.`, ticker, eventType, text)
}

// BuildValidationPrompt formats the user half of a validation call.
func BuildValidationPrompt(ticker, side string, score, techScore, sentScore float64, regime, trigger string) string {
	return fmt.Sprintf(`Signal: %s %s
Mixed score: %.3f (tech %.3f, sentiment %.3f)
Regime: %s
Trigger: %s

Respond with the JSON verdict only.`, side, ticker, score, techScore, sentScore, regime, trigger)
}
