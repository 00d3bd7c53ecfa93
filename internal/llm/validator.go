package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/signal"

	"github.com/rs/zerolog"
)

// maxConfidenceAdjustment bounds how far a validation verdict can move a
// candidate's confidence in either direction.
const maxConfidenceAdjustment = 0.2

// Validator re-checks strong signals with a second model call before they
// reach sizing. Only candidates at or above MinScore are consulted; any
// failure leaves the candidate unchanged.
type Validator struct {
	cfg    config.LLMConfig
	client *Client
	logger zerolog.Logger
}

// NewValidator builds a Validator around the completion client.
func NewValidator(cfg config.LLMConfig, client *Client, logger zerolog.Logger) *Validator {
	return &Validator{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "llm_validator").Logger(),
	}
}

// validationResponse is the wire shape the model is prompted to produce.
type validationResponse struct {
	Agree                bool    `json:"agree"`
	ConfidenceAdjustment float64 `json:"confidence_adjustment"`
	Reasoning            string  `json:"reasoning"`
}

// Validate applies a bounded confidence adjustment to a strong candidate.
// The returned candidate equals the input when validation does not apply
// or the call fails; the signal itself is never blocked here.
func (v *Validator) Validate(ctx context.Context, cand signal.Candidate) signal.Candidate {
	if !v.cfg.ValidatorEnabled || v.client == nil || !v.client.IsConfigured() {
		return cand
	}
	if math.Abs(cand.Score) < v.cfg.ValidatorMinScore {
		return cand
	}

	adj, reasoning, err := v.consult(ctx, cand)
	if err != nil {
		v.logger.Warn().Err(err).Str("ticker", cand.Symbol).Msg("Validation failed, keeping signal unchanged")
		return cand
	}

	adj = clampRange(adj, -maxConfidenceAdjustment, maxConfidenceAdjustment)
	before := cand.Confidence
	cand.Confidence = clampRange(cand.Confidence+adj, 0, 1)

	v.logger.Info().Str("ticker", cand.Symbol).Str("side", string(cand.Side)).
		Float64("adjustment", adj).Float64("confidence_before", before).
		Float64("confidence_after", cand.Confidence).Str("reasoning", reasoning).
		Msg("Signal validated")

	return cand
}

func (v *Validator) consult(ctx context.Context, cand signal.Candidate) (float64, string, error) {
	prompt := BuildValidationPrompt(cand.Symbol, string(cand.Side), cand.Score,
		cand.TechScore, cand.SentScore, string(cand.Regime), cand.Trigger)

	response, err := v.client.Complete(ctx, SystemPromptValidation, prompt)
	if err != nil {
		return 0, "", fmt.Errorf("llm request failed: %w", err)
	}

	clean := stripMarkdownCodeBlock(response)
	clean = extractJSONObject(clean)

	var parsed validationResponse
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		return 0, "", fmt.Errorf("failed to parse validation response: %w", err)
	}

	adj := parsed.ConfidenceAdjustment
	if !parsed.Agree && adj > 0 {
		adj = -adj
	}
	return adj, parsed.Reasoning, nil
}
