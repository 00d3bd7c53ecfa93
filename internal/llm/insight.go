package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Horizon bounds reported by the model are clamped into this range.
const (
	horizonMinMins = 15
	horizonMaxMins = 480
)

// Insight is the sentiment structure returned by an analysis call.
type Insight struct {
	Sentiment   float64   `json:"sentiment"` // [-1, 1]
	Confidence  float64   `json:"confidence"`
	Trigger     string    `json:"trigger"`
	HorizonMins int       `json:"horizon_minutes"`
	Summary     string    `json:"summary"`
	At          time.Time `json:"at"`
}

// Context identifies what an analysis call is about.
type Context struct {
	Ticker    string `json:"ticker"`
	EventType string `json:"event_type"`
}

// Service analyzes event text into an Insight. It is pure: all gating
// (budgets, caches) happens in the Gate before a call is made.
type Service interface {
	Analyze(ctx context.Context, text string, meta Context) (Insight, error)
}

// Analyzer implements Service on top of the completion client.
type Analyzer struct {
	client *Client
	logger zerolog.Logger
}

// NewAnalyzer builds an Analyzer.
func NewAnalyzer(client *Client, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		client: client,
		logger: logger.With().Str("component", "llm").Logger(),
	}
}

// insightResponse is the wire shape the model is prompted to produce.
type insightResponse struct {
	Sentiment   float64 `json:"sentiment"`
	Confidence  float64 `json:"confidence"`
	Trigger     string  `json:"trigger"`
	HorizonMins int     `json:"horizon_minutes"`
	Summary     string  `json:"summary"`
}

// Analyze runs one completion and parses the JSON verdict.
func (a *Analyzer) Analyze(ctx context.Context, text string, meta Context) (Insight, error) {
	if !a.client.IsConfigured() {
		return Insight{}, fmt.Errorf("llm client not configured")
	}

	prompt := BuildInsightPrompt(meta.Ticker, meta.EventType, text)
	response, err := a.client.Complete(ctx, SystemPromptInsight, prompt)
	if err != nil {
		return Insight{}, fmt.Errorf("llm request failed: %w", err)
	}

	clean := stripMarkdownCodeBlock(response)
	clean = extractJSONObject(clean)

	var parsed insightResponse
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		return Insight{}, fmt.Errorf("failed to parse llm response: %w", err)
	}

	insight := Insight{
		Sentiment:   clampRange(parsed.Sentiment, -1, 1),
		Confidence:  clampRange(parsed.Confidence, 0, 1),
		Trigger:     parsed.Trigger,
		HorizonMins: clampHorizon(parsed.HorizonMins),
		Summary:     parsed.Summary,
		At:          time.Now(),
	}

	a.logger.Debug().Str("ticker", meta.Ticker).Str("event", meta.EventType).
		Float64("sentiment", insight.Sentiment).Int("horizon", insight.HorizonMins).
		Msg("Insight parsed")

	return insight, nil
}

// stripMarkdownCodeBlock unwraps ```json fences some providers add.
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)

	re := regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")
	if matches := re.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	return response
}

// extractJSONObject slices from the first '{' to the last '}' so prose
// around the object does not break parsing.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampHorizon(mins int) int {
	if mins < horizonMinMins {
		return horizonMinMins
	}
	if mins > horizonMaxMins {
		return horizonMaxMins
	}
	return mins
}
