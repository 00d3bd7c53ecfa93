// Package alerts delivers operational notifications to Slack. Sends are
// queued through a buffered worker so a slow webhook never blocks the
// trading loop; when the queue is full the alert is dropped and counted
// in the log instead.
package alerts

import (
	"context"
	"fmt"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/events"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Level orders alert severities for the minimum-level filter.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func parseLevel(s string) Level {
	switch s {
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

const queueSize = 64

type message struct {
	level Level
	title string
	body  string
}

// Slack posts alerts to an incoming webhook. A Slack with an empty
// webhook URL is valid and drops everything silently.
type Slack struct {
	cfg      config.AlertsConfig
	client   *resty.Client
	minLevel Level
	queue    chan message
	logger   zerolog.Logger
}

// New builds the Slack notifier and starts its delivery worker. The
// worker drains until ctx is cancelled.
func New(ctx context.Context, cfg config.AlertsConfig, logger zerolog.Logger) *Slack {
	s := &Slack{
		cfg:      cfg,
		minLevel: parseLevel(cfg.MinLevel),
		queue:    make(chan message, queueSize),
		logger:   logger.With().Str("component", "alerts").Logger(),
	}
	if !s.enabled() {
		s.logger.Info().Msg("Slack alerts disabled")
		return s
	}

	s.client = resty.New().SetTimeout(5 * time.Second)
	go s.worker(ctx)
	return s
}

func (s *Slack) enabled() bool {
	return s.cfg.Enabled && s.cfg.SlackWebhookURL != ""
}

// Notify queues one alert. Non-blocking: a full queue drops the alert.
func (s *Slack) Notify(level, title, body string) {
	lv := parseLevel(level)
	if !s.enabled() || lv < s.minLevel {
		return
	}
	select {
	case s.queue <- message{level: lv, title: title, body: body}:
	default:
		s.logger.Warn().Str("title", title).Msg("Alert queue full, dropped")
	}
}

// Observe wires the notifier to the event bus for the alerts operators
// care about between reports.
func (s *Slack) Observe(bus *events.EventBus) {
	if !s.enabled() || bus == nil {
		return
	}
	bus.Subscribe(events.EventKillSwitch, func(e events.Event) {
		s.Notify("error", "Kill switch tripped",
			fmt.Sprintf("day pnl %v breached limit %v, trading halted until reset", e.Data["day_pnl"], e.Data["limit"]))
	})
	bus.Subscribe(events.EventRiskWarning, func(e events.Event) {
		s.Notify("warn", "Daily loss warning",
			fmt.Sprintf("day pnl %v approaching limit %v", e.Data["day_pnl"], e.Data["limit"]))
	})
	bus.Subscribe(events.EventBasketFired, func(e events.Event) {
		s.Notify("info", "Basket fired",
			fmt.Sprintf("%v -> %v, mean %v over %v tickers", e.Data["basket"], e.Data["etf"], e.Data["mean_score"], e.Data["tickers"]))
	})
	bus.Subscribe(events.EventEODFlatten, func(e events.Event) {
		s.Notify("info", "EOD flatten", fmt.Sprintf("closed %v positions", e.Data["closed"]))
	})
}

func (s *Slack) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.queue:
			s.post(ctx, m)
		}
	}
}

var levelEmoji = map[Level]string{
	LevelInfo:  ":information_source:",
	LevelWarn:  ":warning:",
	LevelError: ":rotating_light:",
}

func (s *Slack) post(ctx context.Context, m message) {
	payload := map[string]string{
		"text": fmt.Sprintf("%s *%s*\n%s", levelEmoji[m.level], m.title, m.body),
	}
	resp, err := s.client.R().SetContext(ctx).SetBody(payload).Post(s.cfg.SlackWebhookURL)
	if err != nil {
		s.logger.Warn().Err(err).Str("title", m.title).Msg("Slack post failed")
		return
	}
	if resp.IsError() {
		s.logger.Warn().Int("status", resp.StatusCode()).Str("title", m.title).Msg("Slack rejected alert")
	}
}
