package broker

import (
	"equities-trading-bot/config"
	"equities-trading-bot/internal/marketclock"

	"github.com/rs/zerolog"
)

// New selects the execution adapter. Mock mode runs the in-process paper
// ledger; otherwise orders go to Alpaca, paper account or not.
func New(cfg *config.Config, lastPrice PriceSource, cal *marketclock.Calendar, clock marketclock.Clock, logger zerolog.Logger) Broker {
	if cfg.AlpacaConfig.MockMode {
		logger.Info().Msg("Using in-process paper broker")
		return NewPaper(lastPrice, cal, clock, logger)
	}
	logger.Info().Bool("paper_account", cfg.AlpacaConfig.Paper).Msg("Using Alpaca broker")
	return NewAlpaca(cfg.AlpacaConfig, logger)
}
