package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AlpacaConfig    AlpacaConfig    `json:"alpaca"`
	TradingConfig   TradingConfig   `json:"trading"`
	UniverseConfig  UniverseConfig  `json:"universe"`
	SignalConfig    SignalConfig    `json:"signal"`
	BasketConfig    BasketConfig    `json:"basket"`
	RiskConfig      RiskConfig      `json:"risk"`
	RateLimitConfig RateLimitConfig `json:"rate_limit"`
	LLMConfig       LLMConfig       `json:"llm"`
	EdgarConfig     EdgarConfig     `json:"edgar"`
	MarketConfig    MarketConfig    `json:"market"`
	EODConfig       EODConfig       `json:"eod"`
	AlertsConfig    AlertsConfig    `json:"alerts"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	ServerConfig    ServerConfig    `json:"server"`
	AuthConfig      AuthConfig      `json:"auth"`
	VaultConfig     VaultConfig     `json:"vault"`
	RedisConfig     RedisConfig     `json:"redis"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	CoordConfig     CoordConfig     `json:"coord"`
	MetricsConfig   MetricsConfig   `json:"metrics"`
}

// AlpacaConfig holds Alpaca broker and market data credentials
type AlpacaConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	BaseURL   string `json:"base_url"`  // trading API endpoint
	DataURL   string `json:"data_url"`  // market data endpoint
	Feed      string `json:"feed"`      // "iex" or "sip"
	Paper     bool   `json:"paper"`     // paper-trading account
	MockMode  bool   `json:"mock_mode"` // use the in-process paper broker instead of Alpaca
}

type TradingConfig struct {
	AutoMode           bool    `json:"auto_mode"`            // false = log decisions without submitting orders
	FractionalShares   bool    `json:"fractional_shares"`    // allow fractional quantities on eligible symbols
	MaxPricePerShare   float64 `json:"max_price_per_share"`  // skip entries above this price when fractional is off
	OrderRetryAttempts int     `json:"order_retry_attempts"` // transient-error retries per order
	QueueForOpen       bool    `json:"queue_for_open"`       // re-queue market_closed orders as opening auction orders
}

// UniverseConfig defines the scanned symbols and their polling cadence.
type UniverseConfig struct {
	TierASymbols      []string `json:"tier_a_symbols"`      // high-priority, scanned every TierAIntervalSecs
	TierBSymbols      []string `json:"tier_b_symbols"`      // normal priority
	BenchSymbols      []string `json:"bench_symbols"`       // event-driven only, never polled
	TierAIntervalSecs int      `json:"tier_a_interval_secs"`
	TierBIntervalSecs int      `json:"tier_b_interval_secs"`
	WarmupDays        int      `json:"warmup_days"` // trading days of minute bars backfilled at startup
}

type SignalConfig struct {
	CutoffRTH             float64 `json:"cutoff_rth"`              // min |score| during regular hours
	CutoffEXT             float64 `json:"cutoff_ext"`              // min |score| during extended hours
	MixerThreshold        float64 `json:"mixer_threshold"`         // must equal CutoffRTH
	MixerCooldownSecs     int     `json:"mixer_cooldown_secs"`     // per-symbol re-emit cooldown
	ImprovementDelta      float64 `json:"improvement_delta"`       // score gain that overrides the cooldown
	DirectionLockSecs     int     `json:"direction_lock_secs"`     // block opposite-direction entries after a fill
	SessionDailyCap       int     `json:"session_daily_cap"`       // actionable signals per symbol per day
	EdgarBonus            float64 `json:"edgar_bonus"`             // score bonus applied on fresh filings
	ConflictCheckEnabled  bool    `json:"conflict_check_enabled"`  // suppress entries against an open opposite position
	InsufficientHistoryMin int    `json:"insufficient_history_min"` // min bars before a symbol is scored
}

// BasketSpec names a correlated group and the inverse ETF traded when the
// group sells off together.
type BasketSpec struct {
	Symbols    []string `json:"symbols"`
	InverseETF string   `json:"inverse_etf"`
}

type BasketConfig struct {
	Baskets              map[string]BasketSpec `json:"baskets"`
	WindowSecs           int                   `json:"window_secs"`             // freshness window for member scores
	MinTickers           int                   `json:"min_tickers"`             // distinct members required
	NegativeFraction     float64               `json:"negative_fraction"`       // share of members that must be negative
	MeanScoreMax         float64               `json:"mean_score_max"`          // mean score must be at or below this
	ETFLockTTLSecs       int                   `json:"etf_lock_ttl_secs"`       // single-flight lock on the inverse ETF
	InverseEntryMinScore float64               `json:"inverse_entry_min_score"` // synthetic score given to ETF entries
}

type RiskConfig struct {
	RiskPerTrade      float64 `json:"risk_per_trade"`      // equity fraction risked between entry and stop
	MaxConcurrentRisk float64 `json:"max_concurrent_risk"` // sum of open-position risk fractions
	DailyLossLimit    float64 `json:"daily_loss_limit"`    // realized-loss fraction that trips the kill switch
	MaxPositions      int     `json:"max_positions"`
	MinSlots          int     `json:"min_slots"`           // floor for remaining-slot division in sizing
	MaxEquityExposure float64 `json:"max_equity_exposure"` // equity fraction deployable across all slots
	InverseShrink     float64 `json:"inverse_shrink"`      // size multiplier for inverse-ETF entries
	WarnFraction      float64 `json:"warn_fraction"`       // fraction of the daily limit that emits a warning
}

// RateLimitConfig splits the provider's per-minute allowance into tiers.
// TierA + TierB + Reserve must equal PerMinuteTotal.
type RateLimitConfig struct {
	PerMinuteTotal    int `json:"per_minute_total"`
	TierATokens       int `json:"tier_a_tokens"`
	TierBTokens       int `json:"tier_b_tokens"`
	ReserveTokens     int `json:"reserve_tokens"`
	ReserveWindowSecs int `json:"reserve_window_secs"` // seconds into the minute during which Reserve may be borrowed
}

type LLMConfig struct {
	Enabled           bool    `json:"enabled"`
	Provider          string  `json:"provider"` // "claude", "openai", or "deepseek"
	ClaudeAPIKey      string  `json:"claude_api_key"`
	OpenAIAPIKey      string  `json:"openai_api_key"`
	DeepSeekAPIKey    string  `json:"deepseek_api_key"`
	Model             string  `json:"model"`
	DailyCallCap      int     `json:"daily_call_cap"`
	CacheTTLMins      int     `json:"cache_ttl_mins"`       // per (event type, symbol) verdict cache
	MonthlyCostCapUSD float64 `json:"monthly_cost_cap_usd"` // auto-disable once estimated spend crosses this
	CostPerCallUSD    float64 `json:"cost_per_call_usd"`    // spend estimate per completed call
	TimeoutSecs       int     `json:"timeout_secs"`
	ValidatorEnabled  bool    `json:"validator_enabled"`     // second-pass confidence adjustment for strong scores
	ValidatorMinScore float64 `json:"validator_min_score"`   // |score| at which the validator runs
	GateMinScore      float64 `json:"gate_min_score"`        // |score| that forces a gate consult without an event
}

type EdgarConfig struct {
	Enabled   bool     `json:"enabled"`
	UserAgent string   `json:"user_agent"` // SEC requires a contact user agent
	PollSecs  int      `json:"poll_secs"`
	Forms     []string `json:"forms"` // form types worth reacting to
}

type MarketConfig struct {
	Timezone string   `json:"timezone"`
	Holidays []string `json:"holidays"` // full-closure dates, "2006-01-02"
}

type EODConfig struct {
	FlattenLeadMins int  `json:"flatten_lead_mins"` // minutes before the close to start flattening
	ReportEnabled   bool `json:"report_enabled"`
	ReportDir       string `json:"report_dir"`
}

type AlertsConfig struct {
	Enabled         bool   `json:"enabled"`
	SlackWebhookURL string `json:"slack_webhook_url"`
	MinLevel        string `json:"min_level"` // info, warn, error
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds ops API authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
	AdminUser           string        `json:"admin_user"`
	AdminPasswordHash   string        `json:"admin_password_hash"` // bcrypt hash
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for API keys
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig holds Redis configuration for coordination and rate limiting
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"` // postgres DSN
}

// CoordConfig governs the single-writer instance claim.
type CoordConfig struct {
	InstanceID    string `json:"instance_id"`
	ClaimTTLSecs  int    `json:"claim_ttl_secs"`
	HeartbeatSecs int    `json:"heartbeat_secs"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Credentials may come from the environment here or from Vault at startup.
func applyEnvOverrides(cfg *Config) {
	// Alpaca config
	cfg.AlpacaConfig.APIKey = getEnvOrDefault("APCA_API_KEY_ID", cfg.AlpacaConfig.APIKey)
	cfg.AlpacaConfig.APISecret = getEnvOrDefault("APCA_API_SECRET_KEY", cfg.AlpacaConfig.APISecret)
	cfg.AlpacaConfig.BaseURL = getEnvOrDefault("APCA_API_BASE_URL", cfg.AlpacaConfig.BaseURL)
	if cfg.AlpacaConfig.BaseURL == "" {
		cfg.AlpacaConfig.BaseURL = "https://paper-api.alpaca.markets"
	}
	cfg.AlpacaConfig.DataURL = getEnvOrDefault("APCA_API_DATA_URL", cfg.AlpacaConfig.DataURL)
	if cfg.AlpacaConfig.DataURL == "" {
		cfg.AlpacaConfig.DataURL = "https://data.alpaca.markets"
	}
	cfg.AlpacaConfig.Feed = getEnvOrDefault("ALPACA_FEED", "iex")
	cfg.AlpacaConfig.Paper = getEnvOrDefault("ALPACA_PAPER", "true") == "true"
	cfg.AlpacaConfig.MockMode = getEnvOrDefault("MOCK_MODE", "false") == "true"

	// Trading config
	cfg.TradingConfig.AutoMode = getEnvOrDefault("AUTO_MODE", "false") == "true"
	cfg.TradingConfig.FractionalShares = getEnvOrDefault("FRACTIONAL_SHARES", "false") == "true"
	cfg.TradingConfig.MaxPricePerShare = getEnvFloatOrDefault("MAX_PRICE_PER_SHARE", 120.0)
	cfg.TradingConfig.OrderRetryAttempts = getEnvIntOrDefault("ORDER_RETRY_ATTEMPTS", 3)
	cfg.TradingConfig.QueueForOpen = getEnvOrDefault("QUEUE_FOR_OPEN", "true") == "true"

	// Universe config
	cfg.UniverseConfig.TierASymbols = getEnvSliceOrDefault("TIER_A_SYMBOLS", cfg.UniverseConfig.TierASymbols)
	if len(cfg.UniverseConfig.TierASymbols) == 0 {
		cfg.UniverseConfig.TierASymbols = []string{"NVDA", "AAPL", "MSFT", "TSLA"}
	}
	cfg.UniverseConfig.TierBSymbols = getEnvSliceOrDefault("TIER_B_SYMBOLS", cfg.UniverseConfig.TierBSymbols)
	if len(cfg.UniverseConfig.TierBSymbols) == 0 {
		cfg.UniverseConfig.TierBSymbols = []string{"AMZN", "GOOGL", "META", "SQQQ"}
	}
	cfg.UniverseConfig.BenchSymbols = getEnvSliceOrDefault("BENCH_SYMBOLS", cfg.UniverseConfig.BenchSymbols)
	if len(cfg.UniverseConfig.BenchSymbols) == 0 {
		cfg.UniverseConfig.BenchSymbols = []string{"AMD", "AVGO", "NFLX", "SOXS"}
	}
	cfg.UniverseConfig.TierAIntervalSecs = getEnvIntOrDefault("TIER_A_INTERVAL_SECS", 30)
	cfg.UniverseConfig.TierBIntervalSecs = getEnvIntOrDefault("TIER_B_INTERVAL_SECS", 60)
	cfg.UniverseConfig.WarmupDays = getEnvIntOrDefault("WARMUP_DAYS", 2)

	// Signal config
	cfg.SignalConfig.CutoffRTH = getEnvFloatOrDefault("SIGNAL_CUTOFF_RTH", 0.18)
	cfg.SignalConfig.CutoffEXT = getEnvFloatOrDefault("SIGNAL_CUTOFF_EXT", 0.28)
	cfg.SignalConfig.MixerThreshold = getEnvFloatOrDefault("MIXER_THRESHOLD", cfg.SignalConfig.CutoffRTH)
	cfg.SignalConfig.MixerCooldownSecs = getEnvIntOrDefault("MIXER_COOLDOWN_SECS", 180)
	cfg.SignalConfig.ImprovementDelta = getEnvFloatOrDefault("MIXER_IMPROVEMENT_DELTA", 0.10)
	cfg.SignalConfig.DirectionLockSecs = getEnvIntOrDefault("DIRECTION_LOCK_SECS", 300)
	cfg.SignalConfig.SessionDailyCap = getEnvIntOrDefault("SESSION_DAILY_CAP", 6)
	cfg.SignalConfig.EdgarBonus = getEnvFloatOrDefault("EDGAR_BONUS", 0.1)
	cfg.SignalConfig.ConflictCheckEnabled = getEnvOrDefault("CONFLICT_CHECK_ENABLED", "true") == "true"
	cfg.SignalConfig.InsufficientHistoryMin = getEnvIntOrDefault("MIN_HISTORY_BARS", 20)

	// Basket config
	if len(cfg.BasketConfig.Baskets) == 0 {
		cfg.BasketConfig.Baskets = map[string]BasketSpec{
			"MEGATECH": {
				Symbols:    []string{"NVDA", "AAPL", "MSFT", "AMZN", "GOOGL", "META", "TSLA"},
				InverseETF: "SQQQ",
			},
			"SEMIS": {
				Symbols:    []string{"NVDA", "AMD", "AVGO"},
				InverseETF: "SOXS",
			},
		}
	}
	cfg.BasketConfig.WindowSecs = getEnvIntOrDefault("BASKET_WINDOW_SECS", 300)
	cfg.BasketConfig.MinTickers = getEnvIntOrDefault("BASKET_MIN_TICKERS", 3)
	cfg.BasketConfig.NegativeFraction = getEnvFloatOrDefault("BASKET_NEG_FRACTION", 0.45)
	cfg.BasketConfig.MeanScoreMax = getEnvFloatOrDefault("BASKET_MEAN_SCORE_MAX", -0.12)
	cfg.BasketConfig.ETFLockTTLSecs = getEnvIntOrDefault("ETF_LOCK_TTL_SECS", 90)
	cfg.BasketConfig.InverseEntryMinScore = getEnvFloatOrDefault("INVERSE_ENTRY_MIN_SCORE", 0.30)

	// Risk config
	cfg.RiskConfig.RiskPerTrade = getEnvFloatOrDefault("RISK_PER_TRADE", 0.005)
	cfg.RiskConfig.MaxConcurrentRisk = getEnvFloatOrDefault("MAX_CONCURRENT_RISK", 0.02)
	cfg.RiskConfig.DailyLossLimit = getEnvFloatOrDefault("DAILY_LOSS_LIMIT", 0.02)
	cfg.RiskConfig.MaxPositions = getEnvIntOrDefault("MAX_POSITIONS", 4)
	cfg.RiskConfig.MinSlots = getEnvIntOrDefault("MIN_SLOTS", 3)
	cfg.RiskConfig.MaxEquityExposure = getEnvFloatOrDefault("MAX_EQUITY_EXPOSURE", 0.8)
	cfg.RiskConfig.InverseShrink = getEnvFloatOrDefault("INVERSE_SHRINK", 0.5)
	cfg.RiskConfig.WarnFraction = getEnvFloatOrDefault("DAILY_LOSS_WARN_FRACTION", 0.8)

	// Rate limit config
	cfg.RateLimitConfig.PerMinuteTotal = getEnvIntOrDefault("RATE_LIMIT_PER_MINUTE", 10)
	cfg.RateLimitConfig.TierATokens = getEnvIntOrDefault("RATE_LIMIT_TIER_A", 6)
	cfg.RateLimitConfig.TierBTokens = getEnvIntOrDefault("RATE_LIMIT_TIER_B", 3)
	cfg.RateLimitConfig.ReserveTokens = getEnvIntOrDefault("RATE_LIMIT_RESERVE", 1)
	cfg.RateLimitConfig.ReserveWindowSecs = getEnvIntOrDefault("RATE_LIMIT_RESERVE_WINDOW_SECS", 10)

	// LLM config
	cfg.LLMConfig.Enabled = getEnvOrDefault("LLM_ENABLED", "true") == "true"
	cfg.LLMConfig.Provider = getEnvOrDefault("LLM_PROVIDER", "claude")
	cfg.LLMConfig.ClaudeAPIKey = getEnvOrDefault("LLM_CLAUDE_API_KEY", cfg.LLMConfig.ClaudeAPIKey)
	cfg.LLMConfig.OpenAIAPIKey = getEnvOrDefault("LLM_OPENAI_API_KEY", cfg.LLMConfig.OpenAIAPIKey)
	cfg.LLMConfig.DeepSeekAPIKey = getEnvOrDefault("LLM_DEEPSEEK_API_KEY", cfg.LLMConfig.DeepSeekAPIKey)
	cfg.LLMConfig.Model = getEnvOrDefault("LLM_MODEL", "claude-3-haiku-20240307")
	cfg.LLMConfig.DailyCallCap = getEnvIntOrDefault("LLM_DAILY_CALL_CAP", 120)
	cfg.LLMConfig.CacheTTLMins = getEnvIntOrDefault("LLM_CACHE_TTL_MINS", 30)
	cfg.LLMConfig.MonthlyCostCapUSD = getEnvFloatOrDefault("LLM_MONTHLY_COST_CAP_USD", 50.0)
	cfg.LLMConfig.CostPerCallUSD = getEnvFloatOrDefault("LLM_COST_PER_CALL_USD", 0.01)
	cfg.LLMConfig.TimeoutSecs = getEnvIntOrDefault("LLM_TIMEOUT_SECS", 8)
	cfg.LLMConfig.ValidatorEnabled = getEnvOrDefault("LLM_VALIDATOR_ENABLED", "true") == "true"
	cfg.LLMConfig.ValidatorMinScore = getEnvFloatOrDefault("LLM_VALIDATOR_MIN_SCORE", 0.60)
	cfg.LLMConfig.GateMinScore = getEnvFloatOrDefault("LLM_GATE_MIN_SCORE", 0.25)

	// EDGAR config
	cfg.EdgarConfig.Enabled = getEnvOrDefault("EDGAR_ENABLED", "false") == "true"
	cfg.EdgarConfig.UserAgent = getEnvOrDefault("SEC_USER_AGENT", cfg.EdgarConfig.UserAgent)
	cfg.EdgarConfig.PollSecs = getEnvIntOrDefault("EDGAR_POLL_SECS", 120)
	if len(cfg.EdgarConfig.Forms) == 0 {
		cfg.EdgarConfig.Forms = []string{"8-K", "4"}
	}

	// Market config
	cfg.MarketConfig.Timezone = getEnvOrDefault("MARKET_TIMEZONE", "America/New_York")
	cfg.MarketConfig.Holidays = getEnvSliceOrDefault("MARKET_HOLIDAYS", cfg.MarketConfig.Holidays)

	// EOD config
	cfg.EODConfig.FlattenLeadMins = getEnvIntOrDefault("EOD_FLATTEN_LEAD_MINS", 10)
	cfg.EODConfig.ReportEnabled = getEnvOrDefault("EOD_REPORT_ENABLED", "true") == "true"
	cfg.EODConfig.ReportDir = getEnvOrDefault("EOD_REPORT_DIR", "logs/eod")

	// Alerts config
	cfg.AlertsConfig.Enabled = getEnvOrDefault("ALERTS_ENABLED", "false") == "true"
	cfg.AlertsConfig.SlackWebhookURL = getEnvOrDefault("SLACK_WEBHOOK_URL", cfg.AlertsConfig.SlackWebhookURL)
	cfg.AlertsConfig.MinLevel = getEnvOrDefault("ALERTS_MIN_LEVEL", "warn")

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Server config
	cfg.ServerConfig.Enabled = getEnvOrDefault("WEB_ENABLED", "true") == "true"
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 12*time.Hour)
	cfg.AuthConfig.AdminUser = getEnvOrDefault("AUTH_ADMIN_USER", "admin")
	cfg.AuthConfig.AdminPasswordHash = getEnvOrDefault("AUTH_ADMIN_PASSWORD_HASH", cfg.AuthConfig.AdminPasswordHash)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "trading-bot/api-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DATABASE_ENABLED", "true") == "true"
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)

	// Coordination config
	cfg.CoordConfig.InstanceID = getEnvOrDefault("INSTANCE_ID", cfg.CoordConfig.InstanceID)
	cfg.CoordConfig.ClaimTTLSecs = getEnvIntOrDefault("CLAIM_TTL_SECS", 30)
	cfg.CoordConfig.HeartbeatSecs = getEnvIntOrDefault("CLAIM_HEARTBEAT_SECS", 10)

	// Metrics config
	cfg.MetricsConfig.Enabled = getEnvOrDefault("METRICS_ENABLED", "true") == "true"
}

// Validate rejects configurations that would make the pipeline misbehave
// silently. Called by Load after overrides are applied.
func (c *Config) Validate() error {
	rl := c.RateLimitConfig
	if rl.TierATokens+rl.TierBTokens+rl.ReserveTokens != rl.PerMinuteTotal {
		return fmt.Errorf("rate limit tiers must sum to the per-minute total: %d+%d+%d != %d",
			rl.TierATokens, rl.TierBTokens, rl.ReserveTokens, rl.PerMinuteTotal)
	}
	if c.SignalConfig.MixerThreshold != c.SignalConfig.CutoffRTH {
		return fmt.Errorf("mixer threshold %.4f must equal the RTH cutoff %.4f",
			c.SignalConfig.MixerThreshold, c.SignalConfig.CutoffRTH)
	}
	if c.SignalConfig.CutoffRTH < 0.12 || c.SignalConfig.CutoffRTH > 0.30 {
		return fmt.Errorf("RTH cutoff %.4f outside allowed range [0.12, 0.30]", c.SignalConfig.CutoffRTH)
	}
	if c.SignalConfig.CutoffEXT < 0.18 || c.SignalConfig.CutoffEXT > 0.38 {
		return fmt.Errorf("EXT cutoff %.4f outside allowed range [0.18, 0.38]", c.SignalConfig.CutoffEXT)
	}
	if c.RiskConfig.RiskPerTrade <= 0 || c.RiskConfig.MaxConcurrentRisk <= 0 {
		return fmt.Errorf("risk fractions must be positive")
	}
	if c.RiskConfig.MaxPositions <= 0 {
		return fmt.Errorf("max positions must be positive")
	}
	for name, spec := range c.BasketConfig.Baskets {
		if spec.InverseETF == "" {
			return fmt.Errorf("basket %s has no inverse ETF", name)
		}
		if len(spec.Symbols) < c.BasketConfig.MinTickers {
			return fmt.Errorf("basket %s has %d symbols, fewer than the %d required to ever fire",
				name, len(spec.Symbols), c.BasketConfig.MinTickers)
		}
	}
	if _, err := time.LoadLocation(c.MarketConfig.Timezone); err != nil {
		return fmt.Errorf("invalid market timezone %q: %w", c.MarketConfig.Timezone, err)
	}
	for _, d := range c.MarketConfig.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("invalid holiday date %q: %w", d, err)
		}
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		AlpacaConfig: AlpacaConfig{
			APIKey:    "your_api_key_here",
			APISecret: "your_api_secret_here",
			BaseURL:   "https://paper-api.alpaca.markets",
			DataURL:   "https://data.alpaca.markets",
			Feed:      "iex",
			Paper:     true,
		},
		TradingConfig: TradingConfig{
			AutoMode:           false,
			FractionalShares:   false,
			MaxPricePerShare:   120.0,
			OrderRetryAttempts: 3,
			QueueForOpen:       true,
		},
		UniverseConfig: UniverseConfig{
			TierASymbols:      []string{"NVDA", "AAPL", "MSFT", "TSLA"},
			TierBSymbols:      []string{"AMZN", "GOOGL", "META", "SQQQ"},
			BenchSymbols:      []string{"AMD", "AVGO", "NFLX", "SOXS"},
			TierAIntervalSecs: 30,
			TierBIntervalSecs: 60,
			WarmupDays:        2,
		},
		SignalConfig: SignalConfig{
			CutoffRTH:              0.18,
			CutoffEXT:              0.28,
			MixerThreshold:         0.18,
			MixerCooldownSecs:      180,
			ImprovementDelta:       0.10,
			DirectionLockSecs:      300,
			SessionDailyCap:        6,
			EdgarBonus:             0.1,
			ConflictCheckEnabled:   true,
			InsufficientHistoryMin: 20,
		},
		RiskConfig: RiskConfig{
			RiskPerTrade:      0.005,
			MaxConcurrentRisk: 0.02,
			DailyLossLimit:    0.02,
			MaxPositions:      4,
			MinSlots:          3,
			MaxEquityExposure: 0.8,
			InverseShrink:     0.5,
			WarnFraction:      0.8,
		},
		RateLimitConfig: RateLimitConfig{
			PerMinuteTotal:    10,
			TierATokens:       6,
			TierBTokens:       3,
			ReserveTokens:     1,
			ReserveWindowSecs: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:       "INFO",
			Output:      "stdout",
			JSONFormat:  true,
			IncludeFile: false,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
