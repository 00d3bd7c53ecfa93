// Package secrets pulls runtime credentials from HashiCorp Vault at
// startup. Vault is optional: when disabled, credentials come from the
// environment and this package does nothing.
package secrets

import (
	"context"
	"fmt"

	"equities-trading-bot/config"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// Client wraps the Vault API client for one-shot credential loading.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
	logger zerolog.Logger
}

// NewClient builds a Client. A disabled configuration yields a no-op
// client.
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{cfg: cfg, logger: logger.With().Str("component", "secrets").Logger()}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// Load fetches the credential secret and overlays non-empty fields onto
// the configuration. Environment values remain in place for any key the
// secret does not carry.
func (c *Client) Load(ctx context.Context, cfg *config.Config) error {
	if !c.cfg.Enabled {
		return nil
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("read vault secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("vault secret %s not found", path)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("vault secret %s has no data block", path)
	}

	overlay := func(dst *string, key string) {
		if v, ok := data[key].(string); ok && v != "" {
			*dst = v
		}
	}
	overlay(&cfg.AlpacaConfig.APIKey, "alpaca_api_key")
	overlay(&cfg.AlpacaConfig.APISecret, "alpaca_api_secret")
	overlay(&cfg.LLMConfig.ClaudeAPIKey, "claude_api_key")
	overlay(&cfg.LLMConfig.OpenAIAPIKey, "openai_api_key")
	overlay(&cfg.LLMConfig.DeepSeekAPIKey, "deepseek_api_key")
	overlay(&cfg.AuthConfig.JWTSecret, "jwt_secret")
	overlay(&cfg.AuthConfig.AdminPasswordHash, "admin_password_hash")
	overlay(&cfg.AlertsConfig.SlackWebhookURL, "slack_webhook_url")
	overlay(&cfg.RedisConfig.Password, "redis_password")
	overlay(&cfg.DatabaseConfig.URL, "database_url")

	c.logger.Info().Str("path", path).Msg("Credentials loaded from Vault")
	return nil
}
