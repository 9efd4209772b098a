package config

import "fmt"

const (
	// ChatBackendMemory is the in-process chat network.
	ChatBackendMemory = "memory"
	// ChatBackendMTProto talks to Telegram as a user account.
	ChatBackendMTProto = "mtproto"
)

// TelegramConfig holds Telegram-specific configuration
type TelegramConfig struct {
	BotToken string `env:"TELEGRAM_BOT_TOKEN" yaml:"bot_token"`
	Debug    bool   `env:"TELEGRAM_DEBUG" yaml:"debug"`

	// AdminIDs may act on behalf of any owner.
	AdminIDs []int64 `env:"TELEGRAM_ADMIN_IDS" yaml:"admin_ids"`
	// AllowedOwners limits who may manage their own sessions and rules.
	// Empty means every sender is allowed.
	AllowedOwners []int64 `env:"TELEGRAM_ALLOWED_OWNERS" yaml:"allowed_owners"`

	// Backend names the user-account chat client implementation.
	Backend string `env:"TELEGRAM_BACKEND" yaml:"backend" default:"memory"`
	// APIID and APIHash identify the application to Telegram. The mtproto
	// backend requires both.
	APIID   int    `env:"TELEGRAM_API_ID" yaml:"api_id"`
	APIHash string `env:"TELEGRAM_API_HASH" yaml:"api_hash"`
}

// Enabled returns true if Telegram is configured with a bot token
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != ""
}

func (c TelegramConfig) Validate() error {
	switch c.Backend {
	case ChatBackendMemory:
		return nil
	case ChatBackendMTProto:
		if c.APIID <= 0 || c.APIHash == "" {
			return fmt.Errorf("telegram backend %q requires api_id and api_hash", c.Backend)
		}
		return nil
	default:
		return fmt.Errorf("telegram backend must be %q or %q, got %q", ChatBackendMemory, ChatBackendMTProto, c.Backend)
	}
}
