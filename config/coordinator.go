package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// CoordinatorConfig holds every recognized option of the coordinator process.
// Values come from an optional toml file overridden by CYBERHERD_* env vars.
type CoordinatorConfig struct {
	Database struct {
		Host            string `toml:"host" env:"CYBERHERD_DB_HOST" env-default:"localhost" validate:"required"`
		Port            string `toml:"port" env:"CYBERHERD_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"CYBERHERD_DB_USER" env-default:"postgres"`
		Password        string `toml:"password" env:"CYBERHERD_DB_PASSWORD"`
		DB              string `toml:"db" env:"CYBERHERD_DB_NAME" env-default:"cyberherd"`
		SslMode         string `toml:"ssl_mode" env:"CYBERHERD_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"CYBERHERD_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"CYBERHERD_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"CYBERHERD_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"CYBERHERD_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"CYBERHERD_REDIS_HOST" env-default:"localhost"`
		Port     string `toml:"port" env:"CYBERHERD_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"CYBERHERD_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"CYBERHERD_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Wallet struct {
		BaseURL     string `toml:"base_url" env:"CYBERHERD_WALLET_BASE_URL" validate:"required,url"`
		MainAPIKey  string `toml:"main_api_key" env:"CYBERHERD_WALLET_MAIN_API_KEY" validate:"required"`
		SplitAPIKey string `toml:"split_api_key" env:"CYBERHERD_WALLET_SPLIT_API_KEY" validate:"required"`
	} `toml:"wallet"`

	Feeder struct {
		BaseURL  string `toml:"base_url" env:"CYBERHERD_FEEDER_BASE_URL" validate:"required,url"`
		User     string `toml:"user" env:"CYBERHERD_FEEDER_USER"`
		Password string `toml:"password" env:"CYBERHERD_FEEDER_PASSWORD"`
	} `toml:"feeder"`

	Nostr struct {
		PubKey    string   `toml:"pubkey" env:"CYBERHERD_NOSTR_PUBKEY" validate:"required,hexadecimal,len=64"`
		SecretKey string   `toml:"secret_key" env:"CYBERHERD_NOSTR_SECRET" validate:"required,hexadecimal,len=64"`
		Relays    []string `toml:"relays" env:"CYBERHERD_NOSTR_RELAYS" env-default:"wss://relay.damus.io,wss://relay.primal.net,wss://nos.lol" validate:"min=1,dive,startswith=ws"`
	} `toml:"nostr"`

	Feed struct {
		WebSocketURL string `toml:"websocket_url" env:"CYBERHERD_FEED_WS_URL" validate:"required,url"`
	} `toml:"feed"`

	Herd struct {
		MaxSize         int   `toml:"max_size" env:"CYBERHERD_MAX_HERD_SIZE" env-default:"10" validate:"min=1"`
		HeadbuttMinSats int64 `toml:"headbutt_min_sats" env:"CYBERHERD_HEADBUTT_MIN_SATS" env-default:"10" validate:"min=1"`
		TriggerSats     int64 `toml:"trigger_amount_sats" env:"CYBERHERD_TRIGGER_AMOUNT_SATS" env-default:"1000" validate:"min=1"`
	} `toml:"herd"`

	Split struct {
		FallbackWallet string `toml:"fallback_wallet" env:"CYBERHERD_FALLBACK_WALLET" validate:"required,contains=@"`
		FallbackAlias  string `toml:"fallback_alias" env:"CYBERHERD_FALLBACK_ALIAS" env-default:"Herd Treasury"`
	} `toml:"split"`
}

// Validate checks structural constraints that cleanenv cannot express
// (URL shapes, hex key lengths, bounds). Called once at startup; any
// violation is fatal.
func (c *CoordinatorConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
