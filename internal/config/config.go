package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Anchoring backends selectable with ANCHOR_BACKEND.
const (
	BackendLedger = "ledger"
	BackendLocal  = "local"
)

// DefaultValidatorHash identifies the anchor validator script the portal
// anchors under on Cardano preprod.
const DefaultValidatorHash = "fce9a95619c8b7a555b29ab7e44ddcb31ca8c4c825ea38d5c8a5c8a2"

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	AuthMode           string        `mapstructure:"AUTH_MODE"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	PayloadLimit       string        `mapstructure:"PAYLOAD_LIMIT"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	CacheTTL           time.Duration `mapstructure:"CACHE_TTL"`
	HIPAAEncryptionKey string        `mapstructure:"HIPAA_ENCRYPTION_KEY"`

	AnchorBackend       string        `mapstructure:"ANCHOR_BACKEND"`
	AnchorValidatorHash string        `mapstructure:"ANCHOR_VALIDATOR_HASH"`
	AnchorSubmitTimeout time.Duration `mapstructure:"ANCHOR_SUBMIT_TIMEOUT"`
	AnchorLookupTimeout time.Duration `mapstructure:"ANCHOR_LOOKUP_TIMEOUT"`
	LocalStorePath      string        `mapstructure:"LOCAL_STORE_PATH"`

	CardanoNetwork      string `mapstructure:"CARDANO_NETWORK"`
	BlockfrostURL       string `mapstructure:"BLOCKFROST_URL"`
	BlockfrostProjectID string `mapstructure:"BLOCKFROST_PROJECT_ID"`
	WalletSigningKey    string `mapstructure:"WALLET_SIGNING_KEY"`
	WalletAddress       string `mapstructure:"WALLET_ADDRESS"`
	WalletTTLSlots      uint64 `mapstructure:"WALLET_TTL_SLOTS"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"BODY_LIMIT", "PAYLOAD_LIMIT", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CACHE_TTL", "HIPAA_ENCRYPTION_KEY",
	"ANCHOR_BACKEND", "ANCHOR_VALIDATOR_HASH", "ANCHOR_SUBMIT_TIMEOUT", "ANCHOR_LOOKUP_TIMEOUT", "LOCAL_STORE_PATH",
	"CARDANO_NETWORK", "BLOCKFROST_URL", "BLOCKFROST_PROJECT_ID", "WALLET_SIGNING_KEY", "WALLET_ADDRESS",
	"WALLET_TTL_SLOTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("PAYLOAD_LIMIT", "10M")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CACHE_TTL", "24h")
	v.SetDefault("ANCHOR_BACKEND", BackendLocal)
	v.SetDefault("ANCHOR_VALIDATOR_HASH", DefaultValidatorHash)
	v.SetDefault("ANCHOR_SUBMIT_TIMEOUT", "45s")
	v.SetDefault("ANCHOR_LOOKUP_TIMEOUT", "10s")
	v.SetDefault("LOCAL_STORE_PATH", "./data/anchors")
	v.SetDefault("CARDANO_NETWORK", "preprod")
	v.SetDefault("WALLET_TTL_SLOTS", 7200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.AnchorBackend = strings.ToLower(strings.TrimSpace(cfg.AnchorBackend))
	cfg.AnchorValidatorHash = strings.ToLower(strings.TrimSpace(cfg.AnchorValidatorHash))

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development): all requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development means "development" (no
// auth) and anything else means "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// BlockfrostBaseURL returns BLOCKFROST_URL when set, otherwise the public
// Blockfrost endpoint for CARDANO_NETWORK.
func (c *Config) BlockfrostBaseURL() string {
	if c.BlockfrostURL != "" {
		return strings.TrimRight(c.BlockfrostURL, "/")
	}
	switch c.CardanoNetwork {
	case "mainnet":
		return "https://cardano-mainnet.blockfrost.io/api/v0"
	case "preview":
		return "https://cardano-preview.blockfrost.io/api/v0"
	default:
		return "https://cardano-preprod.blockfrost.io/api/v0"
	}
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_MODE=jwt requires AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER")
	}

	switch c.AnchorBackend {
	case BackendLocal:
		if c.LocalStorePath == "" {
			return fmt.Errorf("LOCAL_STORE_PATH is required when ANCHOR_BACKEND is %q", BackendLocal)
		}
	case BackendLedger:
		if c.BlockfrostProjectID == "" {
			return fmt.Errorf("BLOCKFROST_PROJECT_ID is required when ANCHOR_BACKEND is %q", BackendLedger)
		}
		if c.WalletSigningKey == "" {
			return fmt.Errorf("WALLET_SIGNING_KEY is required when ANCHOR_BACKEND is %q", BackendLedger)
		}
		if b, err := hex.DecodeString(c.WalletSigningKey); err != nil || len(b) != 32 {
			return fmt.Errorf("WALLET_SIGNING_KEY must be a 32-byte ed25519 seed (64 hex chars)")
		}
	default:
		return fmt.Errorf("ANCHOR_BACKEND must be %q or %q, got %q", BackendLedger, BackendLocal, c.AnchorBackend)
	}

	switch c.CardanoNetwork {
	case "preprod", "preview", "mainnet":
	default:
		return fmt.Errorf("CARDANO_NETWORK must be preprod, preview or mainnet, got %q", c.CardanoNetwork)
	}

	if b, err := hex.DecodeString(c.AnchorValidatorHash); err != nil || len(b) != 28 {
		return fmt.Errorf("ANCHOR_VALIDATOR_HASH must be a 28-byte script hash (56 hex chars)")
	}

	if c.AnchorSubmitTimeout <= 0 || c.AnchorLookupTimeout <= 0 {
		return fmt.Errorf("ANCHOR_SUBMIT_TIMEOUT and ANCHOR_LOOKUP_TIMEOUT must be positive")
	}

	// HIPAA encryption key validation
	if c.IsProduction() && c.HIPAAEncryptionKey == "" && c.AnchorBackend == BackendLocal {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production for the local backend")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	return nil
}
