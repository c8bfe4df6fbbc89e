package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Webhook  WebhookConfig
	Ledger   LedgerConfig
	Pricing  PricingConfig
	Fulfill  FulfillConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// WebhookConfig holds inbound webhook verification configuration
type WebhookConfig struct {
	SigningSecret string        // shared secret for event signatures
	Tolerance     time.Duration // max event age before rejection
}

// LedgerConfig holds ledger node and issuance contract configuration
type LedgerConfig struct {
	RPCEndpoint     string
	ContractAddress string // mint gateway contract
	MinterKey       string // hex private key of the signing key
}

// PricingConfig holds payment amount sanity-check configuration
type PricingConfig struct {
	UnitPriceCents int64
	ToleranceBps   int64
	MaxQuantity    int64
}

// FulfillConfig holds submission, confirmation and retry configuration
type FulfillConfig struct {
	ConfirmationThreshold int64
	MaxFeeWei             *big.Int
	StuckDeadline         time.Duration
	ReplacementCap        int
	MaxAttempts           int
	FailedGrace           time.Duration
	SweepInterval         time.Duration
	EventRetention        time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "mintbridge"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Webhook: WebhookConfig{
			SigningSecret: getEnv("WEBHOOK_SIGNING_SECRET", ""),
			Tolerance:     time.Duration(getEnvInt("WEBHOOK_TOLERANCE_SECONDS", 300)) * time.Second,
		},
		Ledger: LedgerConfig{
			RPCEndpoint:     getEnv("RPC_ENDPOINT", ""),
			ContractAddress: getEnv("MINT_CONTRACT_ADDRESS", ""),
			MinterKey:       getEnv("MINTER_PRIVATE_KEY", ""),
		},
		Pricing: PricingConfig{
			UnitPriceCents: int64(getEnvInt("UNIT_PRICE_CENTS", 6999)),
			ToleranceBps:   int64(getEnvInt("PRICE_TOLERANCE_BPS", 100)),
			MaxQuantity:    int64(getEnvInt("MAX_QUANTITY", 10)),
		},
		Fulfill: FulfillConfig{
			ConfirmationThreshold: int64(getEnvInt("CONFIRMATION_THRESHOLD", 3)),
			MaxFeeWei:             getEnvBig("MAX_FEE_WEI", new(big.Int).Mul(big.NewInt(150), big.NewInt(1_000_000_000))),
			StuckDeadline:         time.Duration(getEnvInt("STUCK_DEADLINE_SECONDS", 600)) * time.Second,
			ReplacementCap:        getEnvInt("REPLACEMENT_CAP", 3),
			MaxAttempts:           getEnvInt("MAX_ATTEMPTS", 5),
			FailedGrace:           time.Duration(getEnvInt("FAILED_GRACE_SECONDS", 3600)) * time.Second,
			SweepInterval:         time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 10)) * time.Second,
			EventRetention:        time.Duration(getEnvInt("EVENT_RETENTION_DAYS", 30)) * 24 * time.Hour,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Webhook.SigningSecret == "" {
		return fmt.Errorf("WEBHOOK_SIGNING_SECRET is required")
	}

	if c.Ledger.RPCEndpoint == "" {
		return fmt.Errorf("RPC_ENDPOINT is required")
	}

	if c.Ledger.MinterKey == "" {
		return fmt.Errorf("MINTER_PRIVATE_KEY is required")
	}

	if c.Ledger.ContractAddress == "" {
		return fmt.Errorf("MINT_CONTRACT_ADDRESS is required")
	}

	if c.Pricing.UnitPriceCents <= 0 {
		return fmt.Errorf("unit price must be positive, got %d", c.Pricing.UnitPriceCents)
	}

	if c.Fulfill.ConfirmationThreshold < 0 {
		return fmt.Errorf("confirmation threshold must not be negative")
	}

	if c.Fulfill.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.Fulfill.MaxAttempts)
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBig(key string, defaultValue *big.Int) *big.Int {
	if value := os.Getenv(key); value != "" {
		if v, ok := new(big.Int).SetString(value, 10); ok {
			return v
		}
	}
	return defaultValue
}
