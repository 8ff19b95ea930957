package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the arena daemon.
type Config struct {
	// Scheduling
	TickSeconds          int
	CleanupTime          string // "HH:MM" UTC, daily event-store cleanup
	EpochDurationMinutes int    // < 1440 switches the epoch controller to demo mode

	// Arenas
	ArenaTokens []string // lowercased token addresses, one arena each

	// Chain
	RPCURL        string
	WSURL         string
	IndexerRPCURL string
	ChainID       int64
	Network       string // "testnet" or "mainnet"

	// Contracts
	ArenaContractAddress string
	MoltiTokenAddress    string

	// Operator
	OperatorPrivateKey string

	// Bundler
	BundlerURL        string
	BundlerAPIKey     string
	EntryPointAddress string

	// Wallets
	WalletMasterKey string // hex, 32 bytes; empty means keys are stored plain

	// Model
	ModelName   string
	ModelAPIKey string
	ModelAPIURL string

	// Epoch economics
	EpochRenewalFeeMolti decimal.Decimal

	// Memory
	MemorySummarizationIntervalHours int

	// Telegram (optional ops notifications)
	TelegramToken  string
	TelegramChatID int64

	// Mode
	UseDexStream bool
	DryRun       bool
	Debug        bool

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		TickSeconds:          getEnvInt("TICK_SECONDS", 60),
		CleanupTime:          getEnv("CLEANUP_TIME", "03:00"),
		EpochDurationMinutes: getEnvInt("EPOCH_DURATION_MINUTES", 1440),

		RPCURL:        os.Getenv("RPC_URL"),
		WSURL:         os.Getenv("WS_URL"),
		IndexerRPCURL: getEnv("INDEXER_RPC_URL", os.Getenv("RPC_URL")),
		ChainID:       int64(getEnvInt("CHAIN_ID", 0)),
		Network:       getEnv("NAD_NETWORK", "testnet"),

		ArenaContractAddress: os.Getenv("ARENA_CONTRACT_ADDRESS"),
		MoltiTokenAddress:    os.Getenv("MOLTI_TOKEN_ADDRESS"),

		OperatorPrivateKey: os.Getenv("OPERATOR_PRIVATE_KEY"),

		BundlerURL:        os.Getenv("BUNDLER_URL"),
		BundlerAPIKey:     os.Getenv("BUNDLER_API_KEY"),
		EntryPointAddress: getEnv("ENTRYPOINT_ADDRESS", "0x0000000071727De22E5E9d8BAf0edAc6f37da032"),

		WalletMasterKey: os.Getenv("WALLET_MASTER_KEY"),

		ModelName:   getEnv("MODEL_NAME", "gpt-4o-mini"),
		ModelAPIKey: os.Getenv("MODEL_API_KEY"),
		ModelAPIURL: getEnv("MODEL_API_URL", "https://api.openai.com/v1/chat/completions"),

		EpochRenewalFeeMolti: getEnvDecimal("EPOCH_RENEWAL_FEE_MOLTI", decimal.NewFromInt(100)),

		MemorySummarizationIntervalHours: getEnvInt("MEMORY_SUMMARIZATION_INTERVAL_HOURS", 6),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		UseDexStream: getEnvBool("USE_DEX_STREAM", true),
		DryRun:       getEnvBool("DRY_RUN", false),
		Debug:        getEnvBool("DEBUG", false),

		DatabasePath: getEnv("DATABASE_PATH", "data/arenad.db"),
	}

	// Arena tokens: comma-separated addresses, normalized to lowercase
	for _, tok := range strings.Split(os.Getenv("ARENA_TOKENS"), ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			cfg.ArenaTokens = append(cfg.ArenaTokens, tok)
		}
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Validate required fields
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("CHAIN_ID is required")
	}
	if cfg.ArenaContractAddress == "" {
		return nil, fmt.Errorf("ARENA_CONTRACT_ADDRESS is required")
	}
	if cfg.OperatorPrivateKey == "" {
		return nil, fmt.Errorf("OPERATOR_PRIVATE_KEY is required")
	}
	if cfg.Network != "testnet" && cfg.Network != "mainnet" {
		return nil, fmt.Errorf("NAD_NETWORK must be testnet or mainnet, got %q", cfg.Network)
	}
	if cfg.TickSeconds <= 0 {
		return nil, fmt.Errorf("TICK_SECONDS must be positive")
	}
	if _, err := parseClock(cfg.CleanupTime); err != nil {
		return nil, fmt.Errorf("invalid CLEANUP_TIME: %w", err)
	}

	return cfg, nil
}

// DemoMode reports whether epochs are shorter than a day.
func (c *Config) DemoMode() bool {
	return c.EpochDurationMinutes < 1440
}

// EpochDuration returns the configured epoch length.
func (c *Config) EpochDuration() time.Duration {
	return time.Duration(c.EpochDurationMinutes) * time.Minute
}

// RenewalFeeWei returns the per-epoch renewal fee in 18-decimal wei.
func (c *Config) RenewalFeeWei() decimal.Decimal {
	return c.EpochRenewalFeeMolti.Shift(18)
}

// CleanupClock returns the daily cleanup time as minutes past midnight UTC.
func (c *Config) CleanupClock() int {
	m, _ := parseClock(c.CleanupTime)
	return m
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
