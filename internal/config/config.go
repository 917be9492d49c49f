package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	_ "github.com/joho/godotenv/autoload"
)

// DebitMode selects when the operator wallet is debited for a new bet.
type DebitMode string

const (
	// DebitDeferred accepts bets optimistically and debits them in bulk when betting closes.
	DebitDeferred DebitMode = "deferred"
	// DebitImmediate debits the wallet before the bet is recorded.
	DebitImmediate DebitMode = "immediate"
)

// GrowthBand describes how the climbing multiplier advances while it is below Below.
// Each tick adds Step and then multiplies by Factor (a Factor of 0 means 1).
type GrowthBand struct {
	Below  float64
	Step   float64
	Factor float64
}

type Config struct {
	Port      int    `validate:"gt=0,lt=65536"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json logfmt"`
	GameID    string

	MinBetAmount decimal.Decimal
	MaxBetAmount decimal.Decimal
	MaxCashout   decimal.Decimal

	BettingTicks       int           `validate:"gt=0"`
	BettingTick        time.Duration `validate:"gt=0"`
	WebhookSettleDelay time.Duration `validate:"gte=0"`
	ClimbTick          time.Duration `validate:"gt=0"`
	CrashTicks         int           `validate:"gt=0"`
	CrashTick          time.Duration `validate:"gt=0"`
	SettleAtTick       int           `validate:"gte=0,ltfield=CrashTicks"`
	BetStaleAfter      time.Duration `validate:"gt=0"`
	Bands              []GrowthBand  `validate:"min=1"`

	HouseEdgeModulus  uint64  `validate:"gt=1"`
	RerollProbability float64 `validate:"gte=0,lte=1"`
	RerollThreshold   float64 `validate:"gte=1"`
	MaxRerolls        int     `validate:"gte=1"`
	MinClientSeeds    int     `validate:"gte=1"`
	HistorySize       int     `validate:"gt=0"`

	WalletBaseURL          string
	WalletTimeout          time.Duration `validate:"gt=0"`
	DebitMode              DebitMode     `validate:"oneof=deferred immediate"`
	DisconnectCashoutDelay time.Duration `validate:"gte=0"`
	SessionTTL             time.Duration `validate:"gt=0"`
	SessionCleanupDelay    time.Duration `validate:"gte=0"`

	HealthBettingTimeout time.Duration `validate:"gt=0"`
	HealthWarnAfter      time.Duration `validate:"gt=0"`
	HealthRoundTimeout   time.Duration `validate:"gtfield=HealthWarnAfter"`

	RedisURL      string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	DBHost         string
	DBPort         string
	DBDatabase     string
	DBUsername     string
	DBPassword     string
	DBSchema       string
	MigrationsPath string
}

// DefaultBands is the climb curve: slow below 2x, then progressively faster
// multiplicative growth above 2x, 10x and 50x.
func DefaultBands() []GrowthBand {
	return []GrowthBand{
		{Below: 2, Step: 0.02, Factor: 1},
		{Below: 10, Step: 0.01, Factor: 1.003},
		{Below: 50, Step: 0.01, Factor: 1.004},
		{Below: 0, Step: 0.01, Factor: 1.005},
	}
}

// Default returns the configuration used when no environment overrides are set.
func Default() Config {
	return Config{
		Port:      8080,
		LogLevel:  "info",
		LogFormat: "text",
		GameID:    "jetx",

		MinBetAmount: decimal.NewFromInt(1),
		MaxBetAmount: decimal.NewFromInt(10000),
		MaxCashout:   decimal.NewFromInt(1000000),

		BettingTicks:       7,
		BettingTick:        time.Second,
		WebhookSettleDelay: 3 * time.Second,
		ClimbTick:          100 * time.Millisecond,
		CrashTicks:         6,
		CrashTick:          time.Second,
		SettleAtTick:       3,
		BetStaleAfter:      6 * time.Second,
		Bands:              DefaultBands(),

		HouseEdgeModulus:  26,
		RerollProbability: 0.12,
		RerollThreshold:   2.00,
		MaxRerolls:        10,
		MinClientSeeds:    3,
		HistorySize:       30,

		WalletTimeout:          5 * time.Second,
		DebitMode:              DebitDeferred,
		DisconnectCashoutDelay: 100 * time.Millisecond,
		SessionTTL:             time.Hour,
		SessionCleanupDelay:    200 * time.Millisecond,

		HealthBettingTimeout: 60 * time.Second,
		HealthWarnAfter:      240 * time.Second,
		HealthRoundTimeout:   600 * time.Second,

		RedisURL: "localhost:6379",

		DBHost:         "localhost",
		DBPort:         "5432",
		DBDatabase:     "jetx",
		DBUsername:     "postgres",
		DBPassword:     "postgres",
		DBSchema:       "public",
		MigrationsPath: "internal/database/migrations",
	}
}

// Load reads the configuration from the environment (and .env, when present)
// on top of Default and validates the result.
func Load() (Config, error) {
	d := Default()
	cfg := Config{
		Port:      getEnvAsInt("PORT", d.Port),
		LogLevel:  getEnv("LOG_LEVEL", d.LogLevel),
		LogFormat: getEnv("LOG_FORMAT", d.LogFormat),
		GameID:    getEnv("GAME_ID", d.GameID),

		MinBetAmount: getEnvAsDecimal("MIN_BET_AMOUNT", d.MinBetAmount),
		MaxBetAmount: getEnvAsDecimal("MAX_BET_AMOUNT", d.MaxBetAmount),
		MaxCashout:   getEnvAsDecimal("MAX_CASHOUT", d.MaxCashout),

		BettingTicks:       getEnvAsInt("BETTING_TICKS", d.BettingTicks),
		BettingTick:        getEnvAsDuration("BETTING_TICK", d.BettingTick),
		WebhookSettleDelay: getEnvAsDuration("WEBHOOK_SETTLE_DELAY", d.WebhookSettleDelay),
		ClimbTick:          getEnvAsDuration("CLIMB_TICK", d.ClimbTick),
		CrashTicks:         getEnvAsInt("CRASH_TICKS", d.CrashTicks),
		CrashTick:          getEnvAsDuration("CRASH_TICK", d.CrashTick),
		SettleAtTick:       getEnvAsInt("SETTLE_AT_TICK", d.SettleAtTick),
		BetStaleAfter:      getEnvAsDuration("BET_STALE_AFTER", d.BetStaleAfter),
		Bands:              d.Bands,

		HouseEdgeModulus:  uint64(getEnvAsInt("HOUSE_EDGE_MODULUS", int(d.HouseEdgeModulus))),
		RerollProbability: getEnvAsFloat("REROLL_PROBABILITY", d.RerollProbability),
		RerollThreshold:   getEnvAsFloat("REROLL_THRESHOLD", d.RerollThreshold),
		MaxRerolls:        getEnvAsInt("MAX_REROLLS", d.MaxRerolls),
		MinClientSeeds:    getEnvAsInt("MIN_CLIENT_SEEDS", d.MinClientSeeds),
		HistorySize:       getEnvAsInt("HISTORY_SIZE", d.HistorySize),

		WalletBaseURL:          getEnv("WALLET_BASE_URL", d.WalletBaseURL),
		WalletTimeout:          getEnvAsDuration("WALLET_TIMEOUT", d.WalletTimeout),
		DebitMode:              DebitMode(getEnv("DEBIT_MODE", string(d.DebitMode))),
		DisconnectCashoutDelay: getEnvAsDuration("DISCONNECT_CASHOUT_DELAY", d.DisconnectCashoutDelay),
		SessionTTL:             getEnvAsDuration("SESSION_TTL", d.SessionTTL),
		SessionCleanupDelay:    getEnvAsDuration("SESSION_CLEANUP_DELAY", d.SessionCleanupDelay),

		HealthBettingTimeout: getEnvAsDuration("HEALTH_BETTING_TIMEOUT", d.HealthBettingTimeout),
		HealthWarnAfter:      getEnvAsDuration("HEALTH_WARN_AFTER", d.HealthWarnAfter),
		HealthRoundTimeout:   getEnvAsDuration("HEALTH_ROUND_TIMEOUT", d.HealthRoundTimeout),

		RedisURL:      getEnv("REDIS_URL", d.RedisURL),
		RedisPassword: getEnv("REDIS_PASSWORD", d.RedisPassword),
		RedisDB:       getEnvAsInt("REDIS_DB", d.RedisDB),

		DBHost:         getEnv("DB_HOST", d.DBHost),
		DBPort:         getEnv("DB_PORT", d.DBPort),
		DBDatabase:     getEnv("DB_DATABASE", d.DBDatabase),
		DBUsername:     getEnv("DB_USERNAME", d.DBUsername),
		DBPassword:     getEnv("DB_PASSWORD", d.DBPassword),
		DBSchema:       getEnv("DB_SCHEMA", d.DBSchema),
		MigrationsPath: getEnv("MIGRATIONS_PATH", d.MigrationsPath),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cross-field money bounds.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.MinBetAmount.IsPositive() {
		return fmt.Errorf("invalid config: MIN_BET_AMOUNT must be positive")
	}
	if c.MaxBetAmount.LessThan(c.MinBetAmount) {
		return fmt.Errorf("invalid config: MAX_BET_AMOUNT %s below MIN_BET_AMOUNT %s", c.MaxBetAmount, c.MinBetAmount)
	}
	if !c.MaxCashout.IsPositive() {
		return fmt.Errorf("invalid config: MAX_CASHOUT must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvAsDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return defaultVal
}
