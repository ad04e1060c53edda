/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	SettlementEventQueue string `mapstructure:"SETTLEMENT_EVENT_QUEUE"`
	LedgerAPIBaseURL     string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey         string `mapstructure:"LEDGER_API_KEY"`
	PSPAPIBaseURL        string `mapstructure:"PSP_API_BASE_URL"`
	PSPAPIKey            string `mapstructure:"PSP_API_KEY"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	// Per-kind amount ceilings, in centavos. Zero disables the ceiling.
	PaymentCeilingCentavos    int64 `mapstructure:"PAYMENT_CEILING_CENTAVOS"`
	DevolutionCeilingCentavos int64 `mapstructure:"DEVOLUTION_CEILING_CENTAVOS"`

	// Devolution policy: a settled transaction may be devolved at most
	// MaxCount times, and only within WindowDays of the original.
	DevolutionMaxCount           int `mapstructure:"DEVOLUTION_MAX_COUNT"`
	DevolutionWindowDays         int `mapstructure:"DEVOLUTION_WINDOW_DAYS"`
	DevolutionRateLimitPerMinute int `mapstructure:"DEVOLUTION_RATE_LIMIT_PER_MINUTE"`

	// Compliance screening for received deposits.
	SuspectBankISPBs            string `mapstructure:"SUSPECT_BANK_ISPBS"` // comma-separated list
	CautionaryHoldThresholdCent int64  `mapstructure:"CAUTIONARY_HOLD_THRESHOLD_CENTAVOS"`

	// Sweep scheduling.
	SyncWaitingSchedule        string `mapstructure:"SYNC_WAITING_SCHEDULE"`
	BlockedDepositSchedule     string `mapstructure:"BLOCKED_DEPOSIT_SCHEDULE"`
	SweepBatchSize             int    `mapstructure:"SWEEP_BATCH_SIZE"`
	SweepMinAgeSeconds         int    `mapstructure:"SWEEP_MIN_AGE_SECONDS"`
	BlockedDepositMaxHoldHours int    `mapstructure:"BLOCKED_DEPOSIT_MAX_HOLD_HOURS"`
}

// SuspectISPBList parses the configured suspect-bank list.
func (c Config) SuspectISPBList() []string {
	raw := strings.Split(c.SuspectBankISPBs, ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SETTLEMENT_EVENT_QUEUE", "settlement_service.lifecycle_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "settlement:rate_limit")
	viper.SetDefault("PAYMENT_CEILING_CENTAVOS", 0)
	viper.SetDefault("DEVOLUTION_CEILING_CENTAVOS", 0)
	viper.SetDefault("DEVOLUTION_MAX_COUNT", 3)
	viper.SetDefault("DEVOLUTION_WINDOW_DAYS", 90)
	viper.SetDefault("DEVOLUTION_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("CAUTIONARY_HOLD_THRESHOLD_CENTAVOS", 1000000) // R$ 10.000,00
	viper.SetDefault("SYNC_WAITING_SCHEDULE", "@every 2m")
	viper.SetDefault("BLOCKED_DEPOSIT_SCHEDULE", "@every 30m")
	viper.SetDefault("SWEEP_BATCH_SIZE", 100)
	viper.SetDefault("SWEEP_MIN_AGE_SECONDS", 120)
	viper.SetDefault("BLOCKED_DEPOSIT_MAX_HOLD_HOURS", 72)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_EVENT_QUEUE")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("PSP_API_BASE_URL")
	_ = viper.BindEnv("PSP_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PAYMENT_CEILING_CENTAVOS")
	_ = viper.BindEnv("DEVOLUTION_CEILING_CENTAVOS")
	_ = viper.BindEnv("DEVOLUTION_MAX_COUNT")
	_ = viper.BindEnv("DEVOLUTION_WINDOW_DAYS")
	_ = viper.BindEnv("DEVOLUTION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SUSPECT_BANK_ISPBS")
	_ = viper.BindEnv("CAUTIONARY_HOLD_THRESHOLD_CENTAVOS")
	_ = viper.BindEnv("SYNC_WAITING_SCHEDULE")
	_ = viper.BindEnv("BLOCKED_DEPOSIT_SCHEDULE")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("SWEEP_MIN_AGE_SECONDS")
	_ = viper.BindEnv("BLOCKED_DEPOSIT_MAX_HOLD_HOURS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "settlement:rate_limit"
	}

	if config.PaymentCeilingCentavos < 0 {
		log.Printf("level=warn component=config msg=\"negative payment ceiling configured; coercing to zero\" ceiling_centavos=%d", config.PaymentCeilingCentavos)
		config.PaymentCeilingCentavos = 0
	}
	if config.DevolutionCeilingCentavos < 0 {
		log.Printf("level=warn component=config msg=\"negative devolution ceiling configured; coercing to zero\" ceiling_centavos=%d", config.DevolutionCeilingCentavos)
		config.DevolutionCeilingCentavos = 0
	}
	if config.CautionaryHoldThresholdCent < 0 {
		log.Printf("level=warn component=config msg=\"negative cautionary-hold threshold configured; coercing to zero\" threshold_centavos=%d", config.CautionaryHoldThresholdCent)
		config.CautionaryHoldThresholdCent = 0
	}

	if config.DevolutionMaxCount <= 0 {
		config.DevolutionMaxCount = 3
	}
	if config.DevolutionWindowDays <= 0 {
		config.DevolutionWindowDays = 90
	}
	if config.DevolutionRateLimitPerMinute < 0 {
		config.DevolutionRateLimitPerMinute = 0
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 100
	}
	if config.SweepMinAgeSeconds <= 0 {
		config.SweepMinAgeSeconds = 120
	}
	if config.BlockedDepositMaxHoldHours <= 0 {
		config.BlockedDepositMaxHoldHours = 72
	}

	return
}
