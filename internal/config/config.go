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
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payments-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	PaymentEventExchange string `mapstructure:"PAYMENT_EVENT_EXCHANGE"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	DarajaBaseURL         string `mapstructure:"DARAJA_BASE_URL"`
	DarajaConsumerKey     string `mapstructure:"DARAJA_CONSUMER_KEY"`
	DarajaConsumerSecret  string `mapstructure:"DARAJA_CONSUMER_SECRET"`
	DarajaShortcode       string `mapstructure:"DARAJA_SHORTCODE"`
	DarajaPasskey         string `mapstructure:"DARAJA_PASSKEY"`
	DarajaCallbackURL     string `mapstructure:"DARAJA_CALLBACK_URL"`
	DarajaTimeoutSeconds  int    `mapstructure:"DARAJA_TIMEOUT_SECONDS"`
	DarajaTokenTTLSeconds int    `mapstructure:"DARAJA_TOKEN_TTL_SECONDS"`

	STKPushRateLimitPerMinute   int `mapstructure:"STK_PUSH_RATE_LIMIT_PER_MINUTE"`
	PaymentAbandonAfterMinutes  int `mapstructure:"PAYMENT_ABANDON_AFTER_MINUTES"`
	PaymentSweepIntervalMinutes int `mapstructure:"PAYMENT_SWEEP_INTERVAL_MINUTES"`
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
	viper.SetDefault("PAYMENT_EVENT_EXCHANGE", "payment_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "nyumbani:rate_limit")
	viper.SetDefault("DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("DARAJA_TIMEOUT_SECONDS", 10)
	viper.SetDefault("DARAJA_TOKEN_TTL_SECONDS", 3599)
	viper.SetDefault("STK_PUSH_RATE_LIMIT_PER_MINUTE", 5)
	viper.SetDefault("PAYMENT_ABANDON_AFTER_MINUTES", 30)
	viper.SetDefault("PAYMENT_SWEEP_INTERVAL_MINUTES", 5)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENTS_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_EXCHANGE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENTS_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DARAJA_BASE_URL")
	_ = viper.BindEnv("DARAJA_CONSUMER_KEY")
	_ = viper.BindEnv("DARAJA_CONSUMER_SECRET")
	_ = viper.BindEnv("DARAJA_SHORTCODE")
	_ = viper.BindEnv("DARAJA_PASSKEY")
	_ = viper.BindEnv("DARAJA_CALLBACK_URL")
	_ = viper.BindEnv("DARAJA_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DARAJA_TOKEN_TTL_SECONDS")
	_ = viper.BindEnv("STK_PUSH_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PAYMENT_ABANDON_AFTER_MINUTES")
	_ = viper.BindEnv("PAYMENT_SWEEP_INTERVAL_MINUTES")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYMENTS_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "nyumbani:rate_limit"
	}
	config.DarajaBaseURL = strings.TrimSuffix(strings.TrimSpace(config.DarajaBaseURL), "/")
	config.DarajaConsumerKey = strings.TrimSpace(config.DarajaConsumerKey)
	config.DarajaConsumerSecret = strings.TrimSpace(config.DarajaConsumerSecret)
	config.DarajaShortcode = strings.TrimSpace(config.DarajaShortcode)
	config.DarajaPasskey = strings.TrimSpace(config.DarajaPasskey)
	config.DarajaCallbackURL = strings.TrimSpace(config.DarajaCallbackURL)

	if config.DarajaTimeoutSeconds <= 0 {
		config.DarajaTimeoutSeconds = 10
	}
	if config.DarajaTokenTTLSeconds <= 0 {
		config.DarajaTokenTTLSeconds = 3599
	}
	if config.PaymentAbandonAfterMinutes <= 0 {
		config.PaymentAbandonAfterMinutes = 30
	}
	if config.PaymentSweepIntervalMinutes <= 0 {
		config.PaymentSweepIntervalMinutes = 5
	}
	if config.STKPushRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative stk push rate limit configured; disabling throttle\" limit=%d", config.STKPushRateLimitPerMinute)
		config.STKPushRateLimitPerMinute = 0
	}

	return
}

// ValidateProviderCredentials checks the configuration the payment flow cannot
// run without. Missing values are a startup-time fatal, never a per-request
// error.
func (c Config) ValidateProviderCredentials() error {
	var missing []string
	if c.DarajaConsumerKey == "" {
		missing = append(missing, "DARAJA_CONSUMER_KEY")
	}
	if c.DarajaConsumerSecret == "" {
		missing = append(missing, "DARAJA_CONSUMER_SECRET")
	}
	if c.DarajaShortcode == "" {
		missing = append(missing, "DARAJA_SHORTCODE")
	}
	if c.DarajaPasskey == "" {
		missing = append(missing, "DARAJA_PASSKEY")
	}
	if c.DarajaCallbackURL == "" {
		missing = append(missing, "DARAJA_CALLBACK_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
