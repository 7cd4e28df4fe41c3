// Package config содержит логику чтения конфигурации кошелькового сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации кошелькового сервиса.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	ExchangeRateAddress string `env:"EXCHANGE_RATE_ADDRESS"`

	PayPalAPIAddress    string `env:"PAYPAL_API_ADDRESS"`
	PayPalClientID      string `env:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret  string `env:"PAYPAL_CLIENT_SECRET"`
	MoMoAPIAddress      string `env:"MOMO_API_ADDRESS"`
	MoMoPartnerCode     string `env:"MOMO_PARTNER_CODE"`
	MoMoAccessKey       string `env:"MOMO_ACCESS_KEY"`
	MoMoSecretKey       string `env:"MOMO_SECRET_KEY"`
	MoMoIPNAddress      string `env:"MOMO_IPN_ADDRESS"`
	BankWebhookAPIKey   string `env:"BANK_WEBHOOK_API_KEY"`
	BankAccountNumber   string `env:"BANK_ACCOUNT_NUMBER"`
	PendingDepositTTL   int    `env:"PENDING_DEPOSIT_TTL_MINUTES"`
	FallbackUSDRate     int64  `env:"FALLBACK_USD_RATE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envExchangeAddress := cfg.ExchangeRateAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ExchangeRateAddress, "r", "", "exchange rate service address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envExchangeAddress != "" {
		cfg.ExchangeRateAddress = envExchangeAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.PendingDepositTTL <= 0 {
		cfg.PendingDepositTTL = 30
	}
	if cfg.FallbackUSDRate <= 0 {
		cfg.FallbackUSDRate = 25000
	}

	return cfg, nil
}
