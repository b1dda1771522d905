package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is loaded from environment variables.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Timeout windows per state (see the timeout supervisor).
	PaymentWindow time.Duration `env:"PAYMENT_WINDOW" envDefault:"15m"`
	ShippingSLA   time.Duration `env:"SHIPPING_SLA" envDefault:"120h"`
	ConfirmWindow time.Duration `env:"CONFIRM_WINDOW" envDefault:"48h"`

	ScanInterval  time.Duration `env:"SCAN_INTERVAL" envDefault:"30s"`
	RelayInterval time.Duration `env:"RELAY_INTERVAL" envDefault:"5s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
