package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"dukaanpos/backend/internal/domain"
)

type Config struct {
	Port          string `env:"PORT" envDefault:"8080"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:"http://127.0.0.1:3000"`

	// DatabaseURL selects the postgres backend; DataDir selects the
	// CSV-backed file store. With neither set the store is in-memory only.
	DatabaseURL string `env:"DATABASE_URL"`
	DataDir     string `env:"DATA_DIR"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	BalancePolicy string `env:"BALANCE_POLICY" envDefault:"clamp_zero"`

	ShopName  string `env:"SHOP_NAME" envDefault:"Zeeshan Mobile Accessories"`
	ShopPhone string `env:"SHOP_PHONE" envDefault:"03296971255"`

	AuthSecret            string `env:"AUTH_SECRET"`
	OperatorUsername      string `env:"OPERATOR_USERNAME" envDefault:"operator"`
	OperatorPassword      string `env:"OPERATOR_PASSWORD"`
	AccessTokenTTLMinutes int    `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"480"`

	ReportCacheTTLSeconds int `env:"REPORT_CACHE_TTL_SECONDS" envDefault:"30"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.OperatorUsername = strings.TrimSpace(cfg.OperatorUsername)

	if _, err := domain.ParseBalancePolicy(cfg.BalancePolicy); err != nil {
		return Config{}, err
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.ReportCacheTTLSeconds < 1 {
		cfg.ReportCacheTTLSeconds = 30
	}

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Policy() domain.BalancePolicy {
	policy, _ := domain.ParseBalancePolicy(c.BalancePolicy)
	return policy
}
