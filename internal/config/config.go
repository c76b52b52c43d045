package config

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Ledger    LedgerConfig    `yaml:"ledger"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// LedgerConfig holds the collateral policy.
type LedgerConfig struct {
	DepositRate string `yaml:"deposit_rate"`
	Currency    string `yaml:"currency"`
}

// Rate parses the configured deposit rate (fraction of the max bid that must
// be available before a bid is accepted).
func (l LedgerConfig) Rate() (decimal.Decimal, error) {
	r, err := decimal.NewFromString(l.DepositRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse deposit_rate %q: %w", l.DepositRate, err)
	}
	if r.LessThanOrEqual(decimal.Zero) || r.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("deposit_rate %s out of range (0,1]", r)
	}
	return r, nil
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if cfg.Ledger.DepositRate == "" {
		cfg.Ledger.DepositRate = "0.10"
	}
	if cfg.Ledger.Currency == "" {
		cfg.Ledger.Currency = "USD"
	}
	return &cfg, nil
}
