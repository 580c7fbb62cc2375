/*
config.go - Deployment configuration of the wallet ledger

SOURCES (later wins):
  1. Defaults          (Default())
  2. YAML file         (Load(path); a missing file is not an error)
  3. .env file         (loaded into the process environment if present)
  4. Environment       LEDGER_STORAGE_DRIVER, LEDGER_STORAGE_DSN,
                       LEDGER_LOG_LEVEL, LEDGER_LOG_FORMAT,
                       LEDGER_KAFKA_BROKERS (comma separated),
                       LEDGER_KAFKA_TOPIC

EXAMPLE:
  storage:
    driver: sqlite
    dsn: ./wallet.db
  partitions:
    - {id: 840, currency: USD, country: US}
    - {id: 484, currency: MXN, country: MX}
  currencies:
    USD: 2
  wallet:
    customer_constraint: debits_must_not_exceed_credits
  kafka:
    brokers: [localhost:9092]
  log:
    level: info
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/wallet-ledger/ledger"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
)

// Config is the root of the YAML file.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Partitions []PartitionEntry `yaml:"partitions"`
	Currencies map[string]int32 `yaml:"currencies"`
	Wallet     WalletConfig     `yaml:"wallet"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Log        LogConfig        `yaml:"log"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite, a directory for pebble and a
	// connection string for postgres. Ignored by memory.
	DSN string `yaml:"dsn"`
}

type PartitionEntry struct {
	ID       uint32 `yaml:"id"`
	Currency string `yaml:"currency"`
	Country  string `yaml:"country"`
}

type WalletConfig struct {
	ReserveClientID    string `yaml:"reserve_client_id"`
	ExpenseClientID    string `yaml:"expense_client_id"`
	CustomerConstraint string `yaml:"customer_constraint"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns an in-memory configuration with a US/USD partition.
func Default() *Config {
	return &Config{
		Storage:    StorageConfig{Driver: DriverMemory},
		Partitions: []PartitionEntry{{ID: 840, Currency: "USD", Country: "US"}},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, then applies .env and environment
// overrides. An empty path or a missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// A missing .env is the normal case.
	_ = godotenv.Load(".env")
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. getenv is os.Getenv
// outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("LEDGER_STORAGE_DRIVER")); v != "" {
		c.Storage.Driver = v
	}
	if v := strings.TrimSpace(getenv("LEDGER_STORAGE_DSN")); v != "" {
		c.Storage.DSN = v
	}
	if v := strings.TrimSpace(getenv("LEDGER_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(getenv("LEDGER_LOG_FORMAT")); v != "" {
		c.Log.Format = v
	}
	if v := getenv("LEDGER_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(getenv("LEDGER_KAFKA_TOPIC")); v != "" {
		c.Kafka.Topic = v
	}
}

// Validate checks the fields every command needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverPebble:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if len(c.Partitions) == 0 {
		errs = append(errs, errors.New("at least one partition is required"))
	}
	if _, err := ledger.ParseConstraintFlag(c.Wallet.CustomerConstraint); err != nil {
		errs = append(errs, fmt.Errorf("wallet.customer_constraint: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LedgerPartitions converts the partition table for ledger.NewPartitioner.
func (c *Config) LedgerPartitions() []ledger.PartitionEntry {
	out := make([]ledger.PartitionEntry, 0, len(c.Partitions))
	for _, p := range c.Partitions {
		out = append(out, ledger.PartitionEntry{ID: ledger.PartitionID(p.ID), Currency: p.Currency, Country: p.Country})
	}
	return out
}

// CurrencyPlaces merges the configured precisions over
// ledger.DefaultCurrencies.
func (c *Config) CurrencyPlaces() map[string]int32 {
	places := ledger.DefaultCurrencies()
	for cur, p := range c.Currencies {
		places[strings.ToUpper(strings.TrimSpace(cur))] = p
	}
	return places
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
