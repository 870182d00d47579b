// Package config loads application settings from the environment and an
// optional config.yaml.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/stock-ledger/ledger"
)

// Config groups application settings.
type Config struct {
	App    AppConfig
	HTTP   HTTPConfig
	Store  StoreConfig
	Redis  RedisConfig
	Ledger LedgerConfig
	Verify VerifyConfig
	Log    LogConfig
}

type AppConfig struct {
	Env string // development, staging, production
}

type HTTPConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver      string // memory, sqlite, postgres
	SQLitePath  string
	DatabaseURL string
}

// RedisConfig enables the bin projection when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LedgerConfig struct {
	AllowNegativeStock bool
	FallbackRate       decimal.NullDecimal
	LockTimeout        time.Duration
	MaxConflictRetries int
	RatePrecision      int32
	ValuePrecision     int32
	Overrides          []ledger.PolicyOverride
}

// VerifyConfig drives the periodic drift check. A zero Interval disables it.
type VerifyConfig struct {
	Interval   time.Duration
	AutoRepair bool
}

type LogConfig struct {
	Level string
}

// NegativeStockOverride is one entry of negative_stock_overrides in config.yaml.
type NegativeStockOverride struct {
	Item          string `mapstructure:"item"`
	Warehouse     string `mapstructure:"warehouse"`
	AllowNegative bool   `mapstructure:"allow_negative"`
	FallbackRate  string `mapstructure:"fallback_rate"`
}

// Load reads configuration. Environment variables win over config.yaml.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env: v.GetString("APP_ENV"),
		},
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("STORE_DRIVER")),
			SQLitePath:  v.GetString("SQLITE_PATH"),
			DatabaseURL: v.GetString("DATABASE_URL"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Ledger: LedgerConfig{
			AllowNegativeStock: v.GetBool("LEDGER_ALLOW_NEGATIVE_STOCK"),
			LockTimeout:        v.GetDuration("LEDGER_LOCK_TIMEOUT"),
			MaxConflictRetries: v.GetInt("LEDGER_MAX_CONFLICT_RETRIES"),
			RatePrecision:      v.GetInt32("LEDGER_RATE_PRECISION"),
			ValuePrecision:     v.GetInt32("LEDGER_VALUE_PRECISION"),
		},
		Verify: VerifyConfig{
			Interval:   v.GetDuration("VERIFY_INTERVAL"),
			AutoRepair: v.GetBool("VERIFY_AUTO_REPAIR"),
		},
		Log: LogConfig{
			Level: v.GetString("LOG_LEVEL"),
		},
	}

	if s := v.GetString("LEDGER_FALLBACK_RATE"); s != "" {
		rate, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("LEDGER_FALLBACK_RATE: %w", err)
		}
		cfg.Ledger.FallbackRate = decimal.NewNullDecimal(rate)
	}

	var overrides []NegativeStockOverride
	if err := v.UnmarshalKey("negative_stock_overrides", &overrides); err != nil {
		return nil, fmt.Errorf("negative_stock_overrides: %w", err)
	}
	for i, o := range overrides {
		po := ledger.PolicyOverride{
			Item:      ledger.ItemCode(o.Item),
			Warehouse: ledger.WarehouseCode(o.Warehouse),
			Policy:    ledger.NegativeStockPolicy{AllowNegative: o.AllowNegative},
		}
		if o.FallbackRate != "" {
			rate, err := decimal.NewFromString(o.FallbackRate)
			if err != nil {
				return nil, fmt.Errorf("negative_stock_overrides[%d].fallback_rate: %w", i, err)
			}
			po.Policy.FallbackRate = decimal.NewNullDecimal(rate)
		}
		cfg.Ledger.Overrides = append(cfg.Ledger.Overrides, po)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Ledger.RatePrecision < 0 || c.Ledger.ValuePrecision < 0 {
		return fmt.Errorf("ledger precision must not be negative")
	}
	if c.Verify.Interval < 0 {
		return fmt.Errorf("VERIFY_INTERVAL must not be negative")
	}
	return nil
}

// Policies builds the negative stock policy set.
func (c LedgerConfig) Policies() *ledger.PolicySet {
	def := ledger.NegativeStockPolicy{AllowNegative: c.AllowNegativeStock, FallbackRate: c.FallbackRate}
	return ledger.NewPolicySet(def, c.Overrides...)
}

// Calculator builds the valuation calculator.
func (c LedgerConfig) Calculator() ledger.Calculator {
	return ledger.Calculator{RatePrecision: c.RatePrecision, ValuePrecision: c.ValuePrecision}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_HOST", "")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("STORE_DRIVER", "sqlite")
	v.SetDefault("SQLITE_PATH", "./data/ledger.db")
	v.SetDefault("LEDGER_ALLOW_NEGATIVE_STOCK", false)
	v.SetDefault("LEDGER_LOCK_TIMEOUT", 5*time.Second)
	v.SetDefault("LEDGER_MAX_CONFLICT_RETRIES", ledger.DefaultMaxConflictRetries)
	v.SetDefault("LEDGER_RATE_PRECISION", ledger.DefaultRatePrecision)
	v.SetDefault("LEDGER_VALUE_PRECISION", ledger.DefaultValuePrecision)
	v.SetDefault("VERIFY_INTERVAL", time.Hour)
	v.SetDefault("VERIFY_AUTO_REPAIR", false)
	v.SetDefault("LOG_LEVEL", "info")
}

// Defaults returns a viper instance carrying only the defaults.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}
