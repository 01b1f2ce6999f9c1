package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds server-level config
type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Redis connection config
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// LoanConfig holds the rates applied to loan requests that leave them unset.
// Rates are kept as strings in the file so they parse as exact decimals.
type LoanConfig struct {
	DefaultInterestRate string `yaml:"default_interest_rate"`
	PenaltyRate         string `yaml:"penalty_rate"`

	interestRate decimal.Decimal
	penaltyRate  decimal.Decimal
}

func (l LoanConfig) InterestRate() decimal.Decimal { return l.interestRate }

func (l LoanConfig) Penalty() decimal.Decimal { return l.penaltyRate }

type SettlementConfig struct {
	Cron string `yaml:"cron"`
}

type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LogConfig        `yaml:"logging"`
	Redis      RedisConfig      `yaml:"redis"`
	Loan       LoanConfig       `yaml:"loan"`
	Settlement SettlementConfig `yaml:"settlement"`
}

func defaults() AppConfig {
	return AppConfig{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Path: "./loanledger.db"},
		Logging:  LogConfig{Level: "info"},
		Redis:    RedisConfig{Addr: "localhost:6379", TTL: time.Minute},
		Loan: LoanConfig{
			DefaultInterestRate: "10.5",
			PenaltyRate:         "1.5",
		},
		Settlement: SettlementConfig{Cron: "@daily"},
	}
}

func assignEnvValues(cfg *AppConfig) *AppConfig {
	cfg.Server.Port = GetEnvOrDefaultAsInt("SERVER_PORT", cfg.Server.Port)

	cfg.Database.Path = GetEnvOrDefaultAsString("DATABASE_PATH", cfg.Database.Path)

	cfg.Logging.Level = GetEnvOrDefaultAsString("LOG_LEVEL", cfg.Logging.Level)

	cfg.Redis.Enabled = GetEnvOrDefaultAsBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = GetEnvOrDefaultAsString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = GetEnvOrDefaultAsString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = GetEnvOrDefaultAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.TTL = time.Duration(GetEnvOrDefaultAsInt("REDIS_TTL_SECONDS", int(cfg.Redis.TTL/time.Second))) * time.Second

	cfg.Loan.DefaultInterestRate = GetEnvOrDefaultAsString("LOAN_DEFAULT_INTEREST_RATE", cfg.Loan.DefaultInterestRate)
	cfg.Loan.PenaltyRate = GetEnvOrDefaultAsString("LOAN_PENALTY_RATE", cfg.Loan.PenaltyRate)

	cfg.Settlement.Cron = GetEnvOrDefaultAsString("SETTLEMENT_CRON", cfg.Settlement.Cron)
	return cfg
}

// LoadFromConfigFilePath reads the YAML file at configPath over the defaults
// and applies environment overrides. A missing file leaves the defaults.
func LoadFromConfigFilePath(configPath string) (*AppConfig, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logrus.WithField("path", configPath).Warn("config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	assignEnvValues(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	logrus.WithField("path", configPath).Info("configuration loaded")
	return &cfg, nil
}

// LoadFromConfig loads the file named by CONFIG_PATH.
func LoadFromConfig() (*AppConfig, error) {
	return LoadFromConfigFilePath(GetEnvOrDefaultAsString("CONFIG_PATH", "configs/config.yaml"))
}

func validateConfig(cfg *AppConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if _, err := logrus.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}

	rate, err := parseRate("loan.default_interest_rate", cfg.Loan.DefaultInterestRate)
	if err != nil {
		return err
	}
	penalty, err := parseRate("loan.penalty_rate", cfg.Loan.PenaltyRate)
	if err != nil {
		return err
	}
	cfg.Loan.interestRate = rate
	cfg.Loan.penaltyRate = penalty

	if _, err := cron.ParseStandard(cfg.Settlement.Cron); err != nil {
		return fmt.Errorf("settlement.cron %q: %w", cfg.Settlement.Cron, err)
	}
	return nil
}

func parseRate(name, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal, got %q", name, value)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative, got %s", name, value)
	}
	return d, nil
}

func GetEnvOrDefaultAsInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return int(value)
}

// GetEnvOrDefaultAsString returns the value of the given env variable or the default value if not set.
func GetEnvOrDefaultAsString(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		if val != "" {
			return val
		}
	}
	return defaultVal
}

func GetEnvOrDefaultAsBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
