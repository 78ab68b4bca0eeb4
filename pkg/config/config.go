package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/spendguard/pkg/logging"
	"github.com/pario-ai/spendguard/pkg/models"
)

// Config holds all spendguard configuration.
type Config struct {
	Listen   string             `yaml:"listen"`
	DBPath   string             `yaml:"db_path"`
	Log      logging.Config     `yaml:"log"`
	Budget   BudgetConfig       `yaml:"budget"`
	Override OverrideConfig     `yaml:"override"`
	Audit    models.AuditConfig `yaml:"audit"`
	Events   EventsConfig       `yaml:"events"`
}

// BudgetConfig controls budget defaults and seeding.
type BudgetConfig struct {
	DefaultWarningThreshold int          `yaml:"default_warning_threshold"`
	Budgets                 []BudgetSeed `yaml:"budgets"`
}

// BudgetSeed is a budget created at startup when its target has none yet.
// An empty MonthlyLimit means unlimited.
type BudgetSeed struct {
	OrganizationID   *int64 `yaml:"organization_id"`
	UserID           *int64 `yaml:"user_id"`
	MonthlyLimit     string `yaml:"monthly_limit"`
	WarningThreshold *int   `yaml:"warning_threshold"`
	Active           *bool  `yaml:"active"`
	AllowOverride    bool   `yaml:"allow_override"`
}

// OverrideConfig controls pending override confirmations.
type OverrideConfig struct {
	// PendingTTL cancels confirmations left pending longer than this. Zero keeps them forever.
	PendingTTL    time.Duration `yaml:"pending_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EventsConfig configures publishing override signals to a broker.
// Publishing is disabled when AMQPURL is empty.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "spendguard.db",
		Log:    logging.DefaultConfig(),
		Budget: BudgetConfig{
			DefaultWarningThreshold: models.DefaultWarningThreshold,
		},
		Override: OverrideConfig{
			SweepInterval: time.Minute,
		},
		Audit: models.AuditConfig{
			Enabled:        true,
			DBPath:         "spendguard_audit.db",
			RetentionDays:  90,
			MaxMessageSize: 1024,
		},
		Events: EventsConfig{
			Exchange: "spendguard.overrides",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
// A .env file next to the config is loaded first if present; variables
// already set in the environment win.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and that every seed converts to a budget.
func (c *Config) Validate() error {
	if t := c.Budget.DefaultWarningThreshold; t < 0 || t > 100 {
		return fmt.Errorf("budget.default_warning_threshold %d not in [0,100]", t)
	}
	if c.Override.PendingTTL < 0 {
		return fmt.Errorf("override.pending_ttl must not be negative")
	}
	if c.Override.SweepInterval <= 0 {
		return fmt.Errorf("override.sweep_interval must be positive")
	}
	for i, s := range c.Budget.Budgets {
		if _, err := s.ToBudget(c.Budget.DefaultWarningThreshold); err != nil {
			return fmt.Errorf("budget.budgets[%d]: %w", i, err)
		}
	}
	return nil
}

// ToBudget converts the seed, applying defaultThreshold when none is set.
func (s BudgetSeed) ToBudget(defaultThreshold int) (models.Budget, error) {
	b := models.Budget{
		Target:           models.BudgetTarget{OrganizationID: s.OrganizationID, UserID: s.UserID},
		WarningThreshold: defaultThreshold,
		IsActive:         true,
		AllowOverride:    s.AllowOverride,
	}
	if err := b.Target.Validate(); err != nil {
		return models.Budget{}, err
	}
	if s.WarningThreshold != nil {
		b.WarningThreshold = *s.WarningThreshold
	}
	if b.WarningThreshold < 0 || b.WarningThreshold > 100 {
		return models.Budget{}, fmt.Errorf("warning threshold %d not in [0,100]", b.WarningThreshold)
	}
	if s.Active != nil {
		b.IsActive = *s.Active
	}
	if s.MonthlyLimit != "" {
		limit, err := decimal.NewFromString(s.MonthlyLimit)
		if err != nil {
			return models.Budget{}, fmt.Errorf("monthly limit: %w", err)
		}
		if limit.IsNegative() {
			return models.Budget{}, fmt.Errorf("monthly limit %s is negative", limit)
		}
		b.MonthlyLimit = decimal.NewNullDecimal(limit)
	}
	return b, nil
}
