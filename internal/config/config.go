// Package config loads the service configuration from an optional YAML file
// overlaid by PROMO_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
	_ "time/tzdata" // timezone names resolve without system zoneinfo

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/warp/promo-engine/promo"
)

const EnvPrefix = "promo"

type ctxKey string

const configContextKey ctxKey = "promo.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	DatabaseDriver string `yaml:"databaseDriver" split_words:"true"`
	DatabaseDSN    string `yaml:"databaseDsn"    envconfig:"DATABASE_DSN"`

	BindAddr string `yaml:"bindAddr" split_words:"true"`
	Port     uint   `yaml:"port"`

	// AdminIDs may act as operators through the X-Admin-ID header.
	AdminIDs []string `yaml:"adminIds" envconfig:"ADMIN_IDS"`

	Timezone         string        `yaml:"timezone"`
	Weekday          string        `yaml:"weekday"`
	ExecutionTime    string        `yaml:"executionTime"    split_words:"true"` // HH:MM
	ConfirmLead      time.Duration `yaml:"confirmLead"      split_words:"true"`
	ReminderInterval time.Duration `yaml:"reminderInterval" split_words:"true"`
	ReminderWindow   time.Duration `yaml:"reminderWindow"   split_words:"true"`
	CheckInterval    time.Duration `yaml:"checkInterval"    split_words:"true"`

	TopRanks  int `yaml:"topRanks"  split_words:"true"`
	TopQuota  int `yaml:"topQuota"  split_words:"true"`
	TailQuota int `yaml:"tailQuota" split_words:"true"`

	WebhookURL      string        `yaml:"webhookUrl"      envconfig:"WEBHOOK_URL"`
	NotifyTimeout   time.Duration `yaml:"notifyTimeout"   split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`

	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	policy := promo.DefaultPolicy()
	return &Config{
		DatabaseDriver:   "sqlite3",
		DatabaseDSN:      "./data/promo.db",
		BindAddr:         "0.0.0.0",
		Port:             8080,
		Timezone:         "Europe/Moscow",
		Weekday:          "sunday",
		ExecutionTime:    "21:08",
		ConfirmLead:      time.Minute,
		ReminderInterval: time.Minute,
		ReminderWindow:   7 * time.Minute,
		CheckInterval:    5 * time.Second,
		TopRanks:         policy.TopRanks,
		TopQuota:         policy.TopQuota,
		TailQuota:        policy.TailQuota,
		NotifyTimeout:    10 * time.Second,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Load reads configFile (if not empty) over the defaults, then applies the
// environment, then validates.
func Load(configFile string) (*Config, error) {
	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

var errInvalid = errors.New("invalid configuration")

func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("databaseDriver %q: must be sqlite3 or postgres", c.DatabaseDriver))
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("databaseDsn is required"))
	}
	if _, err := c.Calendar(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ReminderInterval <= 0 || c.ReminderWindow <= 0 || c.CheckInterval <= 0 {
		errs = append(errs, errors.New("reminderInterval, reminderWindow and checkInterval must be positive"))
	}
	if c.ConfirmLead < 0 {
		errs = append(errs, errors.New("confirmLead must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errInvalid, errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// Calendar builds the period calendar from timezone, weekday and time.
func (c *Config) Calendar() (promo.Calendar, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return promo.Calendar{}, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	wd, ok := weekdays[strings.ToLower(c.Weekday)]
	if !ok {
		return promo.Calendar{}, fmt.Errorf("weekday %q: unknown", c.Weekday)
	}
	at, err := time.Parse("15:04", c.ExecutionTime)
	if err != nil {
		return promo.Calendar{}, fmt.Errorf("executionTime %q: want HH:MM", c.ExecutionTime)
	}
	return promo.Calendar{Location: loc, Weekday: wd, Hour: at.Hour(), Minute: at.Minute()}, nil
}

func (c *Config) Policy() promo.Policy {
	return promo.Policy{TopRanks: c.TopRanks, TopQuota: c.TopQuota, TailQuota: c.TailQuota}
}

// IsAdmin reports whether id is a configured operator.
func (c *Config) IsAdmin(id string) bool {
	return id != "" && slices.Contains(c.AdminIDs, id)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}
