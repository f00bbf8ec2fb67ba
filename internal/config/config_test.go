package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/promo-engine/promo"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.DatabaseDriver)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, promo.DefaultPolicy(), cfg.Policy())
	assert.Equal(t, 7*time.Minute, cfg.ReminderWindow)

	cal, err := cfg.Calendar()
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, cal.Weekday)
	assert.Equal(t, 21, cal.Hour)
	assert.Equal(t, 8, cal.Minute)
}

func TestLoad_YAMLThenEnvironment(t *testing.T) {
	// GIVEN: a config file and an environment override
	dir := t.TempDir()
	path := filepath.Join(dir, "promo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
databaseDriver: postgres
databaseDsn: postgres://localhost/promo
port: 9090
adminIds: [alice, bob]
weekday: friday
executionTime: "18:30"
reminderWindow: 10m
topRanks: 5
`), 0o600))
	t.Setenv("PROMO_PORT", "9191")
	t.Setenv("PROMO_TAIL_QUOTA", "2")

	// WHEN: loading
	cfg, err := Load(path)

	// THEN: the file overrides defaults and the environment overrides both
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, uint(9191), cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.ReminderWindow)
	assert.Equal(t, promo.Policy{TopRanks: 5, TopQuota: 3, TailQuota: 2}, cfg.Policy())
	assert.True(t, cfg.IsAdmin("bob"))
	assert.False(t, cfg.IsAdmin("mallory"))
	assert.False(t, cfg.IsAdmin(""))

	cal, err := cfg.Calendar()
	require.NoError(t, err)
	assert.Equal(t, time.Friday, cal.Weekday)
	assert.Equal(t, 18, cal.Hour)
	assert.Equal(t, 30, cal.Minute)
}

func TestLoad_AdminIDsFromEnvironment(t *testing.T) {
	t.Setenv("PROMO_ADMIN_IDS", "100,200")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.True(t, cfg.IsAdmin("200"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"driver", func(c *Config) { c.DatabaseDriver = "mysql" }},
		{"dsn", func(c *Config) { c.DatabaseDSN = "" }},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"weekday", func(c *Config) { c.Weekday = "caturday" }},
		{"execution time", func(c *Config) { c.ExecutionTime = "9pm" }},
		{"policy", func(c *Config) { c.TopQuota = -1 }},
		{"reminder interval", func(c *Config) { c.ReminderInterval = 0 }},
		{"lead", func(c *Config) { c.ConfirmLead = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, errInvalid)
		})
	}
}

func TestContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	cfg := Default()
	assert.Same(t, cfg, FromContext(WithContext(context.Background(), cfg)))
}
