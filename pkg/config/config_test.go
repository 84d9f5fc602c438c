package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// unsetAfter removes variables a .env file may have set during the test
func unsetAfter(t *testing.T, keys ...string) {
	t.Cleanup(func() {
		for _, k := range keys {
			_ = os.Unsetenv(k)
		}
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Empty(t, cfg.Device.Address)
	assert.Equal(t, 10*time.Second, cfg.Device.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.Device.RecordTimeout)
	assert.Equal(t, time.Hour, cfg.Device.ReconnectInterval)
	assert.Equal(t, time.Second, cfg.Device.BackoffInitial)
	assert.Equal(t, 60*time.Second, cfg.Device.BackoffMax)
	assert.Equal(t, 10, cfg.Device.MaxAttempts)

	assert.Equal(t, time.Second, cfg.Poll.Interval)
	assert.False(t, cfg.Poll.OneShot)
	assert.Equal(t, time.Minute, cfg.Poll.SettingsInterval)

	assert.Equal(t, 1.0, cfg.Calibration.Factor)
	assert.Equal(t, SourceCounter, cfg.Calibration.Source)
	assert.False(t, cfg.Calibration.SeedFromStore)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "watermon_realtime", cfg.Database.RealtimeTable)
	assert.Equal(t, "watermon_usage", cfg.Database.UsageTable)

	assert.Equal(t, time.Minute, cfg.Storage.UsageInterval)
	assert.Equal(t, 5*time.Second, cfg.Storage.WriteTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Redis.TTL)
	assert.Empty(t, cfg.Metrics.Addr)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_Precedence(t *testing.T) {
	file := writeFile(t, "watermon.yaml", `
device:
  address: "AA:BB:CC:DD:EE:FF"
poll:
  interval: 2s
calibration:
  factor: 1.5
database:
  host: file-host
  name: file-db
storage:
  usage_interval: 0s
`)
	envFile := writeFile(t, ".env", "WATERMON_DB_HOST=envfile-host\nWATERMON_DB_NAME=envfile-db\n")
	unsetAfter(t, "WATERMON_DB_HOST")

	t.Setenv("WATERMON_CALIBRATION_FACTOR", "2")
	t.Setenv("WATERMON_DB_NAME", "process-db")

	cfg, err := Load(file, envFile)
	require.NoError(t, err)

	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Device.Address, "file over defaults")
	assert.Equal(t, 2*time.Second, cfg.Poll.Interval, "file over defaults")
	assert.Zero(t, cfg.Storage.UsageInterval, "an explicit zero in the file is kept")
	assert.Equal(t, 2.0, cfg.Calibration.Factor, "environment over file")
	assert.Equal(t, "envfile-host", cfg.Database.Host, ".env over file")
	assert.Equal(t, "process-db", cfg.Database.Name, "process environment over .env")
	assert.Equal(t, 5432, cfg.Database.Port, "untouched default")
}

func TestLoad_Files(t *testing.T) {
	t.Run("unknown key", func(t *testing.T) {
		file := writeFile(t, "bad.yaml", "device:\n  adress: typo\n")
		_, err := Load(file, filepath.Join(t.TempDir(), "none.env"))
		assert.ErrorContains(t, err, "failed to parse config file")
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("empty config file", func(t *testing.T) {
		file := writeFile(t, "empty.yaml", "")
		cfg, err := Load(file, filepath.Join(t.TempDir(), "none.env"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("missing env file is ignored", func(t *testing.T) {
		_, err := Load("", filepath.Join(t.TempDir(), "none.env"))
		assert.NoError(t, err)
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"WATERMON_DEVICE_ADDRESS":      "11:22:33:44:55:66",
		"WATERMON_ONE_SHOT":            "true",
		"WATERMON_POLL_INTERVAL":       "500ms",
		"WATERMON_DEVICE_MAX_ATTEMPTS": "0",
		"WATERMON_REDIS_ADDR":          "localhost:6379",
		"WATERMON_LOG_FORMAT":          "json",
		"WATERMON_DB_PASSWORD":         "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.Database.Password = "kept"
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, "11:22:33:44:55:66", cfg.Device.Address)
	assert.True(t, cfg.Poll.OneShot)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.Interval)
	assert.Zero(t, cfg.Device.MaxAttempts, "an explicit zero is an override")
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "kept", cfg.Database.Password, "empty variables are ignored")
}

func TestApplyEnv_Invalid(t *testing.T) {
	env := map[string]string{
		"WATERMON_DB_PORT":            "fifty",
		"WATERMON_POLL_INTERVAL":      "soon",
		"WATERMON_ONE_SHOT":           "maybe",
		"WATERMON_CALIBRATION_FACTOR": "x1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	for key := range env {
		assert.ErrorContains(t, err, key)
	}
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Device.Address = "AA:BB:CC:DD:EE:FF"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing address", func(c *Config) { c.Device.Address = "  " }, "device.address"},
		{"negative factor", func(c *Config) { c.Calibration.Factor = -0.5 }, "calibration.factor"},
		{"unknown source", func(c *Config) { c.Calibration.Source = "guess" }, "calibration.source"},
		{"negative attempts", func(c *Config) { c.Device.MaxAttempts = -1 }, "device.max_attempts"},
		{"negative interval", func(c *Config) { c.Poll.Interval = -time.Second }, "poll.interval"},
		{"negative usage interval", func(c *Config) { c.Storage.UsageInterval = -time.Minute }, "storage.usage_interval"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.Contains(t, err.Error(), "invalid configuration: "+tt.field)
		})
	}

	t.Run("zero factor is allowed", func(t *testing.T) {
		cfg := valid
		cfg.Calibration.Factor = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	db := DefaultConfig().Database
	assert.Equal(t,
		"host=localhost port=5432 dbname=watermon user=watermon_writer sslmode=disable connect_timeout=3 statement_timeout=5000",
		db.ConnectionString())

	db.Password = `p w'd`
	db.ConnectTimeout = 1500 * time.Millisecond
	db.StatementTimeout = 0
	assert.Equal(t,
		`host=localhost port=5432 dbname=watermon user=watermon_writer password='p w\'d' sslmode=disable connect_timeout=2`,
		db.ConnectionString())

	db.DSN = "postgres://writer@db/watermon?sslmode=require"
	assert.Equal(t, db.DSN, db.ConnectionString())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", level: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", level: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", level: "warn", expected: logrus.WarnLevel},
		{name: "falls back to info", level: "loud", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Log: LogConfig{Level: tt.level, Format: "text"}}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}

	t.Run("json format", func(t *testing.T) {
		cfg := Config{Log: LogConfig{Level: "error", Format: "json"}}
		logger := cfg.NewLogger()

		formatter, ok := logger.Formatter.(*logrus.JSONFormatter)
		require.True(t, ok)
		assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())
	})
}
