package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "WATERMON_"

// Calibration sources
const (
	SourceCounter = "counter"
	SourceFlow    = "flow"
)

// Config holds application configuration. It is assembled once at startup and then
// passed by value.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Poll        PollConfig        `yaml:"poll"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Database    DatabaseConfig    `yaml:"database"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Influx      InfluxConfig      `yaml:"influx"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type DeviceConfig struct {
	Address           string        `yaml:"address"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"10s"`
	RecordTimeout     time.Duration `yaml:"record_timeout" default:"10s"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" default:"1h"`
	BackoffInitial    time.Duration `yaml:"backoff_initial" default:"1s"`
	BackoffMax        time.Duration `yaml:"backoff_max" default:"60s"`
	MaxAttempts       int           `yaml:"max_attempts" default:"10"`
}

type PollConfig struct {
	Interval         time.Duration `yaml:"interval" default:"1s"`
	OneShot          bool          `yaml:"one_shot"`
	SettingsInterval time.Duration `yaml:"settings_interval" default:"1m"`
}

type CalibrationConfig struct {
	Factor        float64       `yaml:"factor" default:"1"`
	Source        string        `yaml:"source" default:"counter"`
	MaxGap        time.Duration `yaml:"max_gap" default:"5s"`
	SeedFromStore bool          `yaml:"seed_from_store"`
}

type DatabaseConfig struct {
	// DSN, when set, is used as is and the discrete fields are ignored
	DSN              string        `yaml:"dsn"`
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"5432"`
	Name             string        `yaml:"name" default:"watermon"`
	User             string        `yaml:"user" default:"watermon_writer"`
	Password         string        `yaml:"password"`
	SSLMode          string        `yaml:"sslmode" default:"disable"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"3s"`
	StatementTimeout time.Duration `yaml:"statement_timeout" default:"5s"`
	RealtimeTable    string        `yaml:"realtime_table" default:"watermon_realtime"`
	UsageTable       string        `yaml:"usage_table" default:"watermon_usage"`
	WriterRole       string        `yaml:"writer_role" default:"watermon_writer"`
	ReaderRole       string        `yaml:"reader_role" default:"watermon_reader"`
}

// ConnectionString returns a libpq key/value connection string
func (d DatabaseConfig) ConnectionString() string {
	if d.DSN != "" {
		return d.DSN
	}

	parts := []string{
		"host=" + quoteValue(d.Host),
		"port=" + strconv.Itoa(d.Port),
		"dbname=" + quoteValue(d.Name),
		"user=" + quoteValue(d.User),
	}
	if d.Password != "" {
		parts = append(parts, "password="+quoteValue(d.Password))
	}
	parts = append(parts, "sslmode="+quoteValue(d.SSLMode))
	if d.ConnectTimeout > 0 {
		// libpq takes whole seconds
		secs := int((d.ConnectTimeout + time.Second - 1) / time.Second)
		parts = append(parts, "connect_timeout="+strconv.Itoa(secs))
	}
	if d.StatementTimeout > 0 {
		parts = append(parts, "statement_timeout="+strconv.FormatInt(d.StatementTimeout.Milliseconds(), 10))
	}
	return strings.Join(parts, " ")
}

// quoteValue quotes a libpq keyword value when it is empty or contains spaces, quotes
// or backslashes
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

type StorageConfig struct {
	// UsageInterval buckets usage appends; 0 appends on every tick
	UsageInterval time.Duration `yaml:"usage_interval" default:"1m"`
	WriteTimeout  time.Duration `yaml:"write_timeout" default:"5s"`
}

// RedisConfig enables the realtime cache mirror when Addr is set
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl" default:"10m"`
}

// InfluxConfig enables the time series mirror when URL is set
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket" default:"watermon"`
}

// MetricsConfig enables the Prometheus listener when Addr is set
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"text"` // text, json
}

// ValidationError reports a configuration value that prevents startup
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Msg)
}

// DefaultConfig returns default configuration values
func DefaultConfig() Config {
	var c Config
	defaults.SetDefaults(&c)
	return c
}

// Load layers the defaults, the YAML file at path (if any), the given .env files and
// WATERMON_* environment variables. Command line flags are applied by the caller,
// which then calls Validate.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := loadEnvFiles(envFiles...); err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadEnvFiles loads .env files without overriding variables already set. A missing
// file is not an error.
func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from WATERMON_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("DEVICE_ADDRESS", &c.Device.Address)
	e.duration("DEVICE_CONNECT_TIMEOUT", &c.Device.ConnectTimeout)
	e.duration("DEVICE_RECORD_TIMEOUT", &c.Device.RecordTimeout)
	e.duration("DEVICE_RECONNECT_INTERVAL", &c.Device.ReconnectInterval)
	e.integer("DEVICE_MAX_ATTEMPTS", &c.Device.MaxAttempts)

	e.duration("POLL_INTERVAL", &c.Poll.Interval)
	e.boolean("ONE_SHOT", &c.Poll.OneShot)

	e.float("CALIBRATION_FACTOR", &c.Calibration.Factor)
	e.str("CALIBRATION_SOURCE", &c.Calibration.Source)
	e.boolean("CALIBRATION_SEED_FROM_STORE", &c.Calibration.SeedFromStore)

	e.str("DATABASE_URL", &c.Database.DSN)
	e.str("DB_HOST", &c.Database.Host)
	e.integer("DB_PORT", &c.Database.Port)
	e.str("DB_NAME", &c.Database.Name)
	e.str("DB_USER", &c.Database.User)
	e.str("DB_PASSWORD", &c.Database.Password)
	e.str("DB_SSLMODE", &c.Database.SSLMode)

	e.duration("STORAGE_USAGE_INTERVAL", &c.Storage.UsageInterval)
	e.duration("STORAGE_WRITE_TIMEOUT", &c.Storage.WriteTimeout)

	e.str("REDIS_ADDR", &c.Redis.Addr)
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.integer("REDIS_DB", &c.Redis.DB)

	e.str("INFLUX_URL", &c.Influx.URL)
	e.str("INFLUX_TOKEN", &c.Influx.Token)
	e.str("INFLUX_ORG", &c.Influx.Org)
	e.str("INFLUX_BUCKET", &c.Influx.Bucket)

	e.str("METRICS_ADDR", &c.Metrics.Addr)

	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	return v, ok && v != ""
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, key, value, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

// Validate checks everything a poll or status run depends on
func (c Config) Validate() error {
	if strings.TrimSpace(c.Device.Address) == "" {
		return &ValidationError{Field: "device.address", Msg: "is required"}
	}
	if c.Calibration.Factor < 0 {
		return &ValidationError{Field: "calibration.factor", Msg: fmt.Sprintf("must be >= 0, got %g", c.Calibration.Factor)}
	}
	switch c.Calibration.Source {
	case SourceCounter, SourceFlow:
	default:
		return &ValidationError{Field: "calibration.source", Msg: fmt.Sprintf("must be %q or %q, got %q", SourceCounter, SourceFlow, c.Calibration.Source)}
	}
	if c.Device.MaxAttempts < 0 {
		return &ValidationError{Field: "device.max_attempts", Msg: "must be >= 0"}
	}

	for field, d := range map[string]time.Duration{
		"poll.interval":             c.Poll.Interval,
		"poll.settings_interval":    c.Poll.SettingsInterval,
		"device.connect_timeout":    c.Device.ConnectTimeout,
		"device.record_timeout":     c.Device.RecordTimeout,
		"device.reconnect_interval": c.Device.ReconnectInterval,
		"storage.usage_interval":    c.Storage.UsageInterval,
		"storage.write_timeout":     c.Storage.WriteTimeout,
	} {
		if d < 0 {
			return &ValidationError{Field: field, Msg: "must not be negative"}
		}
	}

	return c.ValidateLog()
}

// ValidateLog checks the logging settings only
func (c Config) ValidateLog() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return &ValidationError{Field: "log.level", Msg: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return &ValidationError{Field: "log.format", Msg: fmt.Sprintf("must be \"text\" or \"json\", got %q", c.Log.Format)}
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		return logger
	}

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
