package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/srg/watermon/pkg/config"
)

// Flag names shared by several commands
const (
	flagConfig        = "config"
	flagEnvFile       = "env-file"
	flagLogLevel      = "log-level"
	flagLogFormat     = "log-format"
	flagAddress       = "address"
	flagConnectTO     = "connect-timeout"
	flagRecordTO      = "record-timeout"
	flagFactor        = "factor"
	flagSource        = "source"
	flagSeed          = "seed"
	flagOneShot       = "one-shot"
	flagInterval      = "interval"
	flagUsageInterval = "usage-interval"
	flagDSN           = "dsn"
	flagMetricsAddr   = "metrics-addr"
	flagRedisAddr     = "redis-addr"
	flagInfluxURL     = "influx-url"
)

func addGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringP(flagConfig, "c", "", "Path to a YAML configuration file")
	f.StringSlice(flagEnvFile, []string{".env"}, "Environment files to load (missing files are ignored)")
	f.String(flagLogLevel, "", "Log level (debug, info, warn, error)")
	f.String(flagLogFormat, "", "Log format (text, json)")
}

func addDeviceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP(flagAddress, "a", "", "Valve Bluetooth address")
	f.Duration(flagConnectTO, 0, "Connection timeout (default from configuration)")
	f.Duration(flagRecordTO, 0, "Page wait timeout (default from configuration)")
	f.Float64(flagFactor, 0, "Calibration factor applied to every usage increment")
	f.String(flagSource, "", "Calibration source (counter, flow)")
}

func addDatabaseFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagDSN, "", "PostgreSQL connection string; overrides the database section")
}

// loadConfig assembles the configuration for cmd: defaults, file, .env files and the
// environment, then every flag the user set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	fs := cmd.Flags()

	path, _ := fs.GetString(flagConfig)
	envFiles, _ := fs.GetStringSlice(flagEnvFile)

	cfg, err := config.Load(path, envFiles...)
	if err != nil {
		return config.Config{}, err
	}
	if err := applyFlags(fs, &cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags over cfg
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var errs []error
	set := func(name string, apply func() error) {
		if f := fs.Lookup(name); f != nil && f.Changed {
			if err := apply(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	set(flagLogLevel, func() (err error) { cfg.Log.Level, err = fs.GetString(flagLogLevel); return })
	set(flagLogFormat, func() (err error) { cfg.Log.Format, err = fs.GetString(flagLogFormat); return })
	set(flagAddress, func() (err error) { cfg.Device.Address, err = fs.GetString(flagAddress); return })
	set(flagConnectTO, func() (err error) { cfg.Device.ConnectTimeout, err = fs.GetDuration(flagConnectTO); return })
	set(flagRecordTO, func() (err error) { cfg.Device.RecordTimeout, err = fs.GetDuration(flagRecordTO); return })
	set(flagFactor, func() (err error) { cfg.Calibration.Factor, err = fs.GetFloat64(flagFactor); return })
	set(flagSource, func() (err error) { cfg.Calibration.Source, err = fs.GetString(flagSource); return })
	set(flagSeed, func() (err error) { cfg.Calibration.SeedFromStore, err = fs.GetBool(flagSeed); return })
	set(flagOneShot, func() (err error) { cfg.Poll.OneShot, err = fs.GetBool(flagOneShot); return })
	set(flagInterval, func() (err error) { cfg.Poll.Interval, err = fs.GetDuration(flagInterval); return })
	set(flagUsageInterval, func() (err error) { cfg.Storage.UsageInterval, err = fs.GetDuration(flagUsageInterval); return })
	set(flagDSN, func() (err error) { cfg.Database.DSN, err = fs.GetString(flagDSN); return })
	set(flagMetricsAddr, func() (err error) { cfg.Metrics.Addr, err = fs.GetString(flagMetricsAddr); return })
	set(flagRedisAddr, func() (err error) { cfg.Redis.Addr, err = fs.GetString(flagRedisAddr); return })
	set(flagInfluxURL, func() (err error) { cfg.Influx.URL, err = fs.GetString(flagInfluxURL); return })

	return errors.Join(errs...)
}
