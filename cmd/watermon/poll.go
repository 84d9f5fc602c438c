package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/watermon/internal/calibration"
	"github.com/srg/watermon/internal/device"
	goble "github.com/srg/watermon/internal/device/go-ble"
	"github.com/srg/watermon/internal/groutine"
	"github.com/srg/watermon/internal/metrics"
	"github.com/srg/watermon/internal/poller"
	"github.com/srg/watermon/internal/store"
	"github.com/srg/watermon/pkg/config"
)

// pollCmd represents the poll command
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll the valve and persist usage",
	Long: `Connect to the smart valve, poll it once per interval and persist every sample.

The live snapshot is upserted into the realtime table on every tick, and the calibrated
total is appended to the usage table once per usage interval. The connection is retried
with exponential backoff when the link drops.

The first Ctrl+C stops after the current tick; a second one aborts immediately.

Examples:
  watermon poll -a AA:BB:CC:DD:EE:FF
  watermon poll -c /etc/watermon.yaml --metrics-addr :9180
  watermon poll -a AA:BB:CC:DD:EE:FF --one-shot --dsn postgres://localhost/watermon`,
	Args: cobra.NoArgs,
	RunE: runPoll,
}

// stopTimeout bounds how long a graceful stop may wait for the tick in flight
const stopTimeout = 30 * time.Second

// Replaced in tests
var (
	newSession  = func(logger *logrus.Logger) device.Session { return goble.NewSession(logger) }
	openGateway = openStoreGateway
)

func init() {
	addDeviceFlags(pollCmd)
	addDatabaseFlags(pollCmd)

	f := pollCmd.Flags()
	f.Bool(flagOneShot, false, "Poll once, persist and exit")
	f.Bool(flagSeed, false, "Continue the calibrated total from the stored realtime row")
	f.Duration(flagInterval, 0, "Poll interval (default from configuration)")
	f.Duration(flagUsageInterval, 0, "Usage append interval, 0 appends every tick")
	f.String(flagMetricsAddr, "", "Serve Prometheus metrics on this address")
	f.String(flagRedisAddr, "", "Mirror the realtime snapshot to this Redis server")
	f.String(flagInfluxURL, "", "Mirror the usage series to this InfluxDB server")
}

func runPoll(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := configureLogger(cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if cfg.Metrics.Addr != "" {
		srv, err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, logger)
		if err != nil {
			return err
		}
		logger.WithField("addr", srv.Addr()).Info("Serving metrics")
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	gateway, err := openGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}

	p := poller.New(pollerOptions(cfg, m), newSession(logger), gateway, logger)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	groutine.Go(ctx, "signal-handler", func(ctx context.Context) {
		handleSignals(ctx, sigCh, p, cancel, logger)
	})

	return p.Start(ctx)
}

// handleSignals stops the poller gracefully on the first signal and cancels the run on
// the second
func handleSignals(ctx context.Context, sigCh <-chan os.Signal, p *poller.Poller, cancel context.CancelFunc, logger *logrus.Logger) {
	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Stopping after the current tick, signal again to abort")
	}

	groutine.Go(ctx, "poller-stop", func(ctx context.Context) {
		stopCtx, done := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer done()
		if err := p.Stop(stopCtx); err != nil {
			logger.WithError(err).Warn("Graceful stop did not complete")
			cancel()
		}
	})

	select {
	case <-ctx.Done():
	case <-sigCh:
		logger.Warn("Aborting")
		cancel()
	}
}

// pollerOptions maps the configuration onto the poller
func pollerOptions(cfg config.Config, m *metrics.Metrics) poller.Options {
	opts := poller.DefaultOptions(cfg.Device.Address)
	opts.OneShot = cfg.Poll.OneShot
	opts.Interval = cfg.Poll.Interval
	opts.ConnectTimeout = cfg.Device.ConnectTimeout
	opts.RecordTimeout = cfg.Device.RecordTimeout
	opts.SettingsInterval = cfg.Poll.SettingsInterval
	opts.UsageInterval = cfg.Storage.UsageInterval
	opts.ReconnectInterval = cfg.Device.ReconnectInterval
	opts.WriteTimeout = cfg.Storage.WriteTimeout
	opts.BackoffInitial = cfg.Device.BackoffInitial
	opts.BackoffMax = cfg.Device.BackoffMax
	opts.BackoffMaxAttempts = cfg.Device.MaxAttempts
	opts.Calibration = calibration.Options{
		Factor: cfg.Calibration.Factor,
		Source: calibration.Source(cfg.Calibration.Source),
		MaxGap: cfg.Calibration.MaxGap,
	}
	opts.SeedFromStore = cfg.Calibration.SeedFromStore
	opts.Metrics = m
	return opts
}

// openStoreGateway connects PostgreSQL and attaches the configured mirrors
func openStoreGateway(ctx context.Context, cfg config.Config, logger *logrus.Logger) (store.Gateway, error) {
	pg, err := store.Open(ctx, store.Options{
		DSN:           cfg.Database.ConnectionString(),
		RealtimeTable: cfg.Database.RealtimeTable,
		UsageTable:    cfg.Database.UsageTable,
		PingTimeout:   cfg.Database.ConnectTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	mirrors := configuredMirrors(cfg)
	if len(mirrors) == 0 {
		return pg, nil
	}
	return store.NewFanout(pg, logger, mirrors...), nil
}

func configuredMirrors(cfg config.Config) []store.Mirror {
	var mirrors []store.Mirror
	if cfg.Redis.Addr != "" {
		mirrors = append(mirrors, store.NewRedisMirror(store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}))
	}
	if cfg.Influx.URL != "" {
		mirrors = append(mirrors, store.NewInfluxMirror(store.InfluxOptions{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}))
	}
	return mirrors
}
