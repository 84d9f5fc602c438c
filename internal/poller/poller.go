// Package poller drives the sampling loop of one smart valve: request pages, decode,
// calibrate and persist, reconnecting with backoff when the link fails.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/srg/watermon/internal/calibration"
	"github.com/srg/watermon/internal/device"
	"github.com/srg/watermon/internal/metrics"
	"github.com/srg/watermon/internal/smartvalve"
	"github.com/srg/watermon/internal/store"
)

// Defaults
const (
	DefaultInterval         = time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultRecordTimeout    = 10 * time.Second
	DefaultSettingsInterval = time.Minute
	DefaultUsageInterval    = time.Minute
	DefaultWriteTimeout     = 5 * time.Second
)

// State of a Poller
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrStopped is returned by Start on a poller that has already run
var ErrStopped = errors.New("poller already stopped")

// FatalPollerError ends a run: the reconnect ceiling was reached or the device can
// never be served (wrong GATT layout, unsupported platform).
type FatalPollerError struct {
	Attempts int // consecutive failed connection attempts, 0 when not retried
	Err      error
}

func (e *FatalPollerError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("device unreachable after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("fatal poller error: %v", e.Err)
}

func (e *FatalPollerError) Unwrap() error {
	return e.Err
}

// Options configures a Poller. Zero durations select the defaults, except
// UsageInterval and ReconnectInterval where zero has a meaning of its own.
type Options struct {
	Address string
	OneShot bool

	Interval         time.Duration
	ConnectTimeout   time.Duration
	RecordTimeout    time.Duration
	SettingsInterval time.Duration

	// UsageInterval buckets usage appends; zero appends on every tick
	UsageInterval time.Duration

	// ReconnectInterval recycles a healthy session periodically; zero disables it
	ReconnectInterval time.Duration

	WriteTimeout time.Duration

	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	BackoffMaxAttempts int

	Calibration   calibration.Options
	SeedFromStore bool

	Metrics *metrics.Metrics
}

// DefaultOptions returns options with every default filled in
func DefaultOptions(address string) Options {
	return Options{
		Address:            address,
		Interval:           DefaultInterval,
		ConnectTimeout:     DefaultConnectTimeout,
		RecordTimeout:      DefaultRecordTimeout,
		SettingsInterval:   DefaultSettingsInterval,
		UsageInterval:      DefaultUsageInterval,
		WriteTimeout:       DefaultWriteTimeout,
		BackoffInitial:     device.DefaultBackoffInitial,
		BackoffMax:         device.DefaultBackoffMax,
		BackoffMaxAttempts: device.DefaultBackoffMaxAttempts,
	}
}

// Poller owns the session, the accumulator and the gateway of one run.
// Only the goroutine running Start touches them.
type Poller struct {
	opts    Options
	session device.Session
	gateway store.Gateway
	acc     *calibration.Accumulator
	backoff *device.Backoff
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *logrus.Entry

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	state      State
	cancelLoop context.CancelFunc
	done       chan struct{}

	connectedAt  time.Time
	served       bool // the current link answered a full tick
	lastSettings time.Time
	usageBucket  time.Time
	usageWritten bool
}

// New creates a poller. The poller takes ownership of session and gateway and closes
// both when it stops.
func New(opts Options, session device.Session, gateway store.Gateway, logger *logrus.Logger) *Poller {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = DefaultRecordTimeout
	}
	if opts.SettingsInterval <= 0 {
		opts.SettingsInterval = DefaultSettingsInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	return &Poller{
		opts:    opts,
		session: session,
		gateway: gateway,
		acc:     calibration.New(opts.Calibration),
		backoff: device.NewBackoff(opts.BackoffInitial, opts.BackoffMax, opts.BackoffMaxAttempts),
		limiter: rate.NewLimiter(rate.Every(opts.Interval), 1),
		metrics: opts.Metrics,
		logger: logger.WithFields(logrus.Fields{
			"device": opts.Address,
			"run_id": uuid.NewString(),
		}),
		now:  time.Now,
		wait: device.Sleep,
		done: make(chan struct{}),
	}
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Total returns the current calibrated total
func (p *Poller) Total() float64 {
	return p.acc.Total()
}

// Start runs the poller until one tick succeeds (one-shot), Stop is called, ctx is
// cancelled or a fatal error occurs. A run ended by Stop returns nil.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return ErrStopped
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	p.state = StateRunning
	p.mu.Unlock()

	defer cancel()
	defer p.release()

	p.logger.WithFields(logrus.Fields{
		"one_shot": p.opts.OneShot,
		"interval": p.opts.Interval,
		"factor":   p.opts.Calibration.Factor,
	}).Info("Starting poller")

	err := p.run(ctx, loopCtx)
	if err != nil && ctx.Err() == nil && loopCtx.Err() != nil && errors.Is(err, context.Canceled) {
		// Cancelled by Stop
		err = nil
	}
	return err
}

// Stop requests a graceful stop and waits until the in-flight tick has persisted and
// the session and gateway are closed, or until ctx is done.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateIdle:
		p.state = StateStopping
		p.mu.Unlock()
		p.release()
		return nil
	case StateRunning:
		p.state = StateStopping
		p.cancelLoop()
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run uses ctx for tick work, so Stop never interrupts a tick, and loopCtx for the
// waits between ticks.
func (p *Poller) run(ctx, loopCtx context.Context) error {
	p.seed(ctx)

	if err := p.connect(loopCtx); err != nil {
		return err
	}

	for {
		if err := loopCtx.Err(); err != nil {
			return err
		}

		if p.recycleDue() {
			p.logger.WithField("connected_for", p.now().Sub(p.connectedAt).Round(time.Second)).Info("Recycling device session")
			p.disconnect()
			if err := p.connect(loopCtx); err != nil {
				return err
			}
		}

		if !p.opts.OneShot {
			if err := p.limiter.Wait(loopCtx); err != nil {
				return loopCtx.Err()
			}
		}

		err := p.tick(ctx)
		if err == nil {
			if p.opts.OneShot {
				return nil
			}
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p.opts.OneShot {
			return err
		}

		if device.IsLinkFailure(err) {
			p.logger.WithError(err).Warn("Device link failed, reconnecting")
			p.disconnect()
			// A link that drops before serving a tick counts as a failed attempt
			if !p.served {
				if err := p.retryWait(loopCtx, err); err != nil {
					return err
				}
			}
			if err := p.connect(loopCtx); err != nil {
				return err
			}
			p.metrics.Reconnected()
			continue
		}

		p.logger.WithError(err).Warn("Tick failed")
	}
}

// seed starts the accumulator from the persisted total when configured to
func (p *Poller) seed(ctx context.Context) {
	if !p.opts.SeedFromStore {
		return
	}
	seeder, ok := p.gateway.(store.Seeder)
	if !ok {
		p.logger.Warn("Storage cannot seed calibration, starting from the device counter")
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, p.opts.WriteTimeout)
	defer cancel()

	total, found, err := seeder.LatestTotal(readCtx, p.opts.Address)
	switch {
	case err != nil:
		p.logger.WithError(err).Warn("Failed to read persisted total, starting from the device counter")
	case !found:
		p.logger.Debug("No persisted total to seed calibration from")
	default:
		p.acc.Seed(total)
		p.logger.WithField("total_gallons_used", total).Info("Seeded calibration from storage")
	}
}

// connect opens and subscribes the session, retrying with backoff. Success restarts
// the delays; the attempt count is cleared only once the link answers a tick.
func (p *Poller) connect(ctx context.Context) error {
	for {
		err := p.open(ctx)
		if err == nil {
			if p.backoff.Attempts() > 0 {
				p.logger.WithField("attempts", p.backoff.Attempts()+1).Info("Device connection restored")
			}
			p.backoff.ResetInterval()
			p.connectedAt = p.now()
			p.served = false
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !retryable(err) {
			return &FatalPollerError{Err: err}
		}

		p.metrics.TickFailed(metrics.StageSession)
		p.disconnect()

		if err := p.retryWait(ctx, err); err != nil {
			return err
		}
	}
}

// retryWait records a failed attempt caused by cause and waits out its delay. Past the
// attempt ceiling it returns a FatalPollerError instead.
func (p *Poller) retryWait(ctx context.Context, cause error) error {
	wait, ok := p.backoff.Next()
	if !ok {
		return &FatalPollerError{Attempts: p.backoff.Attempts(), Err: cause}
	}

	p.logger.WithFields(logrus.Fields{
		"error":   cause,
		"attempt": p.backoff.Attempts(),
		"retry":   wait,
	}).Warn("Device connection attempt failed")

	return p.wait(ctx, wait)
}

func (p *Poller) open(ctx context.Context) error {
	if err := p.session.Connect(ctx, p.opts.Address, p.opts.ConnectTimeout); err != nil {
		return err
	}
	return p.session.Subscribe(ctx)
}

// retryable reports whether reconnecting could fix err
func retryable(err error) bool {
	var protoErr *device.ProtocolError
	switch {
	case errors.As(err, &protoErr):
		return false
	case errors.Is(err, device.ErrUnsupported), errors.Is(err, device.ErrClosed):
		return false
	}
	return true
}

func (p *Poller) disconnect() {
	if err := p.session.Disconnect(); err != nil {
		p.logger.WithError(err).Debug("Disconnect failed")
	}
}

func (p *Poller) recycleDue() bool {
	return p.opts.ReconnectInterval > 0 && p.now().Sub(p.connectedAt) >= p.opts.ReconnectInterval
}

// plan returns the commands of a tick. The dashboard is read every tick; the device
// totals every tick when they drive calibration; the settings when the last read is
// older than SettingsInterval. Totals and settings are always read in one-shot mode.
func (p *Poller) plan(at time.Time) []smartvalve.Command {
	cmds := []smartvalve.Command{smartvalve.CommandDashboard}

	settingsDue := p.opts.OneShot || p.lastSettings.IsZero() || at.Sub(p.lastSettings) >= p.opts.SettingsInterval
	counter := p.opts.Calibration.Source != calibration.SourceFlow

	if counter || settingsDue {
		cmds = append(cmds, smartvalve.CommandHistory)
	}
	if settingsDue {
		cmds = append(cmds, smartvalve.CommandSettings)
	}
	return cmds
}

// tick runs one request, decode, calibrate and persist cycle
func (p *Poller) tick(ctx context.Context) error {
	started := p.now()
	cmds := p.plan(started)

	var records []smartvalve.RawRecord
	for _, cmd := range cmds {
		pages, err := p.collect(ctx, cmd)
		if err != nil {
			p.metrics.TickFailed(metrics.StageSession)
			return fmt.Errorf("failed to read %q response: %w", cmd.String(), err)
		}
		records = append(records, pages...)
	}

	// The link answered every command; later decode or storage failures are not its fault
	p.served = true
	p.backoff.Reset()

	sample, err := smartvalve.Decode(p.opts.Address, started, records...)
	if err != nil {
		p.metrics.TickFailed(metrics.StageDecode)
		return err
	}
	if sample.HasSettings {
		p.lastSettings = started
	}

	total := p.calibrate(sample)

	if err := p.persist(ctx, sample, total); err != nil {
		p.metrics.TickFailed(metrics.StageStorage)
		return err
	}

	p.metrics.TickSucceeded(p.now().Sub(started))
	p.metrics.SetTotal(p.opts.Address, total)
	return nil
}

// collect sends cmd and gathers its pages up to the command's final page
func (p *Poller) collect(ctx context.Context, cmd smartvalve.Command) ([]smartvalve.RawRecord, error) {
	final, _ := smartvalve.FinalPage(cmd)

	if err := p.session.Request(ctx, cmd); err != nil {
		return nil, err
	}

	var pages []smartvalve.RawRecord
	for {
		rec, err := p.session.NextRecord(ctx, p.opts.RecordTimeout)
		if err != nil {
			return nil, err
		}

		id, ok := rec.ID()
		if !ok || id.Command != cmd {
			p.logger.WithField("page", fmt.Sprintf("% x", []byte(rec))).Debug("Ignoring page of another response")
			continue
		}

		pages = append(pages, rec)
		if id == final {
			return pages, nil
		}
	}
}

// calibrate folds the sample into the accumulator. A sample without the reading the
// configured source needs leaves the total unchanged.
func (p *Poller) calibrate(s smartvalve.StatusSample) float64 {
	var usable bool
	if p.opts.Calibration.Source == calibration.SourceFlow {
		usable = s.HasDashboard
	} else {
		usable = s.HasTotals
	}
	if !usable {
		p.logger.Debug("Sample carries no usage reading, keeping the calibrated total")
		return p.acc.Total()
	}

	total, obs := p.acc.Add(calibration.Reading{
		Time:        s.Time,
		DeviceTotal: int64(s.TotalGallonsTreated),
		FlowRate:    s.FlowRate,
	})

	entry := p.logger.WithFields(logrus.Fields{
		"observation":        obs.Kind.String(),
		"delta":              obs.Delta,
		"total_gallons_used": total,
	})
	if obs.Kind == calibration.KindReset {
		entry.Warn("Device counter went backwards, re-basing")
	} else {
		entry.Debug("Calibrated sample")
	}
	return total
}

// persist writes the realtime snapshot and, when due, a usage sample. Both writes are
// attempted, each under its own WriteTimeout, and run detached from ctx so a decoded
// sample still lands on interrupt.
func (p *Poller) persist(ctx context.Context, s smartvalve.StatusSample, total float64) error {
	var errs []error
	err := p.write(ctx, func(writeCtx context.Context) error {
		return p.gateway.UpsertRealtime(writeCtx, store.NewRealtimeSnapshot(s, total))
	})
	if err != nil {
		errs = append(errs, err)
	}

	if bucket, due := p.usageDue(s.Time); due {
		err := p.write(ctx, func(writeCtx context.Context) error {
			return p.gateway.AppendUsage(writeCtx, store.UsageSample{
				Time:             s.Time,
				Device:           s.Device,
				TotalGallonsUsed: total,
			})
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			p.usageBucket, p.usageWritten = bucket, true
			p.metrics.UsageAppended()
		}
	}

	return errors.Join(errs...)
}

func (p *Poller) write(ctx context.Context, fn func(context.Context) error) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.WriteTimeout)
	defer cancel()
	return fn(writeCtx)
}

// usageDue reports whether at falls into a usage bucket that has not been written yet
func (p *Poller) usageDue(at time.Time) (time.Time, bool) {
	if p.opts.OneShot || p.opts.UsageInterval <= 0 {
		return at, true
	}
	bucket := at.Truncate(p.opts.UsageInterval)
	return bucket, !p.usageWritten || !bucket.Equal(p.usageBucket)
}

// release closes the session and the gateway and marks the poller stopped
func (p *Poller) release() {
	if err := p.session.Close(); err != nil {
		p.logger.WithError(err).Warn("Failed to close device session")
	}
	if err := p.gateway.Close(); err != nil {
		p.logger.WithError(err).Warn("Failed to close storage")
	}

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	close(p.done)

	p.logger.WithField("total_gallons_used", p.acc.Total()).Info("Poller stopped")
}
