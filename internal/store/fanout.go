package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Mirror receives a copy of every write. Mirror failures are logged by Fanout and
// never reach the poller.
type Mirror interface {
	Name() string
	MirrorRealtime(ctx context.Context, s RealtimeSnapshot) error
	MirrorUsage(ctx context.Context, s UsageSample) error
	Close() error
}

// DefaultMirrorTimeout bounds every mirror write
const DefaultMirrorTimeout = 2 * time.Second

// Fanout writes to the primary gateway and then to every mirror. Mirrors run after the
// primary under their own DefaultMirrorTimeout, detached from the caller's deadline.
type Fanout struct {
	primary       Gateway
	mirrors       []Mirror
	mirrorTimeout time.Duration
	logger        *logrus.Logger
}

var (
	_ Gateway = (*Fanout)(nil)
	_ Seeder  = (*Fanout)(nil)
)

// NewFanout creates a gateway over primary with optional mirrors
func NewFanout(primary Gateway, logger *logrus.Logger, mirrors ...Mirror) *Fanout {
	if logger == nil {
		logger = logrus.New()
	}
	return &Fanout{primary: primary, mirrors: mirrors, mirrorTimeout: DefaultMirrorTimeout, logger: logger}
}

// UpsertRealtime returns the primary's error only
func (f *Fanout) UpsertRealtime(ctx context.Context, s RealtimeSnapshot) error {
	err := f.primary.UpsertRealtime(ctx, s)
	for _, m := range f.mirrors {
		f.mirror(ctx, m, "realtime", func(mCtx context.Context) error {
			return m.MirrorRealtime(mCtx, s)
		})
	}
	return err
}

// AppendUsage returns the primary's error only
func (f *Fanout) AppendUsage(ctx context.Context, s UsageSample) error {
	err := f.primary.AppendUsage(ctx, s)
	for _, m := range f.mirrors {
		f.mirror(ctx, m, "usage", func(mCtx context.Context) error {
			return m.MirrorUsage(mCtx, s)
		})
	}
	return err
}

// LatestTotal delegates to the primary when it can seed
func (f *Fanout) LatestTotal(ctx context.Context, device string) (float64, bool, error) {
	seeder, ok := f.primary.(Seeder)
	if !ok {
		return 0, false, nil
	}
	return seeder.LatestTotal(ctx, device)
}

// Close closes the mirrors and then the primary
func (f *Fanout) Close() error {
	for _, m := range f.mirrors {
		if err := m.Close(); err != nil {
			f.logger.WithFields(logrus.Fields{
				"mirror": m.Name(),
				"error":  err,
			}).Warn("Failed to close mirror")
		}
	}
	return f.primary.Close()
}

func (f *Fanout) mirror(ctx context.Context, m Mirror, kind string, write func(context.Context) error) {
	mCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.mirrorTimeout)
	defer cancel()

	err := write(mCtx)
	if err == nil {
		return
	}
	f.logger.WithFields(logrus.Fields{
		"mirror": m.Name(),
		"write":  kind,
		"error":  err,
	}).Warn("Mirror write failed")
}
