// Package store persists valve snapshots and the usage time series.
//
// PostgreSQL is the system of record: one realtime row per device, overwritten every tick,
// and an append-only usage table. Redis and InfluxDB mirrors can be attached through
// Fanout; they are best effort and never fail a tick.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/watermon/internal/smartvalve"
)

// Default table names
const (
	DefaultRealtimeTable = "watermon_realtime"
	DefaultUsageTable    = "watermon_usage"
)

// Gateway is where the poller writes each tick
type Gateway interface {
	// UpsertRealtime writes or replaces the device's realtime row
	UpsertRealtime(ctx context.Context, s RealtimeSnapshot) error
	// AppendUsage inserts one usage row
	AppendUsage(ctx context.Context, s UsageSample) error
	Close() error
}

// Seeder is implemented by gateways that can report the last persisted calibrated total
type Seeder interface {
	// LatestTotal returns the device's last calibrated total; ok is false when the
	// device has never been persisted.
	LatestTotal(ctx context.Context, device string) (total float64, ok bool, err error)
}

// RealtimeSnapshot is the latest known state of one device
type RealtimeSnapshot struct {
	smartvalve.StatusSample
	LastUpdate       time.Time
	TotalGallonsUsed float64
}

// NewRealtimeSnapshot pairs a decoded sample with its calibrated total
func NewRealtimeSnapshot(s smartvalve.StatusSample, total float64) RealtimeSnapshot {
	return RealtimeSnapshot{StatusSample: s, LastUpdate: s.Time, TotalGallonsUsed: total}
}

// UsageSample is one row of the usage time series
type UsageSample struct {
	Time             time.Time
	Device           string
	TotalGallonsUsed float64
}

// StorageError reports a failed write or read
type StorageError struct {
	Op    string // "upsert", "append", "latest", "migrate"
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s on %s failed: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Timestamps are stored in UTC with millisecond precision
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Fields returns the snapshot as column name/value pairs in protocol order.
// Field groups whose pages were not part of the sample are left out, so an upsert keeps
// the previously stored values for them.
func (s RealtimeSnapshot) Fields() *orderedmap.OrderedMap[string, any] {
	f := orderedmap.New[string, any]()
	f.Set("device", s.Device)
	f.Set("last_update", storedTime(s.LastUpdate))
	f.Set("total_gallons_used", s.TotalGallonsUsed)

	if s.HasDashboard {
		f.Set("time_of_day", s.TimeOfDay.String())
		f.Set("battery", s.Battery)
		f.Set("flow_rate", s.FlowRate)
		f.Set("soft_water_remaining", s.SoftWaterRemaining)
		f.Set("usage_today", s.UsageToday)
		f.Set("peak_flow_today", s.PeakFlowToday)
		f.Set("hardness", s.Hardness)
		f.Set("regeneration_time", s.RegenerationTime.String())
	}
	if s.HasRegenStatus {
		f.Set("regeneration_state", s.State)
		f.Set("regeneration_step", s.Step)
		f.Set("step_minutes_remaining", s.StepMinutesRemaining)
	}
	if s.HasDailyUsage {
		f.Set("average_daily_usage", s.AverageDailyUsage)
		f.Set("daily_usage", int64s(s.DailyUsage))
	}
	if s.HasSettings {
		f.Set("days_until_regeneration", s.DaysUntilRegeneration)
		f.Set("regeneration_day_override", s.RegenerationDayOverride)
		f.Set("reserve_capacity", s.ReserveCapacity)
		f.Set("resin_grains_capacity", s.ResinGrainsCapacity)
	}
	if s.HasCycles {
		f.Set("backwash_minutes", s.Backwash)
		f.Set("brine_draw_minutes", s.BrineDraw)
		f.Set("rapid_rinse_minutes", s.RapidRinse)
		f.Set("brine_refill_minutes", s.BrineRefill)
	}
	if s.HasTotals {
		f.Set("total_gallons_treated", s.TotalGallonsTreated)
		f.Set("total_gallons_treated_since_reset", s.TotalGallonsTreatedSinceReset)
		f.Set("total_regenerations", s.TotalRegenerations)
		f.Set("total_regenerations_since_reset", s.TotalRegenerationsSinceReset)
	}
	if s.UsageHistory != nil {
		f.Set("usage_history", int64s(s.UsageHistory))
	}
	if s.RegenerationIntervals != nil {
		f.Set("regeneration_intervals", int64s(s.RegenerationIntervals))
	}
	if s.PeakFlowHistory != nil {
		f.Set("peak_flow_history", pq.Float64Array(s.PeakFlowHistory))
	}
	return f
}

func int64s(v []int) pq.Int64Array {
	out := make(pq.Int64Array, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}
