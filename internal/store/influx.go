package store

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/srg/watermon/internal/smartvalve"
)

// Influx measurements
const (
	MeasurementUsage  = "water_usage"
	MeasurementStatus = "valve_status"
)

// InfluxOptions configures the time series mirror
type InfluxOptions struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxMirror writes the usage series and a compact status point to InfluxDB
type InfluxMirror struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

var _ Mirror = (*InfluxMirror)(nil)

// NewInfluxMirror creates the mirror. Writes are blocking so a failure is reported on
// the tick that caused it.
func NewInfluxMirror(opts InfluxOptions) *InfluxMirror {
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &InfluxMirror{
		client:   client,
		writeAPI: client.WriteAPIBlocking(opts.Org, opts.Bucket),
	}
}

func (m *InfluxMirror) Name() string { return "influxdb" }

// MirrorRealtime writes the live readings that are useful to graph
func (m *InfluxMirror) MirrorRealtime(ctx context.Context, s RealtimeSnapshot) error {
	if !s.HasDashboard {
		return nil
	}

	fields := map[string]interface{}{
		"flow_rate":            s.FlowRate,
		"battery":              s.Battery,
		"soft_water_remaining": s.SoftWaterRemaining,
		"usage_today":          s.UsageToday,
		"total_gallons_used":   s.TotalGallonsUsed,
	}
	if s.HasRegenStatus {
		fields["regenerating"] = s.State == smartvalve.StateRegenerating
	}

	point := write.NewPoint(
		MeasurementStatus,
		map[string]string{"device": s.Device},
		fields,
		storedTime(s.LastUpdate),
	)

	if err := m.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write status point: %w", err)
	}
	return nil
}

// MirrorUsage writes one point of the usage series
func (m *InfluxMirror) MirrorUsage(ctx context.Context, s UsageSample) error {
	point := write.NewPoint(
		MeasurementUsage,
		map[string]string{"device": s.Device},
		map[string]interface{}{"total_gallons_used": s.TotalGallonsUsed},
		storedTime(s.Time),
	)

	if err := m.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write usage point: %w", err)
	}
	return nil
}

func (m *InfluxMirror) Close() error {
	m.client.Close()
	return nil
}
