package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"

	"github.com/srg/watermon/internal/poller"
	"github.com/srg/watermon/internal/store"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read the valve once and print its state",
	Long: `Connect to the smart valve, read every page group once and print the decoded state.
Nothing is written to the database.

Examples:
  watermon status -a AA:BB:CC:DD:EE:FF
  watermon status -a AA:BB:CC:DD:EE:FF --format json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusFormats = []string{"table", "json", "yaml"}

func init() {
	addDeviceFlags(statusCmd)
	statusCmd.Flags().StringP("format", "f", "table", "Output format (table, json, yaml)")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if !slices.Contains(statusFormats, format) {
		return fmt.Errorf("invalid format '%s': must be one of %v", format, statusFormats)
	}

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

	cfg.Poll.OneShot = true
	cfg.Calibration.SeedFromStore = false

	gw := &statusGateway{}
	p := poller.New(pollerOptions(cfg, nil), newSession(logger), gw, logger)
	if err := p.Start(cmd.Context()); err != nil {
		return err
	}

	snapshot, ok := gw.latest()
	if !ok {
		return ErrNoSample
	}
	return renderStatus(cmd.OutOrStdout(), snapshot, format)
}

// statusGateway keeps the snapshot of a one-shot run in memory instead of persisting it
type statusGateway struct {
	mu       sync.Mutex
	snapshot store.RealtimeSnapshot
	ok       bool
}

var _ store.Gateway = (*statusGateway)(nil)

func (g *statusGateway) UpsertRealtime(_ context.Context, s store.RealtimeSnapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshot, g.ok = s, true
	return nil
}

func (g *statusGateway) AppendUsage(context.Context, store.UsageSample) error { return nil }

func (g *statusGateway) Close() error { return nil }

func (g *statusGateway) latest() (store.RealtimeSnapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshot, g.ok
}

// statusSections heads each field group by its first column
var statusSections = map[string]string{
	"device":                  "Device",
	"time_of_day":             "Dashboard",
	"regeneration_state":      "Regeneration",
	"average_daily_usage":     "Daily usage",
	"days_until_regeneration": "Settings",
	"backwash_minutes":        "Cycles",
	"total_gallons_treated":   "Totals",
	"usage_history":           "History",
}

func renderStatus(w io.Writer, s store.RealtimeSnapshot, format string) error {
	fields := s.Fields()

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(fields)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(fields); err != nil {
			return err
		}
		return enc.Close()
	default:
		return renderStatusTable(w, fields)
	}
}

func renderStatusTable(w io.Writer, fields *orderedmap.OrderedMap[string, any]) error {
	heading := color.New(color.FgCyan, color.Bold)

	var tw *tabwriter.Writer
	flush := func() error {
		if tw == nil {
			return nil
		}
		return tw.Flush()
	}

	for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
		if title, ok := statusSections[pair.Key]; ok {
			if err := flush(); err != nil {
				return err
			}
			if tw != nil {
				fmt.Fprintln(w)
			}
			if _, err := heading.Fprintln(w, title); err != nil {
				return err
			}
			tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		}
		fmt.Fprintf(tw, "  %s\t%s\n", pair.Key, formatValue(pair.Value))
	}
	return flush()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case time.Time:
		return val.Local().Format(time.RFC3339)
	case float64:
		return fmt.Sprintf("%.2f", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
