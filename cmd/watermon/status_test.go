package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/srg/watermon/internal/smartvalve"
	"github.com/srg/watermon/internal/store"
	"github.com/srg/watermon/internal/testutils"
)

func totalsSnapshot() store.RealtimeSnapshot {
	at := time.Date(2024, 3, 1, 19, 30, 15, 0, time.UTC)
	return store.NewRealtimeSnapshot(smartvalve.StatusSample{
		Device:                        "AA:BB:CC:DD:EE:FF",
		Time:                          at,
		HasTotals:                     true,
		TotalGallonsTreated:           500,
		TotalGallonsTreatedSinceReset: 100,
		TotalRegenerations:            12,
		TotalRegenerationsSinceReset:  3,
	}, 512.5)
}

func TestRenderStatus_Table(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = noColor })

	s := totalsSnapshot()
	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, s, "table"))

	testutils.AssertText(t, `Device
  device              AA:BB:CC:DD:EE:FF
  last_update         `+s.LastUpdate.Local().Format(time.RFC3339)+`
  total_gallons_used  512.50

Totals
  total_gallons_treated              500
  total_gallons_treated_since_reset  100
  total_regenerations                12
  total_regenerations_since_reset    3
`, buf.String())
}

func TestRenderStatus_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, totalsSnapshot(), "json"))

	testutils.AssertJSONSubset(t, `{
		"device": "AA:BB:CC:DD:EE:FF",
		"last_update": "2024-03-01T19:30:15Z",
		"total_gallons_used": 512.5,
		"total_regenerations_since_reset": 3
	}`, buf.String())
	require.NotContains(t, buf.String(), "battery", "absent page groups are left out")
}

func TestRenderStatus_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, totalsSnapshot(), "yaml"))

	testutils.AssertText(t, `device: AA:BB:CC:DD:EE:FF
last_update: 2024-03-01T19:30:15Z
total_gallons_used: 512.5
total_gallons_treated: 500
total_gallons_treated_since_reset: 100
total_regenerations: 12
total_regenerations_since_reset: 3
`, buf.String())
}
