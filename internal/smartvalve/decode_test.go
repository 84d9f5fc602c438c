package smartvalve

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// page builds a well-formed page: header, payload and the page's end-of-record byte
func page(id PageID, payload ...byte) RawRecord {
	rec := RawRecord{byte(id.Command), byte(id.Command), id.Page}
	rec = append(rec, payload...)
	eor, ok := EndOfRecord(id)
	if !ok {
		eor = 0x00
	}
	return append(rec, eor)
}

func dashboardFixture() RawRecord {
	return page(PageDashboard,
		7, 30, 1, // 07:30 PM
		95,         // battery
		0x01, 0x2c, // flow 3.00
		0x02, 0x58, // soft water remaining 600
		0x00, 0x2a, // usage today 42
		0x01, 0xf4, // peak flow 5.00
		18,         // hardness
		2, 0, 0, // regeneration 02:00 AM
	)
}

func totalsFixture(treated uint16) RawRecord {
	return page(PageTotals,
		0, 0, 0, // reserved
		byte(treated>>8), byte(treated),
		0,          // reserved
		0x00, 0x64, // since reset 100
		0x00, 0x0c, // regenerations 12
		0x00, 0x03, // regenerations since reset 3
	)
}

var fixtureTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecode_Dashboard(t *testing.T) {
	s, err := Decode("AA:BB:CC:DD:EE:FF", fixtureTime, dashboardFixture())
	require.NoError(t, err)

	assert.True(t, s.HasDashboard)
	assert.False(t, s.HasTotals)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", s.Device)
	assert.Equal(t, fixtureTime, s.Time)
	assert.Equal(t, "07:30 PM", s.TimeOfDay.String())
	assert.Equal(t, 95, s.Battery)
	assert.InDelta(t, 3.0, s.FlowRate, 1e-9)
	assert.Equal(t, 600, s.SoftWaterRemaining)
	assert.Equal(t, 42, s.UsageToday)
	assert.InDelta(t, 5.0, s.PeakFlowToday, 1e-9)
	assert.Equal(t, 18, s.Hardness)
	assert.Equal(t, "02:00 AM", s.RegenerationTime.String())
}

func TestDecode_AllPages(t *testing.T) {
	records := []RawRecord{
		dashboardFixture(),
		page(PageRegenStatus, 0x0e, 3, 25, 0, 2, 0),
		page(PageDailyUsage, 4, 1, 2, 0, 3),
		page(PageSettings, 5, 0, 30, 0x00, 0x20),
		page(PageCycles, 10, 60, 8, 12),
		totalsFixture(0x1234),
		page(PageUsageDays, 9, 1, 2),
		page(PageRegenGaps, 7, 8),
		page(PagePeakDays, 31, 42),
	}

	s, err := Decode("dev", fixtureTime, records...)
	require.NoError(t, err)

	assert.True(t, s.HasRegenStatus)
	assert.Equal(t, StateRegenerating, s.State)
	assert.Equal(t, "Brine draw", s.Step)
	assert.Equal(t, 25, s.StepMinutesRemaining)

	assert.True(t, s.HasDailyUsage)
	assert.Equal(t, []int{30, 0, 20, 10, 4}, s.DailyUsage)
	assert.Equal(t, float64(2), s.AverageDailyUsage) // (30+20+10+4)/30 rounded

	assert.True(t, s.HasSettings)
	assert.Equal(t, 5, s.DaysUntilRegeneration)
	assert.Equal(t, 30, s.ReserveCapacity)
	assert.Equal(t, 32000, s.ResinGrainsCapacity)

	assert.True(t, s.HasCycles)
	assert.Equal(t, 10, s.Backwash)
	assert.Equal(t, 60, s.BrineDraw)
	assert.Equal(t, 8, s.RapidRinse)
	assert.Equal(t, 12, s.BrineRefill)

	assert.True(t, s.HasTotals)
	assert.Equal(t, 0x1234, s.TotalGallonsTreated)
	assert.Equal(t, 100, s.TotalGallonsTreatedSinceReset)
	assert.Equal(t, 12, s.TotalRegenerations)
	assert.Equal(t, 3, s.TotalRegenerationsSinceReset)

	assert.Equal(t, []int{20, 10, 9}, s.UsageHistory)
	assert.Equal(t, []int{8, 7}, s.RegenerationIntervals)
	assert.Equal(t, []float64{4.2, 3.1}, s.PeakFlowHistory)
}

func TestDecode_RegenerationStepMoving(t *testing.T) {
	s, err := Decode("dev", fixtureTime, page(PageRegenStatus, 0x0e, 3, 127, 0, 1, 0))
	require.NoError(t, err)

	assert.Equal(t, "Moving to Brine draw", s.Step)
	assert.Equal(t, 0, s.StepMinutesRemaining)
}

func TestDecode_InService(t *testing.T) {
	s, err := Decode("dev", fixtureTime, page(PageRegenStatus, 0x0e, 0x0e, 0, 0, 0, 0x10))
	require.NoError(t, err)

	assert.Equal(t, StateInService, s.State)
	assert.Equal(t, "In Service", s.Step)
}

func TestDecode_Deterministic(t *testing.T) {
	records := []RawRecord{dashboardFixture(), totalsFixture(500)}

	first, err := Decode("dev", fixtureTime, records...)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Decode("dev", fixtureTime, records...)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecode_Malformed(t *testing.T) {
	truncatedDashboard := dashboardFixture()[:12]
	wrongEOR := dashboardFixture()
	wrongEOR[len(wrongEOR)-1] = 0x00
	badClock := dashboardFixture()
	badClock[4] = 75 // minute
	badFlag := dashboardFixture()
	badFlag[5] = 2

	tests := []struct {
		name string
		rec  RawRecord
	}{
		{name: "empty", rec: RawRecord{}},
		{name: "header only", rec: RawRecord{'u', 'u', 0}},
		{name: "invalid header", rec: RawRecord{'u', 'v', 0, 0x39}},
		{name: "unknown command letters", rec: RawRecord{'q', 'q', 0, 0x00}},
		{name: "truncated dashboard", rec: truncatedDashboard},
		{name: "truncated totals", rec: totalsFixture(1)[:10]},
		{name: "wrong end-of-record", rec: wrongEOR},
		{name: "minute out of range", rec: badClock},
		{name: "pm flag out of range", rec: badFlag},
		{name: "regeneration step out of range", rec: page(PageRegenStatus, 0, 0, 5, 0, 9, 0)},
		{name: "moving past last step", rec: page(PageRegenStatus, 0, 3, 127, 0, 5, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("dev", fixtureTime, tt.rec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRecord))

			var mre *MalformedRecordError
			assert.True(t, errors.As(err, &mre))
		})
	}
}

func TestDecode_IgnoresUnknownPages(t *testing.T) {
	s, err := Decode("dev", fixtureTime,
		RawRecord{'x', 'x', 0, 1, 2, 3, 0x7f},
		page(PageStatus, 1, 2, 3),
		dashboardFixture(),
	)
	require.NoError(t, err)
	assert.True(t, s.HasDashboard)
}

func TestDecode_IgnoresTrailingReservedBytes(t *testing.T) {
	// Newer firmware pads the dashboard page; only the end-of-record byte position moves
	padded := dashboardFixture()
	eor := padded[len(padded)-1]
	padded = append(padded[:len(padded)-1], 0xaa, 0xbb, eor)

	s, err := Decode("dev", fixtureTime, padded)
	require.NoError(t, err)
	assert.Equal(t, 42, s.UsageToday)
}

func TestValidate(t *testing.T) {
	id, err := Validate(dashboardFixture())
	require.NoError(t, err)
	assert.Equal(t, PageDashboard, id)
	assert.Equal(t, "uu0", id.String())

	id, err = Validate(RawRecord{'x', 'x', 1, 0})
	require.NoError(t, err)
	assert.Equal(t, "xx1", id.String())
}
