package smartvalve

import (
	"fmt"
	"time"
)

// ClockTime is a 12-hour wall clock reading as shown on the valve display
type ClockTime struct {
	Hour   int
	Minute int
	PM     bool
}

func (c ClockTime) String() string {
	suffix := "AM"
	if c.PM {
		suffix = "PM"
	}
	return fmt.Sprintf("%02d:%02d %s", c.Hour, c.Minute, suffix)
}

// Regeneration states reported on page uu1
const (
	StateInService    = "In Service"
	StateRegenerating = "Regenerating"
)

var regenerationSteps = []string{
	"In Service",
	"Backwash",
	"Brine draw",
	"Rapid rinse",
	"Brine refill",
	"Service",
}

// StatusSample is the decoded state of one valve at one poll.
// The Has* flags record which page groups were present in the response, so a field
// left at zero because its page never arrived can be told apart from a real zero.
type StatusSample struct {
	Device string
	Time   time.Time

	// Dashboard (uu0)
	HasDashboard       bool
	TimeOfDay          ClockTime
	Battery            int
	FlowRate           float64 // gallons per minute
	SoftWaterRemaining int
	UsageToday         int
	PeakFlowToday      float64
	Hardness           int
	RegenerationTime   ClockTime

	// Regeneration progress (uu1)
	HasRegenStatus       bool
	State                string
	Step                 string
	StepMinutesRemaining int

	// Daily usage summary (uu2)
	HasDailyUsage     bool
	AverageDailyUsage float64
	DailyUsage        []int // newest first

	// Advanced settings (vv0, vv1)
	HasSettings             bool
	DaysUntilRegeneration   int
	RegenerationDayOverride int
	ReserveCapacity         int
	ResinGrainsCapacity     int

	HasCycles   bool
	Backwash    int
	BrineDraw   int
	RapidRinse  int
	BrineRefill int

	// Status / history (ww0..ww3)
	HasTotals                     bool
	TotalGallonsTreated           int
	TotalGallonsTreatedSinceReset int
	TotalRegenerations            int
	TotalRegenerationsSinceReset  int

	UsageHistory          []int     // gallons per day, newest first
	RegenerationIntervals []int     // gallons between regenerations, newest first
	PeakFlowHistory       []float64 // gallons per minute, newest first
}
