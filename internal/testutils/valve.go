// Package testutils holds a scripted smart valve and output asserters shared by
// command and integration tests.
package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/watermon/internal/device"
	"github.com/srg/watermon/internal/smartvalve"
)

// Page builds a complete record for id: header, payload and end-of-record byte
func Page(id smartvalve.PageID, payload ...byte) smartvalve.RawRecord {
	rec := smartvalve.RawRecord{byte(id.Command), byte(id.Command), id.Page}
	rec = append(rec, payload...)
	eor, _ := smartvalve.EndOfRecord(id)
	return append(rec, eor)
}

// DashboardPage reports 7:30 PM, 95% battery, flow/100 gpm, 600 gallons of soft water
// left, usageToday gallons, 5.00 gpm peak, hardness 18 and regeneration at 2:00 AM
func DashboardPage(flow, usageToday uint16) smartvalve.RawRecord {
	return Page(smartvalve.PageDashboard,
		7, 30, 1,
		95,
		byte(flow>>8), byte(flow),
		0x02, 0x58,
		byte(usageToday>>8), byte(usageToday),
		0x01, 0xf4,
		18,
		2, 0, 0,
	)
}

// TotalsPage reports treated gallons, 100 since reset, 12 regenerations and 3 since reset
func TotalsPage(treated uint16) smartvalve.RawRecord {
	return Page(smartvalve.PageTotals,
		0, 0, 0,
		byte(treated>>8), byte(treated),
		0,
		0x00, 0x64,
		0x00, 0x0c,
		0x00, 0x03,
	)
}

// ValveState is what a ScriptedValve reports
type ValveState struct {
	Flow       uint16 // hundredths of a gallon per minute
	UsageToday uint16
	Treated    uint16
}

// DefaultValveState is a valve at 3.00 gpm with 42 gallons used today and 500 treated
var DefaultValveState = ValveState{Flow: 300, UsageToday: 42, Treated: 500}

// ScriptedValve is a device.Session answering every command from Reports
type ScriptedValve struct {
	mu    sync.Mutex
	state device.State
	queue []smartvalve.RawRecord

	Reports    ValveState
	ConnectErr error

	requests       []smartvalve.Command
	connectTimeout time.Duration
	closed         bool
}

var _ device.Session = (*ScriptedValve)(nil)

// NewScriptedValve returns a valve reporting DefaultValveState
func NewScriptedValve() *ScriptedValve {
	return &ScriptedValve{Reports: DefaultValveState}
}

func (v *ScriptedValve) Connect(_ context.Context, _ string, timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.connectTimeout = timeout
	if v.ConnectErr != nil {
		return v.ConnectErr
	}
	v.state = device.StateConnected
	return nil
}

func (v *ScriptedValve) Subscribe(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != device.StateConnected {
		return device.ErrNotConnected
	}
	v.state = device.StateSubscribed
	return nil
}

func (v *ScriptedValve) Request(_ context.Context, cmd smartvalve.Command) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != device.StateSubscribed {
		return device.ErrNotConnected
	}
	v.requests = append(v.requests, cmd)
	v.queue = v.respond(cmd)
	return nil
}

func (v *ScriptedValve) respond(cmd smartvalve.Command) []smartvalve.RawRecord {
	switch cmd {
	case smartvalve.CommandDashboard:
		return []smartvalve.RawRecord{
			DashboardPage(v.Reports.Flow, v.Reports.UsageToday),
			Page(smartvalve.PageRegenStatus, 0x0e, 1, 25, 0, 2, 0),
			Page(smartvalve.PageDailyUsage, 4, 1, 2, 0, 3),
		}
	case smartvalve.CommandSettings:
		return []smartvalve.RawRecord{
			Page(smartvalve.PageSettings, 5, 0, 30, 0x00, 0x20),
			Page(smartvalve.PageCycles, 10, 60, 8, 12),
		}
	case smartvalve.CommandHistory:
		return []smartvalve.RawRecord{
			TotalsPage(v.Reports.Treated),
			Page(smartvalve.PageUsageDays, 9, 1, 2),
			Page(smartvalve.PageRegenGaps, 7, 8),
			Page(smartvalve.PagePeakDays, 31, 42),
		}
	default:
		return nil
	}
}

func (v *ScriptedValve) NextRecord(ctx context.Context, _ time.Duration) (smartvalve.RawRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(v.queue) == 0 {
		return nil, device.ErrTimeout
	}
	rec := v.queue[0]
	v.queue = v.queue[1:]
	return rec, nil
}

func (v *ScriptedValve) Disconnect() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = device.StateDisconnected
	return nil
}

func (v *ScriptedValve) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = device.StateClosed
	v.closed = true
	return nil
}

func (v *ScriptedValve) State() device.State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Requests returns the commands sent so far
func (v *ScriptedValve) Requests() []smartvalve.Command {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]smartvalve.Command(nil), v.requests...)
}

// ConnectTimeout returns the timeout of the last Connect call
func (v *ScriptedValve) ConnectTimeout() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connectTimeout
}

// Closed reports whether Close was called
func (v *ScriptedValve) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}
