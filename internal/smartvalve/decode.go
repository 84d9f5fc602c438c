package smartvalve

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedRecord is matched by every MalformedRecordError via errors.Is
var ErrMalformedRecord = errors.New("malformed record")

// MalformedRecordError reports a page that cannot be decoded
type MalformedRecordError struct {
	Page   string // page id, or a hex prefix when the header is unreadable
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Page == "" {
		return fmt.Sprintf("malformed record: %s", e.Reason)
	}
	return fmt.Sprintf("malformed record %s: %s", e.Page, e.Reason)
}

// Is allows errors.Is(err, ErrMalformedRecord)
func (e *MalformedRecordError) Is(target error) bool {
	return target == ErrMalformedRecord
}

func malformed(page, format string, args ...any) error {
	return &MalformedRecordError{Page: page, Reason: fmt.Sprintf(format, args...)}
}

// minLength is the shortest valid page, end-of-record byte included
var minLength = map[PageID]int{
	PageDashboard:   20,
	PageRegenStatus: 9,
	PageSettings:    9,
	PageCycles:      8,
	PageTotals:      16,
}

// Validate checks the framing of a single page and returns its identifier.
// Unknown pages with a readable header pass; their content is not inspected.
func Validate(rec RawRecord) (PageID, error) {
	if len(rec) < headerLen+1 {
		return PageID{}, malformed("", "truncated page of %d bytes", len(rec))
	}

	id, ok := rec.ID()
	if !ok {
		return PageID{}, malformed("", "invalid header % x", []byte(rec[:headerLen]))
	}

	eor, known := EndOfRecord(id)
	if !known {
		return id, nil
	}

	if n, ok := minLength[id]; ok && len(rec) < n {
		return id, malformed(id.String(), "length %d, want at least %d", len(rec), n)
	}
	if last := rec[len(rec)-1]; last != eor {
		return id, malformed(id.String(), "end-of-record 0x%02x, want 0x%02x", last, eor)
	}

	return id, nil
}

// Decode builds a StatusSample from the pages of one or more responses.
// Decoding is pure: the same device, time and pages always give the same sample.
func Decode(device string, at time.Time, records ...RawRecord) (StatusSample, error) {
	s := StatusSample{Device: device, Time: at.UTC()}
	for _, rec := range records {
		if err := decodeInto(&s, rec); err != nil {
			return StatusSample{}, err
		}
	}
	return s, nil
}

func decodeInto(s *StatusSample, rec RawRecord) error {
	id, err := Validate(rec)
	if err != nil {
		return err
	}

	switch id {
	case PageDashboard:
		return decodeDashboard(s, rec)
	case PageRegenStatus:
		return decodeRegenStatus(s, rec)
	case PageDailyUsage:
		decodeDailyUsage(s, rec)
	case PageSettings:
		s.HasSettings = true
		s.DaysUntilRegeneration = int(rec[3])
		s.RegenerationDayOverride = int(rec[4])
		s.ReserveCapacity = int(rec[5])
		s.ResinGrainsCapacity = int(u16(rec, 6)) * 1000
	case PageCycles:
		s.HasCycles = true
		s.Backwash = int(rec[3])
		s.BrineDraw = int(rec[4])
		s.RapidRinse = int(rec[5])
		s.BrineRefill = int(rec[6])
	case PageTotals:
		s.HasTotals = true
		s.TotalGallonsTreated = int(u16(rec, 6))
		s.TotalGallonsTreatedSinceReset = int(u16(rec, 9))
		s.TotalRegenerations = int(u16(rec, 11))
		s.TotalRegenerationsSinceReset = int(u16(rec, 13))
	case PageUsageDays:
		s.UsageHistory = scaledHistory(rec)
	case PageRegenGaps:
		s.RegenerationIntervals = reversed(payload(rec), func(b byte) int { return int(b) })
	case PagePeakDays:
		s.PeakFlowHistory = reversed(payload(rec), func(b byte) float64 { return float64(b) / 10 })
	}
	// Anything else (tt0, xx pages, firmware extras) carries nothing we persist
	return nil
}

func decodeDashboard(s *StatusSample, rec RawRecord) error {
	tod, err := clock(rec, 3)
	if err != nil {
		return err
	}
	regen, err := clock(rec, 16)
	if err != nil {
		return err
	}

	s.HasDashboard = true
	s.TimeOfDay = tod
	s.Battery = int(rec[6])
	s.FlowRate = float64(u16(rec, 7)) / 100
	s.SoftWaterRemaining = int(u16(rec, 9))
	s.UsageToday = int(u16(rec, 11))
	s.PeakFlowToday = float64(u16(rec, 13)) / 100
	s.Hardness = int(rec[15])
	s.RegenerationTime = regen
	return nil
}

func decodeRegenStatus(s *StatusSample, rec RawRecord) error {
	state := rec[4]
	minutes := int(rec[5])
	step := int(rec[7])

	// 127 minutes means the valve is moving on to the next step
	moving := minutes == 127
	limit := len(regenerationSteps) - 1
	if moving {
		limit--
	}
	if step > limit {
		return malformed(PageRegenStatus.String(), "regeneration step %d out of range", step)
	}

	s.HasRegenStatus = true
	s.State = StateInService
	if state == 3 {
		s.State = StateRegenerating
	}
	if moving {
		s.Step = "Moving to " + regenerationSteps[step+1]
		s.StepMinutesRemaining = 0
	} else {
		s.Step = regenerationSteps[step]
		s.StepMinutesRemaining = minutes
	}
	return nil
}

func decodeDailyUsage(s *StatusSample, rec RawRecord) {
	days := scaledHistory(rec)

	// The vendor app averages the last 30 non-zero days
	var sum, counted int
	for _, d := range days {
		if d == 0 {
			continue
		}
		if counted == 31 {
			break
		}
		sum += d
		counted++
	}

	s.HasDailyUsage = true
	s.DailyUsage = days
	s.AverageDailyUsage = math.Round(float64(sum) / 30)
}

// scaledHistory decodes a per-day gallons page. Values are sent in tens of gallons,
// except the first payload byte which is reported unscaled.
func scaledHistory(rec RawRecord) []int {
	data := payload(rec)
	out := make([]int, len(data))
	for i, b := range data {
		v := int(b)
		if i > 0 {
			v *= 10
		}
		out[len(data)-1-i] = v
	}
	return out
}

func clock(rec RawRecord, off int) (ClockTime, error) {
	h, m, pm := int(rec[off]), int(rec[off+1]), rec[off+2]
	if h > 12 || m > 59 || pm > 1 {
		id, _ := rec.ID()
		return ClockTime{}, malformed(id.String(), "clock %d:%d flag %d at offset %d out of range", h, m, pm, off)
	}
	return ClockTime{Hour: h, Minute: m, PM: pm == 1}, nil
}

// payload returns the bytes between the header and the end-of-record marker
func payload(rec RawRecord) []byte {
	if len(rec) <= headerLen+1 {
		return nil
	}
	return rec[headerLen : len(rec)-1]
}

func reversed[T any](data []byte, conv func(byte) T) []T {
	out := make([]T, len(data))
	for i, b := range data {
		out[len(data)-1-i] = conv(b)
	}
	return out
}

func u16(rec RawRecord, off int) uint16 {
	return binary.BigEndian.Uint16(rec[off : off+2])
}
