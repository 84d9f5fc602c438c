package smartvalve

import "fmt"

// Command is a single-byte request written to the valve's UART RX characteristic.
// The valve answers with one or more pages whose first two bytes echo the command twice.
type Command byte

const (
	CommandStatus    Command = 't'
	CommandDashboard Command = 'u'
	CommandSettings  Command = 'v'
	CommandHistory   Command = 'w'
	CommandExtended  Command = 'x'
)

// String returns the command letter
func (c Command) String() string {
	return string(rune(c))
}

// RawRecord is one assembled page as sent by the valve:
//
//	[cmd][cmd][page][payload ...][end-of-record]
type RawRecord []byte

// PageID identifies a page by its command and page number, e.g. "uu0"
type PageID struct {
	Command Command
	Page    byte
}

func (p PageID) String() string {
	return fmt.Sprintf("%c%c%d", p.Command, p.Command, p.Page)
}

// Known page identifiers
var (
	PageStatus      = PageID{CommandStatus, 0}
	PageDashboard   = PageID{CommandDashboard, 0}
	PageRegenStatus = PageID{CommandDashboard, 1}
	PageDailyUsage  = PageID{CommandDashboard, 2}
	PageSettings    = PageID{CommandSettings, 0}
	PageCycles      = PageID{CommandSettings, 1}
	PageTotals      = PageID{CommandHistory, 0}
	PageUsageDays   = PageID{CommandHistory, 1}
	PageRegenGaps   = PageID{CommandHistory, 2}
	PagePeakDays    = PageID{CommandHistory, 3}
)

// endOfRecord maps each known page to its terminating byte.
var endOfRecord = map[PageID]byte{
	PageStatus:      0x38,
	PageDashboard:   0x39,
	PageRegenStatus: 0x3a,
	PageDailyUsage:  0x3a,
	PageSettings:    0x42,
	PageCycles:      0x43,
	PageTotals:      0x43,
	PageUsageDays:   0x38,
	PageRegenGaps:   0x39,
	PagePeakDays:    0x3a,
}

// finalPage is the last page the valve sends in response to each command.
var finalPage = map[Command]PageID{
	CommandStatus:    PageStatus,
	CommandDashboard: PageDailyUsage,
	CommandSettings:  PageCycles,
	CommandHistory:   PagePeakDays,
}

// headerLen is the size of the [cmd][cmd][page] prefix
const headerLen = 3

// IsCommand reports whether b is one of the command letters the valve echoes.
func IsCommand(b byte) bool {
	switch Command(b) {
	case CommandStatus, CommandDashboard, CommandSettings, CommandHistory, CommandExtended:
		return true
	}
	return false
}

// hasHeader reports whether data starts with a doubled command letter
func hasHeader(data []byte) bool {
	return len(data) >= headerLen && data[0] == data[1] && IsCommand(data[0])
}

// ID returns the page identifier of the record.
// ok is false when the record does not start with a valid header.
func (r RawRecord) ID() (PageID, bool) {
	if !hasHeader(r) {
		return PageID{}, false
	}
	return PageID{Command: Command(r[0]), Page: r[2]}, true
}

// EndOfRecord returns the terminating byte for the page, if the page is known
func EndOfRecord(id PageID) (byte, bool) {
	b, ok := endOfRecord[id]
	return b, ok
}

// IsFinal reports whether id is the last page of its command's response
func IsFinal(id PageID) bool {
	final, ok := finalPage[id.Command]
	return ok && final == id
}

// FinalPage returns the last page expected for a command
func FinalPage(cmd Command) (PageID, bool) {
	id, ok := finalPage[cmd]
	return id, ok
}
