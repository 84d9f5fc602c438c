package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/watermon/internal/device"
	"github.com/srg/watermon/internal/smartvalve"
	"github.com/srg/watermon/internal/store"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

var startTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder keeps the order of session and storage events across both fakes
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func page(id smartvalve.PageID, payload ...byte) smartvalve.RawRecord {
	rec := smartvalve.RawRecord{byte(id.Command), byte(id.Command), id.Page}
	rec = append(rec, payload...)
	eor, _ := smartvalve.EndOfRecord(id)
	return append(rec, eor)
}

func dashboardPage(flow uint16) smartvalve.RawRecord {
	return page(smartvalve.PageDashboard,
		7, 30, 1,
		95,
		byte(flow>>8), byte(flow),
		0x02, 0x58,
		0x00, 0x2a,
		0x01, 0xf4,
		18,
		2, 0, 0,
	)
}

func totalsPage(treated uint16) smartvalve.RawRecord {
	return page(smartvalve.PageTotals,
		0, 0, 0,
		byte(treated>>8), byte(treated),
		0,
		0x00, 0x64,
		0x00, 0x0c,
		0x00, 0x03,
	)
}

// fakeSession plays a valve that answers every command from its scripted state
type fakeSession struct {
	mu  sync.Mutex
	rec *recorder

	state device.State
	queue []smartvalve.RawRecord

	connectErrs  []error
	subscribeErr error
	recordErrs   []error
	// dropOnRequest loses the link right after the n-th request, 1-based
	dropOnRequest int

	totals        []uint16
	flow          uint16
	badDashboards int
	blockOn       map[smartvalve.Command]chan struct{}

	requests    []smartvalve.Command
	connects    int
	disconnects int
	closes      int
}

var _ device.Session = (*fakeSession)(nil)

func newFakeSession(rec *recorder, totals ...uint16) *fakeSession {
	if len(totals) == 0 {
		totals = []uint16{100}
	}
	return &fakeSession{rec: rec, totals: totals, flow: 300}
}

func (s *fakeSession) Connect(context.Context, string, time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connects++
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	s.state = device.StateConnected
	return nil
}

func (s *fakeSession) Subscribe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.state = device.StateSubscribed
	return nil
}

func (s *fakeSession) Request(ctx context.Context, cmd smartvalve.Command) error {
	s.mu.Lock()
	block := s.blockOn[cmd]
	s.mu.Unlock()

	if block != nil {
		s.rec.add("request-blocked")
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != device.StateSubscribed {
		return device.ErrNotConnected
	}
	s.requests = append(s.requests, cmd)
	s.queue = append(s.queue[:0], s.respond(cmd)...)
	if len(s.requests) == s.dropOnRequest {
		s.recordErrs = append(s.recordErrs, device.ErrDisconnected)
	}
	return nil
}

func (s *fakeSession) respond(cmd smartvalve.Command) []smartvalve.RawRecord {
	switch cmd {
	case smartvalve.CommandDashboard:
		dashboard := dashboardPage(s.flow)
		if s.badDashboards > 0 {
			s.badDashboards--
			dashboard[len(dashboard)-1] = 0x00
		}
		return []smartvalve.RawRecord{
			dashboard,
			page(smartvalve.PageRegenStatus, 0x0e, 1, 25, 0, 2, 0),
			page(smartvalve.PageDailyUsage, 4, 1, 2, 0, 3),
		}
	case smartvalve.CommandSettings:
		return []smartvalve.RawRecord{
			page(smartvalve.PageSettings, 5, 0, 30, 0x00, 0x20),
			page(smartvalve.PageCycles, 10, 60, 8, 12),
		}
	case smartvalve.CommandHistory:
		total := s.totals[0]
		if len(s.totals) > 1 {
			s.totals = s.totals[1:]
		}
		return []smartvalve.RawRecord{
			totalsPage(total),
			page(smartvalve.PageUsageDays, 9, 1, 2),
			page(smartvalve.PageRegenGaps, 7, 8),
			page(smartvalve.PagePeakDays, 31, 42),
		}
	}
	return nil
}

func (s *fakeSession) NextRecord(ctx context.Context, _ time.Duration) (smartvalve.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.recordErrs) > 0 {
		err := s.recordErrs[0]
		s.recordErrs = s.recordErrs[1:]
		if device.IsLinkFailure(err) {
			s.state = device.StateDisconnected
		}
		return nil, err
	}
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("%w: no page", device.ErrTimeout)
	}

	rec := s.queue[0]
	s.queue = s.queue[1:]
	return rec, nil
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnects++
	s.state = device.StateDisconnected
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closes++
	s.state = device.StateClosed
	s.rec.add("session-close")
	return nil
}

func (s *fakeSession) State() device.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Requests() []smartvalve.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]smartvalve.Command(nil), s.requests...)
}

func (s *fakeSession) counts() (connects, disconnects, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.disconnects, s.closes
}

// fakeGateway records writes and signals every realtime upsert
type fakeGateway struct {
	mu  sync.Mutex
	rec *recorder

	realtime   []store.RealtimeSnapshot
	usage      []store.UsageSample
	upsertErrs []error
	appendErrs []error
	closes     int

	// hangUpsert blocks every upsert until its context ends
	hangUpsert bool

	upserted      chan int
	ctxErrs       []error
	appendCtxErrs []error
}

var _ store.Gateway = (*fakeGateway)(nil)

func newFakeGateway(rec *recorder) *fakeGateway {
	return &fakeGateway{rec: rec, upserted: make(chan int, 64)}
}

func (g *fakeGateway) UpsertRealtime(ctx context.Context, s store.RealtimeSnapshot) error {
	g.mu.Lock()
	hang := g.hangUpsert
	g.mu.Unlock()
	if hang {
		<-ctx.Done()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctxErrs = append(g.ctxErrs, ctx.Err())
	g.rec.add("upsert")
	if hang {
		return &store.StorageError{Op: "upsert", Err: ctx.Err()}
	}

	if len(g.upsertErrs) > 0 {
		err := g.upsertErrs[0]
		g.upsertErrs = g.upsertErrs[1:]
		if err != nil {
			return err
		}
	}
	g.realtime = append(g.realtime, s)

	select {
	case g.upserted <- len(g.realtime):
	default:
	}
	return nil
}

func (g *fakeGateway) AppendUsage(ctx context.Context, s store.UsageSample) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.appendCtxErrs = append(g.appendCtxErrs, ctx.Err())
	g.rec.add("append")
	if len(g.appendErrs) > 0 {
		err := g.appendErrs[0]
		g.appendErrs = g.appendErrs[1:]
		if err != nil {
			return err
		}
	}
	g.usage = append(g.usage, s)
	return nil
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closes++
	g.rec.add("gateway-close")
	return nil
}

func (g *fakeGateway) totals() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]float64, len(g.realtime))
	for i, s := range g.realtime {
		out[i] = s.TotalGallonsUsed
	}
	return out
}

func (g *fakeGateway) usageRows() []store.UsageSample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]store.UsageSample(nil), g.usage...)
}

// seedingGateway also serves the persisted total
type seedingGateway struct {
	*fakeGateway
	total float64
	found bool
	err   error
}

func (g *seedingGateway) LatestTotal(context.Context, string) (float64, bool, error) {
	return g.total, g.found, g.err
}

// fakeClock is advanced explicitly by tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// waits records backoff waits without sleeping
type waits struct {
	mu sync.Mutex
	d  []time.Duration
}

func (w *waits) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.d = append(w.d, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waits) list() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.d...)
}
