// Package metrics holds the Prometheus collectors of the poller and the optional
// /metrics listener.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/srg/watermon/internal/groutine"
)

// Tick failure stages
const (
	StageSession = "session"
	StageDecode  = "decode"
	StageStorage = "storage"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	ticks        prometheus.Counter
	failures     *prometheus.CounterVec
	reconnects   prometheus.Counter
	usageRows    prometheus.Counter
	total        *prometheus.GaugeVec
	tickDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watermon_ticks_total",
			Help: "Poll ticks that produced a persisted sample.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watermon_tick_failures_total",
			Help: "Poll ticks that failed, by stage.",
		}, []string{"stage"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watermon_reconnects_total",
			Help: "Device sessions re-established after a link failure.",
		}),
		usageRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watermon_usage_rows_total",
			Help: "Usage samples appended to the time series.",
		}),
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watermon_total_gallons_used",
			Help: "Latest calibrated cumulative usage in gallons.",
		}, []string{"device"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "watermon_tick_duration_seconds",
			Help:    "Time from the first request of a tick to its last write.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	for _, c := range []prometheus.Collector{m.ticks, m.failures, m.reconnects, m.usageRows, m.total, m.tickDuration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) TickSucceeded(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) TickFailed(stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) UsageAppended() {
	if m == nil {
		return
	}
	m.usageRows.Inc()
}

func (m *Metrics) SetTotal(device string, gallons float64) {
	if m == nil {
		return
	}
	m.total.WithLabelValues(device).Set(gallons)
}

// Server exposes a gatherer over HTTP
type Server struct {
	srv      *http.Server
	listener net.Listener
	done     <-chan struct{}
}

// Serve binds addr and serves /metrics and /healthz in a named goroutine until ctx is
// done or Shutdown is called. Bind errors are returned immediately.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *logrus.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s := &Server{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
	}

	s.done = groutine.Go(ctx, "metrics-listener", func(ctx context.Context) {
		stop := context.AfterFunc(ctx, func() {
			_ = s.srv.Close()
		})
		defer stop()

		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics listener exited")
		}
	})

	logger.WithField("addr", ln.Addr().String()).Info("Serving metrics")
	return s, nil
}

// Addr returns the bound address, useful when addr had port 0
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the listener and waits for the serving goroutine
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
