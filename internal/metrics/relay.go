package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"relaybot/internal/bus"
)

// Prefix is the metric name prefix.
const Prefix = "relaybot"

var latencyBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60}

// Relay turns bridge events into metrics.
type Relay struct {
	reg *Registry
}

// NewRelay creates relay metrics on reg.
func NewRelay(reg *Registry) *Relay {
	return &Relay{reg: reg}
}

// Registry returns the underlying registry.
func (m *Relay) Registry() *Registry { return m.reg }

// Attach subscribes to every event on eb and returns the handler id.
func (m *Relay) Attach(eb *bus.EventBus) string {
	return eb.On("*", m.Observe)
}

// Observe records one event.
func (m *Relay) Observe(e bus.Event) {
	labels := accountLabel(e.AccountID)
	switch e.Type {
	case bus.EventInboundForwarded:
		m.reg.Counter(Prefix+"_inbound_forwarded_total", "Inbound messages forwarded to the operator channel", labels).Inc()
	case bus.EventForwardFailed:
		m.reg.Counter(Prefix+"_inbound_forward_failures_total", "Inbound messages the operator channel rejected", labels).Inc()
	case bus.EventScanFailed:
		m.reg.Counter(Prefix+"_scan_failures_total", "Inbox polls that failed", labels).Inc()
	case bus.EventReplyQueued:
		m.reg.Counter(Prefix+"_replies_queued_total", "Operator replies queued for dispatch", labels).Inc()
	case bus.EventReplyMissed:
		m.reg.Counter(Prefix+"_correlation_misses_total", "Operator replies whose notification id was not found", "").Inc()
	case bus.EventDispatchSent:
		m.reg.Counter(Prefix+"_dispatch_total", "Dispatch attempts by result", labels+`,result="sent"`).Inc()
		if e.Latency > 0 {
			m.reg.Histogram(Prefix+"_dispatch_latency_seconds", "Time from queueing to send", labels, latencyBuckets).
				Observe(e.Latency.Seconds())
		}
	case bus.EventDispatchFailed:
		m.reg.Counter(Prefix+"_dispatch_total", "Dispatch attempts by result", labels+`,result="failed"`).Inc()
	case bus.EventSnapshotFailed:
		m.reg.Counter(Prefix+"_snapshot_failures_total", "Correlation snapshots that failed", "").Inc()
	case bus.EventSnapshotWritten:
		m.reg.Counter(Prefix+"_snapshots_total", "Correlation snapshots written", "").Inc()
		m.reg.Gauge(Prefix+"_last_snapshot_timestamp_seconds", "Unix time of the last snapshot", "").Set(e.Timestamp.Unix())
	}
}

// TrackQueue exposes an account's outbound queue depth.
func (m *Relay) TrackQueue(account string, depth func() int) {
	m.reg.GaugeFunc(Prefix+"_queue_depth", "Outbound commands waiting per account", accountLabel(account),
		func() int64 { return int64(depth()) })
}

// TrackCorrelations exposes the correlation table size.
func (m *Relay) TrackCorrelations(size func() int) {
	m.reg.GaugeFunc(Prefix+"_correlations", "Entries in the correlation table", "",
		func() int64 { return int64(size()) })
}

func accountLabel(account string) string {
	return "account=" + strconv.Quote(account)
}

// Serve exposes the registry on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", reg.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
