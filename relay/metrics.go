package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RelayMetrics tracks the Prometheus counters and gauges a running
// icprelayd instance exposes: packet/receipt throughput, rate-limit
// saturation, session count, and the local fork store's LIB.
type RelayMetrics struct {
	registry *prometheus.Registry

	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	receiptsIssued  prometheus.Counter
	meterSaturated  prometheus.Counter
	sessionGauge    prometheus.Gauge
	libGauge        prometheus.Gauge
}

// NewRelayMetrics builds and registers the relay's Prometheus collectors.
func NewRelayMetrics() *RelayMetrics {
	reg := prometheus.NewRegistry()

	m := &RelayMetrics{registry: reg}

	m.packetsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "icp_relay_packets_sent_total",
		Help: "Total number of icp_action packets sent on this channel.",
	})
	m.packetsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "icp_relay_packets_received_total",
		Help: "Total number of icp_action packets received and dispatched.",
	})
	m.receiptsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "icp_relay_receipts_issued_total",
		Help: "Total number of icp_receipt records issued for delivered packets.",
	})
	m.meterSaturated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "icp_relay_rate_limited_total",
		Help: "Total number of SendAction calls rejected by the packet rate meter.",
	})
	m.sessionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "icp_relay_sessions",
		Help: "Number of operational relay sessions currently registered.",
	})
	m.libGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "icp_relay_lib_height",
		Help: "Height of the local fork store's last irreversible block.",
	})

	reg.MustRegister(
		m.packetsSent,
		m.packetsReceived,
		m.receiptsIssued,
		m.meterSaturated,
		m.sessionGauge,
		m.libGauge,
	)
	return m
}

// PacketSent increments the sent-packet counter.
func (m *RelayMetrics) PacketSent() { m.packetsSent.Inc() }

// PacketReceived increments the received-packet counter.
func (m *RelayMetrics) PacketReceived() { m.packetsReceived.Inc() }

// ReceiptIssued increments the issued-receipt counter.
func (m *RelayMetrics) ReceiptIssued() { m.receiptsIssued.Inc() }

// RateLimited increments the meter-saturation counter.
func (m *RelayMetrics) RateLimited() { m.meterSaturated.Inc() }

// SetSessionCount records the current number of registered sessions.
func (m *RelayMetrics) SetSessionCount(n int) { m.sessionGauge.Set(float64(n)) }

// SetLIB records the local fork store's last-irreversible-block height.
func (m *RelayMetrics) SetLIB(height uint64) { m.libGauge.Set(float64(height)) }

// StartServer exposes the registry on a /metrics endpoint, mirroring the
// teacher's StartMetricsServer/ShutdownMetricsServer lifecycle.
func (m *RelayMetrics) StartServer(addr string, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// ShutdownServer gracefully stops the metrics HTTP server.
func (m *RelayMetrics) ShutdownServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}

// CollectPeriodically polls statFn every interval and records the returned
// session count and LIB height until ctx is canceled, mirroring the
// teacher's RunMetricsCollector ticker pattern.
func (m *RelayMetrics) CollectPeriodically(ctx context.Context, interval time.Duration, statFn func() (sessions int, lib uint64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sessions, lib := statFn()
			m.SetSessionCount(sessions)
			m.SetLIB(lib)
		case <-ctx.Done():
			return
		}
	}
}
