// Package metrics exports the gateway's Prometheus counters and gauges.
// Grounded on common/metrics.py for the tracked quantities (connections,
// pending requests, decode errors, bytes transferred) and on
// other_examples' regulator-go gateway server for the
// prometheus/client_golang + promauto registration idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every exported series. One instance is created per
// process and passed by reference to the components that observe it —
// never a package-level global, per spec §5's no-process-wide-statics
// rule.
type Metrics struct {
	TunnelsTotal       prometheus.Counter
	TunnelsActive      prometheus.Gauge
	TunnelsByState     *prometheus.GaugeVec
	AdmissionFailures  *prometheus.CounterVec
	PendingRequests    prometheus.Gauge
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
	DecodeErrors       *prometheus.CounterVec
	BytesIngress       prometheus.Counter
	BytesEgress        prometheus.Counter
	ReassemblyDiscards prometheus.Counter
}

// New registers every series against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TunnelsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "anpx_tunnels_admitted_total",
			Help: "Total tunnel connections successfully admitted.",
		}),
		TunnelsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "anpx_tunnels_active",
			Help: "Currently tracked tunnel connections, any state.",
		}),
		TunnelsByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anpx_tunnels_by_state",
			Help: "Tunnel connections by lifecycle state.",
		}, []string{"state"}),
		AdmissionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anpx_admission_failures_total",
			Help: "Tunnel admission attempts rejected, by reason.",
		}, []string{"reason"}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "anpx_pending_requests",
			Help: "HTTP requests currently awaiting a tunnel response.",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anpx_requests_total",
			Help: "HTTP requests handled, by outcome status.",
		}, []string{"status"}),
		RequestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "anpx_request_duration_seconds",
			Help:    "End-to-end HTTP request duration through the tunnel.",
			Buckets: prometheus.DefBuckets,
		}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anpx_decode_errors_total",
			Help: "ANPX frame decode failures, by error kind.",
		}, []string{"kind"}),
		BytesIngress: f.NewCounter(prometheus.CounterOpts{
			Name: "anpx_bytes_ingress_total",
			Help: "Bytes read from tunnel connections.",
		}),
		BytesEgress: f.NewCounter(prometheus.CounterOpts{
			Name: "anpx_bytes_egress_total",
			Help: "Bytes written to tunnel connections.",
		}),
		ReassemblyDiscards: f.NewCounter(prometheus.CounterOpts{
			Name: "anpx_reassembly_discards_total",
			Help: "Chunk reassembly buffers discarded after sitting idle past their TTL.",
		}),
	}
}
