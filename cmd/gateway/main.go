// Command gateway runs the ANPX gateway: the HTTP ingress and WebSocket
// tunnel-admission surfaces described in spec §4. Exit codes follow
// spec §6: 0 clean shutdown, 1 configuration error, 2 bind failure, 3
// unrecoverable internal error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anpxtunnel/gateway/internal/config"
	"github.com/anpxtunnel/gateway/internal/correlator"
	"github.com/anpxtunnel/gateway/internal/didauth"
	"github.com/anpxtunnel/gateway/internal/directory"
	"github.com/anpxtunnel/gateway/internal/gateway"
	"github.com/anpxtunnel/gateway/internal/metrics"
	"github.com/anpxtunnel/gateway/internal/registry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "path to gateway config file")
	flag.Parse()

	cfg, err := config.LoadGateway(*configFile)
	if err != nil {
		slog.Error("loading config", "error", err)
		return 1
	}

	log := newLogger(cfg.LogLevel)

	reg := registry.New(registry.Config{
		MaxConnections:    cfg.MaxConnections,
		PingInterval:      cfg.KeepaliveInterval,
		ConnectionTimeout: cfg.KeepaliveTimeout,
	}, log)

	router := directory.NewRouter(reg)
	corr := correlator.New()

	// A deployment with no preconfigured DID documents still boots — it
	// simply admits nothing until its resolver and service directory are
	// populated by whatever external policy store backs it in production.
	resolver := didauth.NewStaticResolver(map[string]*didauth.Document{})
	serviceDir := directory.NewStaticDirectory(nil)
	verifier := didauth.NewVerifier(resolver, serviceDir, didauth.Config{
		TimestampWindow: cfg.TimestampWindow,
		NonceWindow:     cfg.NonceWindow,
	})

	metricsReg := prometheus.NewRegistry()
	m := metrics.New(metricsReg)

	srv := gateway.New(gateway.Config{
		HTTPBindAddr:            joinAddr(cfg.HTTPBindHost, cfg.HTTPBindPort),
		WSBindAddr:              joinAddr(cfg.WSBindHost, cfg.WSBindPort),
		MaxPendingPerConnection: cfg.MaxPendingPerConnection,
		RequestTimeout:          cfg.RequestTimeout,
		ChunkSize:               cfg.ChunkSize,
		BodyMaxBytes:            cfg.BodyMaxBytes,
		WriteQueueDepth:         64,
		WriteRateLimit:          cfg.WriteRateLimit,
		WriteBurst:              cfg.WriteBurst,
		ReassemblyIdleTTL:       cfg.ReassemblyIdleTTL,
	}, reg, router, corr, verifier, m, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg.Start(ctx, func(c *registry.Connection) error {
		return c.Ping()
	})

	metricsAddr := joinAddr(cfg.MetricsBindHost, cfg.MetricsBindPort)
	go serveAdmin(metricsAddr, metricsReg, reg, log)
	go reportTunnelStates(ctx, reg, m)

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("gateway exited", "error", err)
		return 2
	}
	return 0
}

// reportTunnelStates periodically republishes the registry's
// tunnels-by-state snapshot, since Registry itself holds no reference to
// Metrics (spec §5 keeps shared-state components independent of their
// observers).
func reportTunnelStates(ctx context.Context, reg *registry.Registry, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := reg.Stats()
			for _, state := range []string{"handshaking", "authenticating", "healthy", "draining", "dead"} {
				m.TunnelsByState.WithLabelValues(state).Set(float64(stats.StateCounts[state]))
			}
		}
	}
}

// serveAdmin runs the internal-only /healthz and /metrics surface
// SPEC_FULL.md §6 supplements alongside the public HTTP ingress.
func serveAdmin(addr string, promReg *prometheus.Registry, tunnels *registry.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := tunnels.Stats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"tunnels_total":%d,"tunnels_healthy":%d,"max_connections":%d}`,
			stats.Total, stats.Healthy, stats.MaxConnections)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("admin server stopped", "error", err)
	}
}

func joinAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
