// Package gateway wires the registry, directory, correlator and didauth
// components into the two listening surfaces spec §4 describes: the
// inbound HTTP ingress and the WebSocket tunnel-admission endpoint.
// Grounded on client.go's connect/readLoop/writeLoop split (here run
// server-side, one reader and one writer goroutine per admitted tunnel)
// and gateway/server.py and gateway/websocket_handler.py for the
// request/response and upgrade shapes.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anpxtunnel/gateway/internal/correlator"
	"github.com/anpxtunnel/gateway/internal/didauth"
	"github.com/anpxtunnel/gateway/internal/directory"
	"github.com/anpxtunnel/gateway/internal/metrics"
	"github.com/anpxtunnel/gateway/internal/registry"
)

// Config bundles the tunables Server needs beyond what the shared
// registry/directory/correlator/didauth components already carry.
type Config struct {
	HTTPBindAddr string
	WSBindAddr   string
	TLSConfig    *tls.Config

	MaxPendingPerConnection int
	RequestTimeout          time.Duration
	ChunkSize               int
	BodyMaxBytes            int64
	WriteQueueDepth         int
	WriteRateLimit          float64 // frames/sec per tunnel; <= 0 disables limiting
	WriteBurst              int
	ReassemblyIdleTTL       time.Duration
	ShutdownDeadline        time.Duration
}

// Server is one gateway process's full set of dependencies: tunnel
// registry, router, correlator, DID-WBA verifier and metrics. It owns
// two HTTP servers — ingress and tunnel admission — sharing all of the
// above.
type Server struct {
	log *slog.Logger
	cfg Config

	registry    *registry.Registry
	router      *directory.Router
	correlator  *correlator.Correlator
	verifier    *didauth.Verifier
	metrics     *metrics.Metrics
	tokenIssuer *didauth.TokenIssuer

	httpServer *http.Server
	wsServer   *http.Server
}

// SetTokenIssuer enables spec §4.6 step 6: every successful admission
// additionally mints an RS256 bearer token, returned to the receiver in
// the upgrade response's X-Anpx-Token header. Optional — admission
// itself never depends on it.
func (s *Server) SetTokenIssuer(issuer *didauth.TokenIssuer) {
	s.tokenIssuer = issuer
}

// New assembles a Server from its already-constructed dependencies. The
// caller is responsible for starting the registry's health-check loop.
func New(cfg Config, reg *registry.Registry, router *directory.Router, corr *correlator.Correlator, verifier *didauth.Verifier, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxPendingPerConnection <= 0 {
		cfg.MaxPendingPerConnection = 100
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = 10 * time.Second
	}
	s := &Server{
		log:        log,
		cfg:        cfg,
		registry:   reg,
		router:     router,
		correlator: corr,
		verifier:   verifier,
		metrics:    m,
	}

	ingressMux := http.NewServeMux()
	ingressMux.HandleFunc("/", s.handleIngress)
	s.httpServer = &http.Server{Addr: cfg.HTTPBindAddr, Handler: ingressMux, TLSConfig: cfg.TLSConfig}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/tunnel", s.handleTunnelUpgrade)
	s.wsServer = &http.Server{Addr: cfg.WSBindAddr, Handler: wsMux, TLSConfig: cfg.TLSConfig}

	return s
}

// Run starts both listeners and blocks until ctx is cancelled or either
// server fails. Exit codes are the caller's concern (cmd/gateway maps a
// bind error to code 2 per spec §6).
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.log.Info("http ingress listening", "addr", s.cfg.HTTPBindAddr)
		errCh <- serveWithTLS(s.httpServer)
	}()
	go func() {
		s.log.Info("tunnel endpoint listening", "addr", s.cfg.WSBindAddr)
		errCh <- serveWithTLS(s.wsServer)
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	}
}

// shutdown runs spec §4.2's graceful-drain sequence: stop admitting new
// tunnels immediately, mark existing ones draining so the router assigns
// them no new requests, let in-flight HTTP requests (and the tunnel
// connections serving them) finish up to ShutdownDeadline, then close
// everything that's left.
func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownDeadline)
	defer cancel()

	s.wsServer.Shutdown(shutdownCtx)
	s.registry.Drain(s.cfg.ShutdownDeadline)
	s.httpServer.Shutdown(shutdownCtx)
	s.registry.Stop()
}

func serveWithTLS(srv *http.Server) error {
	if srv.TLSConfig != nil {
		err := srv.ListenAndServeTLS("", "")
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
