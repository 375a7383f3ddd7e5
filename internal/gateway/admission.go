package gateway

import (
	"errors"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/anpxtunnel/gateway/internal/didauth"
	"github.com/anpxtunnel/gateway/internal/registry"
)

// handleTunnelUpgrade runs spec §4.6's admission sequence over the
// upgrade request's Authorization header before ever completing the
// WebSocket handshake: a rejected receiver never gets a tunnel, only an
// HTTP error status.
func (s *Server) handleTunnelUpgrade(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		http.Error(w, "missing Authorization header", http.StatusUnauthorized)
		return
	}
	parsed, err := didauth.ParseAuthHeader(authHeader)
	if err != nil {
		s.log.Warn("tunnel admission: bad auth header", "error", err)
		http.Error(w, "bad Authorization header", http.StatusBadRequest)
		return
	}

	result, err := s.verifier.Admit(r.Context(), parsed, r.Host)
	if err != nil {
		s.log.Warn("tunnel admission rejected", "did", parsed.DID, "error", err)
		if s.metrics != nil {
			s.metrics.AdmissionFailures.WithLabelValues(admissionFailureReason(err)).Inc()
		}
		http.Error(w, "admission denied", http.StatusForbidden)
		return
	}

	upgrader := ws.HTTPUpgrader{}
	if s.tokenIssuer != nil {
		if token, tokenErr := s.tokenIssuer.Issue(result.DID); tokenErr == nil {
			upgrader.Header = http.Header{"X-Anpx-Token": []string{token}}
		} else {
			s.log.Warn("issuing bearer token", "did", result.DID, "error", tokenErr)
		}
	}

	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		s.log.Warn("tunnel upgrade failed", "did", result.DID, "error", err)
		return
	}

	connID := uuid.NewString()
	rc := registry.NewConnection(connID, conn, s.cfg.WriteQueueDepth, rate.Limit(s.cfg.WriteRateLimit), s.cfg.WriteBurst)
	rc.SetAuthenticating()
	rc.Authenticate(result.DID, result.ServiceURLs)

	if err := s.registry.Add(rc); err != nil {
		s.log.Warn("tunnel rejected: registry full", "did", result.DID, "error", err)
		rc.Close()
		return
	}
	if s.metrics != nil {
		s.metrics.TunnelsTotal.Inc()
		s.metrics.TunnelsActive.Inc()
	}

	go s.tunnelReadLoop(rc)
	go s.tunnelWriteLoop(rc)
}

func admissionFailureReason(err error) string {
	var (
		tsErr     *didauth.ErrTimestampOutOfWindow
		replayErr *didauth.ErrReplayedNonce
		vmErr     *didauth.ErrUnknownVerificationMethod
		sigErr    *didauth.ErrSignatureInvalid
		svcErr    *didauth.ErrEmptyServiceList
	)
	switch {
	case errors.As(err, &tsErr):
		return "timestamp_out_of_window"
	case errors.As(err, &replayErr):
		return "nonce_replayed"
	case errors.As(err, &vmErr):
		return "unknown_verification_method"
	case errors.As(err, &sigErr):
		return "signature_invalid"
	case errors.As(err, &svcErr):
		return "empty_service_list"
	default:
		return "resolution_error"
	}
}
