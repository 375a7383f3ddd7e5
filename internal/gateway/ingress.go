package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/anpxtunnel/gateway/anpx"
	"github.com/anpxtunnel/gateway/internal/apperr"
	"github.com/anpxtunnel/gateway/internal/correlator"
	"github.com/anpxtunnel/gateway/internal/registry"
	"github.com/anpxtunnel/gateway/wire"
)

// hopByHopHeaders are stripped from both the inbound request and the
// tunneled response per RFC 7230 §6.1 — they describe this specific HTTP
// connection, not the proxied one, and never survive a hop.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailers", "Transfer-Encoding", "Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// handleIngress is the HTTP entry point: route to a tunnel, encode the
// request as ANPX, wait on the correlator, and translate the outcome
// back into an HTTP response. Grounded on gateway/server.py's request
// handling path and response_handler.py's await-then-translate shape.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	candidates, err := s.router.Candidates(r.Host, r.URL.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.router.Select(candidates, requestID, s.cfg.MaxPendingPerConnection)
	if err != nil {
		s.writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.BodyMaxBytes+1))
	if err != nil {
		conn.RemovePending(requestID)
		s.writeError(w, apperr.New(apperr.KindInternalError, "reading request body: %v", err))
		return
	}
	if int64(len(body)) > s.cfg.BodyMaxBytes {
		conn.RemovePending(requestID)
		s.writeError(w, apperr.New(apperr.KindPayloadTooLarge, "request body exceeds %d bytes", s.cfg.BodyMaxBytes))
		return
	}

	reqHeaders := r.Header.Clone()
	stripHopByHop(reqHeaders)
	meta := wire.HTTPMeta{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: reqHeaders,
		Query:   r.URL.Query(),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		conn.RemovePending(requestID)
		s.writeError(w, apperr.New(apperr.KindInternalError, "encoding request meta: %v", err))
		return
	}

	msg := anpx.Message{Type: anpx.TypeRequest, RequestID: requestID, HTTPMeta: metaJSON, Body: body}
	frames, err := anpx.Encode(msg, s.cfg.ChunkSize)
	if err != nil {
		conn.RemovePending(requestID)
		s.writeError(w, apperr.New(apperr.KindInternalError, "encoding request: %v", err))
		return
	}

	deadline := time.Now().Add(s.cfg.RequestTimeout)
	slot, err := s.correlator.Register(requestID, conn, deadline)
	if err != nil {
		conn.RemovePending(requestID)
		s.writeError(w, apperr.New(apperr.KindInternalError, "registering request: %v", err))
		return
	}

	for _, f := range frames {
		if err := conn.Send(f); err != nil {
			s.correlator.Cancel(requestID)
			if _, ok := err.(*registry.ErrBackpressure); ok {
				s.writeError(w, apperr.New(apperr.KindNoCapacity, "tunnel write rate exceeded"))
			} else {
				s.writeError(w, apperr.New(apperr.KindTunnelLost, "tunnel closed while sending request"))
			}
			return
		}
	}
	if s.metrics != nil {
		s.metrics.PendingRequests.Inc()
	}

	start := time.Now()
	var outcome correlator.Outcome
	select {
	case outcome = <-slot.Done():
	case <-r.Context().Done():
		// The client went away before a response or timeout arrived;
		// remove the slot within a bounded delay instead of leaving it
		// to the request_timeout (spec §5).
		s.correlator.Cancel(requestID)
		if s.metrics != nil {
			s.metrics.PendingRequests.Dec()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.PendingRequests.Dec()
		s.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}

	if outcome.Err != nil {
		s.writeError(w, outcome.Err)
		return
	}
	s.writeResponse(w, outcome.Message)
}

func (s *Server) writeResponse(w http.ResponseWriter, msg *anpx.Message) {
	var meta wire.ResponseMeta
	if err := wire.UnmarshalStrict(msg.RespMeta, &meta); err != nil {
		s.writeError(w, apperr.New(apperr.KindTunnelProtocolError, "malformed response meta"))
		return
	}

	h := w.Header()
	for k, vs := range meta.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	stripHopByHop(h)

	status := meta.Status
	if status == 0 {
		status = http.StatusOK
	}
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(statusClass(status)).Inc()
	}
	w.WriteHeader(status)
	w.Write(msg.Body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	ae, ok := err.(*apperr.Error)
	if !ok {
		ae = apperr.New(apperr.KindInternalError, "%v", err)
	}
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(statusClass(ae.Kind.HTTPStatus())).Inc()
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(ae.Kind.HTTPStatus())
	w.Write([]byte(ae.Kind.Reason()))
}

// statusClass buckets an HTTP status into the requests_total label,
// keeping the series' cardinality fixed regardless of exact status code.
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
