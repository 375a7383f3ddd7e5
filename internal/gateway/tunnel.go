package gateway

import (
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/anpxtunnel/gateway/anpx"
	"github.com/anpxtunnel/gateway/internal/apperr"
	"github.com/anpxtunnel/gateway/internal/registry"
	"github.com/anpxtunnel/gateway/wire"
)

// tunnelReadLoop owns a connection's read side: decode every incoming
// frame, reassemble chunks, and dispatch completed Response or Error
// messages to the correlator. A fatal decode error (per anpx.IsFatal)
// ends the tunnel, matching client.go's readLoop-drives-Close pattern.
func (s *Server) tunnelReadLoop(rc *registry.Connection) {
	decoder := anpx.NewDecoder(s.cfg.ReassemblyIdleTTL)
	defer s.evictConnection(rc)

	go s.reassemblySweepLoop(rc, decoder)

	for {
		data, err := wsutil.ReadClientBinary(rc.Conn)
		if err != nil {
			select {
			case <-rc.Done:
			default:
				s.log.Warn("tunnel read error", "conn_id", rc.ID, "error", err)
			}
			return
		}
		rc.Touch()
		if s.metrics != nil {
			s.metrics.BytesIngress.Add(float64(len(data)))
		}

		msg, err := decoder.Decode(data)
		if err != nil {
			if s.metrics != nil {
				s.metrics.DecodeErrors.WithLabelValues(errorKindLabel(err)).Inc()
			}
			if anpx.IsFatal(err) {
				s.log.Warn("fatal tunnel decode error, closing", "conn_id", rc.ID, "error", err)
				return
			}
			continue
		}
		if msg == nil {
			continue // chunk of an incomplete sequence, still reassembling
		}

		s.dispatchInbound(rc, msg)
	}
}

func (s *Server) dispatchInbound(rc *registry.Connection, msg *anpx.Message) {
	switch msg.Type {
	case anpx.TypeResponse:
		s.correlator.Complete(msg.RequestID, msg)
	case anpx.TypeError:
		var body wire.ErrorBody
		if err := wire.UnmarshalStrict(msg.Body, &body); err != nil {
			s.correlator.Fail(msg.RequestID, apperr.New(apperr.KindTunnelProtocolError, "malformed error frame"))
			return
		}
		s.correlator.Fail(msg.RequestID, apperr.New(apperr.KindInternalError, "%s", body.Message))
	default:
		s.log.Warn("unexpected frame type from tunnel", "conn_id", rc.ID, "type", msg.Type)
	}
}

// reassemblySweepLoop periodically discards chunk-reassembly buffers that
// have sat idle past ReassemblyIdleTTL and fails any correlator slot
// still waiting on one, per spec §4.1's ReassemblyTimeout and §3's
// buffer garbage-collection rule. Runs for the lifetime of rc.
func (s *Server) reassemblySweepLoop(rc *registry.Connection, decoder *anpx.Decoder) {
	interval := s.cfg.ReassemblyIdleTTL / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rc.Done:
			return
		case <-ticker.C:
			stale := decoder.SweepStale()
			if s.metrics != nil && len(stale) > 0 {
				s.metrics.ReassemblyDiscards.Add(float64(len(stale)))
			}
			for _, requestID := range stale {
				s.correlator.Fail(requestID, apperr.New(apperr.KindTunnelProtocolError, "reassembly buffer for request %s expired", requestID))
			}
		}
	}
}

func errorKindLabel(err error) string {
	if e, ok := err.(*anpx.Error); ok {
		return e.Kind.String()
	}
	return "unknown"
}

// tunnelWriteLoop drains a connection's WriteCh into the socket. The
// only goroutine permitted to write to rc.Conn, matching client.go's
// writeLoop ownership rule.
func (s *Server) tunnelWriteLoop(rc *registry.Connection) {
	for {
		select {
		case frame := <-rc.WriteCh:
			if err := rc.WriteBinary(frame); err != nil {
				s.log.Warn("tunnel write error", "conn_id", rc.ID, "error", err)
				s.evictConnection(rc)
				return
			}
			if s.metrics != nil {
				s.metrics.BytesEgress.Add(float64(len(frame)))
			}
		case <-rc.PingCh:
			if err := rc.WritePing(); err != nil {
				s.log.Warn("tunnel ping error", "conn_id", rc.ID, "error", err)
				s.evictConnection(rc)
				return
			}
		case <-rc.Done:
			return
		}
	}
}

func (s *Server) evictConnection(rc *registry.Connection) {
	pending := rc.PendingIDs()
	s.registry.Remove(rc.ID)
	if s.metrics != nil {
		s.metrics.TunnelsActive.Dec()
	}
	s.correlator.FailAllForConnection(pending, apperr.New(apperr.KindTunnelLost, "tunnel %s closed", rc.ID))
}
