package receiver

import (
	"encoding/json"
	"log/slog"

	"github.com/anpxtunnel/gateway/anpx"
	"github.com/anpxtunnel/gateway/wire"
)

// Dispatcher runs inbound ANPX requests through App on a bounded worker
// pool sized to the tunnel's max_pending, sending an Error frame back
// when the pool is saturated rather than blocking the tunnel's reader
// goroutine. Grounded on receiver/message_handler.py's MessageHandler,
// narrowed from asyncio tasks to a fixed-size goroutine pool.
type Dispatcher struct {
	app       App
	client    *Client
	chunkSize int
	log       *slog.Logger

	slots chan struct{}
}

// NewDispatcher creates a Dispatcher with maxPending concurrent workers.
func NewDispatcher(app App, client *Client, maxPending, chunkSize int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if maxPending <= 0 {
		maxPending = 100
	}
	return &Dispatcher{
		app:       app,
		client:    client,
		chunkSize: chunkSize,
		log:       log,
		slots:     make(chan struct{}, maxPending),
	}
}

// Handle is the callback passed to Client.Run: it admits a request onto
// the worker pool, or immediately replies with an Error frame if every
// slot is busy.
func (d *Dispatcher) Handle(msg *anpx.Message) {
	if msg.Type != anpx.TypeRequest {
		d.log.Warn("unexpected frame type from gateway", "type", msg.Type)
		return
	}

	select {
	case d.slots <- struct{}{}:
		go d.process(msg)
	default:
		d.sendError(msg.RequestID, "NoCapacity", "receiver at max_pending")
	}
}

func (d *Dispatcher) process(msg *anpx.Message) {
	defer func() { <-d.slots }()

	meta, err := decodeHTTPMeta(msg.HTTPMeta)
	if err != nil {
		d.sendError(msg.RequestID, "TunnelProtocolError", "malformed request meta")
		return
	}

	respMeta, body, err := d.app.Handle(meta, msg.Body)
	if err != nil {
		d.sendError(msg.RequestID, "InternalError", err.Error())
		return
	}

	respMetaJSON, err := json.Marshal(respMeta)
	if err != nil {
		d.sendError(msg.RequestID, "InternalError", "encoding response meta")
		return
	}

	out := anpx.Message{Type: anpx.TypeResponse, RequestID: msg.RequestID, RespMeta: respMetaJSON, Body: body}
	frames, err := anpx.Encode(out, d.chunkSize)
	if err != nil {
		d.sendError(msg.RequestID, "InternalError", "encoding response")
		return
	}
	for _, f := range frames {
		if err := d.client.Send(f); err != nil {
			d.log.Warn("sending response", "request_id", msg.RequestID, "error", err)
			return
		}
	}
}

func (d *Dispatcher) sendError(requestID, code, message string) {
	body, _ := json.Marshal(wire.ErrorBody{Code: code, Message: message})
	frame, err := anpx.Encode(anpx.Message{Type: anpx.TypeError, RequestID: requestID, Body: body}, d.chunkSize)
	if err != nil {
		d.log.Warn("encoding error frame", "request_id", requestID, "error", err)
		return
	}
	for _, f := range frame {
		if err := d.client.Send(f); err != nil {
			d.log.Warn("sending error frame", "request_id", requestID, "error", err)
			return
		}
	}
}
