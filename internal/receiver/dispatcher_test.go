package receiver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/anpxtunnel/gateway/anpx"
	"github.com/anpxtunnel/gateway/wire"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(Config{WriteQueueDepth: 8}, nil, nil)
}

func TestDispatcherHandlesRequest(t *testing.T) {
	client := newTestClient(t)
	app := HandlerFunc(func(meta wire.HTTPMeta, body []byte) (wire.ResponseMeta, []byte, error) {
		return wire.ResponseMeta{Status: 200}, []byte("ok"), nil
	})
	d := NewDispatcher(app, client, 4, 64*1024, nil)

	meta := wire.HTTPMeta{Method: "GET", Path: "/"}
	metaJSON, _ := json.Marshal(meta)
	d.Handle(&anpx.Message{Type: anpx.TypeRequest, RequestID: "r1", HTTPMeta: metaJSON})

	select {
	case frame := <-client.writeCh:
		msg, err := anpx.NewDecoder(time.Minute).Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if msg.Type != anpx.TypeResponse || msg.RequestID != "r1" {
			t.Fatalf("unexpected response frame: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatcher to respond")
	}
}

func TestDispatcherOverflowSendsError(t *testing.T) {
	client := newTestClient(t)
	release := make(chan struct{})
	app := HandlerFunc(func(meta wire.HTTPMeta, body []byte) (wire.ResponseMeta, []byte, error) {
		<-release
		return wire.ResponseMeta{Status: 200}, nil, nil
	})
	d := NewDispatcher(app, client, 1, 64*1024, nil)

	meta := wire.HTTPMeta{Method: "GET", Path: "/"}
	metaJSON, _ := json.Marshal(meta)
	d.Handle(&anpx.Message{Type: anpx.TypeRequest, RequestID: "busy", HTTPMeta: metaJSON})

	// give the worker goroutine a moment to take the only slot
	time.Sleep(20 * time.Millisecond)

	d.Handle(&anpx.Message{Type: anpx.TypeRequest, RequestID: "overflow", HTTPMeta: metaJSON})

	select {
	case frame := <-client.writeCh:
		msg, err := anpx.NewDecoder(time.Minute).Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if msg.Type != anpx.TypeError || msg.RequestID != "overflow" {
			t.Fatalf("expected an overflow error frame for the second request, got %+v", msg)
		}
		var body wire.ErrorBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			t.Fatalf("Unmarshal error body: %v", err)
		}
		if body.Code != "NoCapacity" {
			t.Fatalf("got code %q, want NoCapacity", body.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the overflow error frame")
	}
	close(release)
}

func TestDispatcherIgnoresNonRequestFrames(t *testing.T) {
	client := newTestClient(t)
	app := HandlerFunc(func(meta wire.HTTPMeta, body []byte) (wire.ResponseMeta, []byte, error) {
		t.Fatal("app should not be invoked for a non-request frame")
		return wire.ResponseMeta{}, nil, nil
	})
	d := NewDispatcher(app, client, 4, 64*1024, nil)

	d.Handle(&anpx.Message{Type: anpx.TypeResponse, RequestID: "r1"})

	select {
	case <-client.writeCh:
		t.Fatal("dispatcher should not have written any frame")
	case <-time.After(50 * time.Millisecond):
	}
}
