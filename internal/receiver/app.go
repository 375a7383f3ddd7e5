package receiver

import (
	"bytes"
	"io"
	"net/http"

	"github.com/anpxtunnel/gateway/wire"
)

// App forwards a decoded ANPX request to the local application and
// returns its response. Grounded on receiver/app_adapter.py's abstract
// ASGI adapter — here narrowed to the one concrete shape this module
// needs, an HTTP round trip to a local upstream.
type App interface {
	Handle(meta wire.HTTPMeta, body []byte) (wire.ResponseMeta, []byte, error)
}

// HTTPApp forwards requests to a local HTTP upstream (e.g. a process
// listening on 127.0.0.1), the common case for a receiver fronting an
// ordinary web application.
type HTTPApp struct {
	upstreamURL string
	client      *http.Client
}

// NewHTTPApp creates an HTTPApp that forwards to upstreamURL.
func NewHTTPApp(upstreamURL string, client *http.Client) *HTTPApp {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPApp{upstreamURL: upstreamURL, client: client}
}

// Handle implements App by issuing an equivalent request against the
// upstream and relaying its response.
func (a *HTTPApp) Handle(meta wire.HTTPMeta, body []byte) (wire.ResponseMeta, []byte, error) {
	req, err := http.NewRequest(meta.Method, a.upstreamURL+meta.Path, bytes.NewReader(body))
	if err != nil {
		return wire.ResponseMeta{}, nil, err
	}
	req.Header = http.Header(meta.Headers)
	if len(meta.Query) > 0 {
		q := req.URL.Query()
		for k, vs := range meta.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return wire.ResponseMeta{}, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.ResponseMeta{}, nil, err
	}

	return wire.ResponseMeta{
		Status:  resp.StatusCode,
		Reason:  resp.Status,
		Headers: resp.Header,
	}, respBody, nil
}

// HandlerFunc adapts a plain function to App, for tests and small
// embedded applications that don't need a full HTTP round trip.
type HandlerFunc func(meta wire.HTTPMeta, body []byte) (wire.ResponseMeta, []byte, error)

// Handle implements App.
func (f HandlerFunc) Handle(meta wire.HTTPMeta, body []byte) (wire.ResponseMeta, []byte, error) {
	return f(meta, body)
}

func decodeHTTPMeta(raw []byte) (wire.HTTPMeta, error) {
	var meta wire.HTTPMeta
	err := wire.UnmarshalStrict(raw, &meta)
	return meta, err
}
