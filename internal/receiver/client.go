// Package receiver implements the receiver side of an ANPX tunnel: dial
// and authenticate with a gateway, reassemble inbound requests, dispatch
// them to a local application handler, and send back ANPX responses.
// Grounded on client.go's Connect/connect/readLoop/writeLoop (the dial,
// handshake and goroutine-split idiom) and receiver/message_handler.py
// and receiver/reconnect.py from the original implementation for the
// dispatch and reconnection semantics.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/anpxtunnel/gateway/anpx"
)

// AuthSigner produces the Authorization header value for a tunnel dial
// attempt. Kept abstract so the client never depends on didauth's
// private-key handling directly.
type AuthSigner interface {
	SignHeader(domain string) (string, error)
}

// Config bundles a Client's tunables.
type Config struct {
	GatewayURL        string
	ChunkSize         int
	ReassemblyIdleTTL time.Duration
	WriteQueueDepth   int
	DialTimeout       time.Duration
}

// Client is one receiver's live tunnel to a gateway. One Client
// represents one dial attempt; ReconnectManager (reconnect.go) owns the
// loop that creates successive Clients across disconnects.
type Client struct {
	cfg    Config
	signer AuthSigner
	log    *slog.Logger

	conn    net.Conn
	writeCh chan []byte
	done    chan struct{}
	once    sync.Once

	decoder *anpx.Decoder
}

// NewClient creates a Client. Dial must be called before Run/Send.
func NewClient(cfg Config, signer AuthSigner, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WriteQueueDepth <= 0 {
		cfg.WriteQueueDepth = 64
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		signer:  signer,
		log:     log,
		writeCh: make(chan []byte, cfg.WriteQueueDepth),
		done:    make(chan struct{}),
		decoder: anpx.NewDecoder(cfg.ReassemblyIdleTTL),
	}
}

// Dial signs an admission header for the gateway's host and performs the
// WebSocket handshake, matching client.go's connect but with an
// Authorization header carrying the DID-WBA admission tuple instead of a
// bearer token.
func (c *Client) Dial(ctx context.Context) error {
	parsed, err := url.Parse(c.cfg.GatewayURL)
	if err != nil {
		return fmt.Errorf("receiver: bad gateway url: %w", err)
	}

	authValue, err := c.signer.SignHeader(parsed.Host)
	if err != nil {
		return fmt.Errorf("receiver: signing admission header: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{"Authorization": []string{authValue}}),
	}
	conn, _, _, err := dialer.Dial(dialCtx, c.cfg.GatewayURL)
	if err != nil {
		return fmt.Errorf("receiver: dial: %w", err)
	}
	c.conn = conn

	c.log.Info("tunnel established", "gateway_url", c.cfg.GatewayURL)
	return nil
}

// Run starts the reader and writer goroutines and blocks until the
// tunnel closes, delivering each decoded inbound message to handle.
func (c *Client) Run(handle func(*anpx.Message)) error {
	errCh := make(chan error, 1)
	go c.writeLoop()
	go func() { errCh <- c.readLoop(handle) }()
	return <-errCh
}

func (c *Client) readLoop(handle func(*anpx.Message)) error {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerBinary(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
				return fmt.Errorf("receiver: read: %w", err)
			}
		}

		msg, err := c.decoder.Decode(data)
		if err != nil {
			if anpx.IsFatal(err) {
				return fmt.Errorf("receiver: fatal decode error: %w", err)
			}
			c.log.Debug("non-fatal decode error", "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		handle(msg)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case frame := <-c.writeCh:
			if err := wsutil.WriteClientBinary(c.conn, frame); err != nil {
				c.log.Warn("receiver write error", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send enqueues a pre-encoded ANPX frame for the writer goroutine.
func (c *Client) Send(frame []byte) error {
	select {
	case c.writeCh <- frame:
		return nil
	case <-c.done:
		return net.ErrClosed
	}
}

// Close shuts down the tunnel. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
