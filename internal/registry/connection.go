// Package registry tracks tunnel connections from admission through
// teardown: the handshaking -> authenticating -> healthy -> draining ->
// dead lifecycle, per-connection pending-request accounting, and the
// periodic health sweep that evicts dead or overdue tunnels.
package registry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"
)

// State is a point in a tunnel connection's lifecycle.
type State int

const (
	StateHandshaking State = iota
	StateAuthenticating
	StateHealthy
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateHealthy:
		return "healthy"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ErrPendingFull is returned by Connection.AddPending when the
// connection has already reached its configured pending-request cap.
type ErrPendingFull struct {
	ConnID string
	Max    int
}

func (e *ErrPendingFull) Error() string {
	return fmt.Sprintf("registry: connection %s at pending cap (%d)", e.ConnID, e.Max)
}

// ErrBackpressure is returned by Connection.Send when the connection's
// write-rate limiter is exhausted, signaling the caller (the HTTP
// ingress) that this tunnel cannot accept another frame right now,
// spec §5's write-queue backpressure signal.
type ErrBackpressure struct{ ConnID string }

func (e *ErrBackpressure) Error() string {
	return fmt.Sprintf("registry: connection %s exceeded its write rate limit", e.ConnID)
}

// Connection is a single authenticated (or still-authenticating)
// WebSocket tunnel between the gateway and one receiver. All mutable
// fields are guarded by mu; the raw net.Conn itself is only ever touched
// by the connection's own reader and writer goroutines.
type Connection struct {
	ID   string
	Conn net.Conn

	mu        sync.Mutex
	state     State
	did       string
	paths     map[string]struct{}
	createdAt time.Time
	lastPing  time.Time
	lastSeen  time.Time
	pending   map[string]struct{}
	sendSeq   uint64

	limiter *rate.Limiter

	writeMu sync.Mutex // serializes every write onto Conn (data, ping, close)

	WriteCh chan []byte
	PingCh  chan struct{}
	Done    chan struct{}
	once    sync.Once
}

// NewConnection wraps an upgraded socket in a Connection in the initial
// handshaking state. writeQueueDepth bounds the writer goroutine's
// buffered channel, giving slow tunnels backpressure before the gateway
// blocks an HTTP-serving goroutine on a send. writeRate/writeBurst
// configure the per-tunnel write-rate limiter (spec §5's backpressure
// signal); writeRate <= 0 disables limiting (rate.Inf), and writeBurst
// <= 0 defaults to writeQueueDepth.
func NewConnection(id string, conn net.Conn, writeQueueDepth int, writeRate rate.Limit, writeBurst int) *Connection {
	now := time.Now()
	if writeRate <= 0 {
		writeRate = rate.Inf
	}
	if writeBurst <= 0 {
		writeBurst = writeQueueDepth
	}
	return &Connection{
		ID:        id,
		Conn:      conn,
		state:     StateHandshaking,
		paths:     make(map[string]struct{}),
		createdAt: now,
		lastPing:  now,
		lastSeen:  now,
		pending:   make(map[string]struct{}),
		limiter:   rate.NewLimiter(writeRate, writeBurst),
		WriteCh:   make(chan []byte, writeQueueDepth),
		PingCh:    make(chan struct{}, 1),
		Done:      make(chan struct{}),
	}
}

// Authenticate transitions the connection to healthy once DID-WBA
// admission has succeeded, recording the resolved DID and the set of
// service paths it advertises.
func (c *Connection) Authenticate(did string, paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.did = did
	c.paths = make(map[string]struct{}, len(paths))
	for _, p := range paths {
		c.paths[p] = struct{}{}
	}
	c.state = StateHealthy
	c.lastSeen = time.Now()
}

// SetAuthenticating marks the connection as having an in-flight
// admission check (between WS upgrade and DID-WBA verification).
func (c *Connection) SetAuthenticating() {
	c.mu.Lock()
	c.state = StateAuthenticating
	c.mu.Unlock()
}

// SetDraining marks the connection so the router stops selecting it for
// new requests while its in-flight pending set drains.
func (c *Connection) SetDraining() {
	c.mu.Lock()
	if c.state == StateHealthy {
		c.state = StateDraining
	}
	c.mu.Unlock()
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DID reports the authenticated DID, empty before authentication.
func (c *Connection) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did
}

// Paths returns a snapshot of the connection's advertised service paths.
func (c *Connection) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.paths))
	for p := range c.paths {
		out = append(out, p)
	}
	return out
}

// HasPath reports whether path was advertised by this connection.
func (c *Connection) HasPath(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paths[path]
	return ok
}

// IsHealthy reports whether the connection is in the healthy state and
// eligible for new request routing. Draining connections are
// intentionally excluded: they keep serving in-flight requests but
// accept no new ones.
func (c *Connection) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateHealthy
}

// Age reports how long the connection has existed.
func (c *Connection) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.createdAt)
}

// Touch records activity (a frame sent or received) so the health sweep
// does not mistake a quiet-but-alive tunnel for a dead one.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// TouchPing records that a ping was queued for this connection, resetting
// both the ping clock and the idle clock.
func (c *Connection) TouchPing() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// IdleFor reports how long it has been since the connection last showed
// any activity.
func (c *Connection) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

// LastPingAge reports how long it has been since the last ping.
func (c *Connection) LastPingAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastPing)
}

// AddPending registers a request_id against the connection's pending
// set, enforcing maxPending. The capacity check and the insert happen
// together under c.mu, so goroutines contending for the same connection
// cannot push it past maxPending; the router moves on to its next
// candidate when this returns ErrPendingFull.
func (c *Connection) AddPending(requestID string, maxPending int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= maxPending {
		return &ErrPendingFull{ConnID: c.ID, Max: maxPending}
	}
	c.pending[requestID] = struct{}{}
	return nil
}

// RemovePending clears a request_id from the pending set, a no-op if it
// was already absent (completion is idempotent).
func (c *Connection) RemovePending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// PendingCount reports how many requests are currently in flight on this
// connection — the router's least-loaded selection key.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingIDs returns a snapshot of in-flight request ids, used when the
// connection dies and every pending slot must be failed.
func (c *Connection) PendingIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	return out
}

// NextSeq returns the next monotonic send sequence number for this
// connection, for diagnostics/logging correlation, not wire framing.
func (c *Connection) NextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendSeq++
	return c.sendSeq
}

// Send enqueues frame for the writer goroutine, first checking the
// per-tunnel write-rate limiter. It never touches the socket directly —
// all writes funnel through the single writer goroutine the gateway
// starts for each admitted tunnel.
func (c *Connection) Send(frame []byte) error {
	if !c.limiter.Allow() {
		return &ErrBackpressure{ConnID: c.ID}
	}
	select {
	case c.WriteCh <- frame:
		return nil
	case <-c.Done:
		return net.ErrClosed
	}
}

// Ping requests the writer goroutine send a WebSocket ping control
// frame, without blocking if one is already queued. The actual write
// happens on the single writer goroutine so it never interleaves with
// an in-flight ANPX frame write.
func (c *Connection) Ping() error {
	select {
	case c.PingCh <- struct{}{}:
		return nil
	case <-c.Done:
		return net.ErrClosed
	default:
		return nil // a ping is already queued, no need for another
	}
}

// WriteBinary writes a data frame directly to the socket, serialized
// against every other write (ping, close) via writeMu. Called only by
// the connection's own writer goroutine as it drains WriteCh.
func (c *Connection) WriteBinary(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerBinary(c.Conn, frame)
}

// WritePing writes a WebSocket ping control frame, serialized against
// every other write via writeMu. Called only by the connection's own
// writer goroutine.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpPing, nil)
}

// Close marks the connection dead and closes the underlying socket.
// Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateDead
		c.mu.Unlock()
		close(c.Done)
		err = c.Conn.Close()
	})
	return err
}

// closeWriteTimeout bounds how long CloseWithCode waits for the close
// frame write before giving up and closing the socket anyway — the
// connection being closed is, by definition, suspected unresponsive.
const closeWriteTimeout = 300 * time.Millisecond

// CloseWithCode sends a WebSocket close frame carrying code and reason
// before tearing down the socket, per spec.md §6's close codes 4003
// (DID auth failed), 4008 (keepalive timeout) and 4011 (shutting down).
// The write takes writeMu, the same lock the writer goroutine holds for
// every data/ping write, so the close frame can never interleave with
// an in-flight WriteBinary/WritePing call. The write is best-effort and
// deadline-bounded: a peer that already went away, or never reads,
// yields a write error or timeout here, which is discarded in favor of
// the unconditional Close that follows.
func (c *Connection) CloseWithCode(code int, reason string) error {
	c.writeMu.Lock()
	c.Conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	wsutil.WriteServerMessage(c.Conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	c.Conn.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()
	return c.Close()
}
