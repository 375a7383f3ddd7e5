package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WebSocket close codes the gateway sends in the application-defined
// 4000-4999 range, per spec.md §6.
const (
	CloseCodeAuthFailed       = 4003
	CloseCodeKeepaliveTimeout = 4008
	CloseCodeShuttingDown     = 4011
)

// ErrLimitExceeded is returned by Registry.Add once max_connections has
// been reached.
type ErrLimitExceeded struct {
	Max int
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("registry: maximum %d connections exceeded", e.Max)
}

// Registry owns the set of live tunnel connections and the health-check
// loop that pings them and evicts stale ones. One Registry exists per
// gateway process.
type Registry struct {
	log *slog.Logger

	maxConnections    int
	pingInterval      time.Duration
	connectionTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config bundles the health-check tunables, mirroring the ping_interval
// and connection_timeout fields from the source's ConnectionManager.
type Config struct {
	MaxConnections    int
	PingInterval      time.Duration
	ConnectionTimeout time.Duration
}

// New creates a Registry. Call Start to begin the health-check loop.
func New(cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 300 * time.Second
	}
	return &Registry{
		log:               log,
		maxConnections:    cfg.MaxConnections,
		pingInterval:      cfg.PingInterval,
		connectionTimeout: cfg.ConnectionTimeout,
		conns:             make(map[string]*Connection),
		stopCh:            make(chan struct{}),
	}
}

// Add admits a new connection, rejecting it once the registry is at
// max_connections.
func (r *Registry) Add(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxConnections > 0 && len(r.conns) >= r.maxConnections {
		return &ErrLimitExceeded{Max: r.maxConnections}
	}
	r.conns[c.ID] = c
	r.log.Info("tunnel admitted", "conn_id", c.ID, "total", len(r.conns))
	return nil
}

// Remove evicts a connection and closes it, returning it for callers
// that need to fail its pending requests. A no-op if already absent.
func (r *Registry) Remove(id string) *Connection {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	c.Close()
	r.log.Info("tunnel removed", "conn_id", id)
	return c
}

// RemoveWithCode behaves like Remove but sends a WebSocket close frame
// carrying code and reason first, letting the receiver distinguish why
// the tunnel was torn down (spec.md §6's 4008/4011 close codes).
func (r *Registry) RemoveWithCode(id string, code int, reason string) *Connection {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	c.CloseWithCode(code, reason)
	r.log.Info("tunnel removed", "conn_id", id, "close_code", code)
	return c
}

// Get looks up a connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Healthy returns every connection currently in the healthy state.
func (r *Registry) Healthy() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.IsHealthy() {
			out = append(out, c)
		}
	}
	return out
}

// ByPath returns every healthy connection advertising path, used by the
// router's exact, prefix and host-only lookups.
func (r *Registry) ByPath(path string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.conns {
		if c.IsHealthy() && c.HasPath(path) {
			out = append(out, c)
		}
	}
	return out
}

// All returns every tracked connection regardless of state, for
// diagnostics and /healthz.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Stats summarizes the registry for /healthz and metrics export.
type Stats struct {
	Total          int
	Healthy        int
	MaxConnections int
	StateCounts    map[string]int
}

// Stats computes a snapshot of connection counts by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Total: len(r.conns), MaxConnections: r.maxConnections, StateCounts: make(map[string]int)}
	for _, c := range r.conns {
		st := c.State()
		s.StateCounts[st.String()]++
		if st == StateHealthy {
			s.Healthy++
		}
	}
	return s
}

// Start launches the background health-check loop. pingFn is called for
// each connection due for a ping (normally a small wrapper that writes a
// WS ping control frame); if it returns an error the connection is
// considered dead and evicted.
func (r *Registry) Start(ctx context.Context, pingFn func(*Connection) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweep(pingFn)
			}
		}
	}()
}

func (r *Registry) sweep(pingFn func(*Connection) error) {
	now := time.Now()
	var dead []string

	for _, c := range r.snapshot() {
		if c.IdleFor() > r.connectionTimeout {
			dead = append(dead, c.ID)
			continue
		}
		if now.Sub(c.lastPingSnapshot()) >= r.pingInterval {
			if err := pingFn(c); err != nil {
				r.log.Warn("ping failed, evicting", "conn_id", c.ID, "error", err)
				dead = append(dead, c.ID)
				continue
			}
			c.TouchPing()
		}
	}

	for _, id := range dead {
		r.RemoveWithCode(id, CloseCodeKeepaliveTimeout, "keepalive timeout")
	}
}

func (c *Connection) lastPingSnapshot() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Drain marks every tracked connection draining — the router stops
// selecting any of them for new requests — then polls until each
// connection's pending set empties or deadline elapses, per spec §4.2:
// "existing pending slots are allowed to finish up to a shutdown
// deadline, then the socket is closed and the state becomes dead."
// Callers follow Drain with Stop to perform that final close.
func (r *Registry) Drain(deadline time.Duration) {
	conns := r.snapshot()
	for _, c := range conns {
		c.SetDraining()
	}

	deadlineAt := time.Now().Add(deadline)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadlineAt) {
		drained := true
		for _, c := range conns {
			if c.PendingCount() > 0 {
				drained = false
				break
			}
		}
		if drained {
			return
		}
		<-ticker.C
	}
}

// Stop ends the health-check loop and closes every tracked connection.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()

	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.RemoveWithCode(id, CloseCodeShuttingDown, "gateway shutting down")
	}
}
