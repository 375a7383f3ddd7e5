package receiver

import (
	"context"
	"log/slog"
	"time"
)

// ConnectionState mirrors the lifecycle reconnect.py's ReconnectManager
// tracks: a receiver is either connected, actively retrying, or has
// given up (which here never happens — Run retries forever until ctx is
// cancelled, since a receiver has no "degraded but alive" state to fall
// back to).
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// ReconnectConfig bundles the backoff tunables, ported 1:1 from
// reconnect.py's defaults.
type ReconnectConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

func (c *ReconnectConfig) setDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 300 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
}

// ReconnectManager owns the dial-run-redial loop: each time a Client's
// Run returns (the tunnel was lost), it waits out an exponentially
// growing backoff, capped at MaxBackoff, then dials a fresh Client.
// Grounded on reconnect.py's ReconnectManager._reconnect_loop.
type ReconnectManager struct {
	newClient func() *Client
	buildDisp func(*Client) *Dispatcher
	cfg       ReconnectConfig
	log       *slog.Logger

	state ConnectionState
}

// NewReconnectManager creates a ReconnectManager. newClient builds a
// fresh Client per dial attempt (receiver configuration doesn't change
// across reconnects, but a Client's internal state — write channel,
// decoder — must not be reused after a failed tunnel). buildDisp wires a
// Dispatcher to the freshly dialed Client.
func NewReconnectManager(newClient func() *Client, buildDisp func(*Client) *Dispatcher, cfg ReconnectConfig, log *slog.Logger) *ReconnectManager {
	if log == nil {
		log = slog.Default()
	}
	cfg.setDefaults()
	return &ReconnectManager{newClient: newClient, buildDisp: buildDisp, cfg: cfg, log: log}
}

// Run dials, serves, and redials until ctx is cancelled.
func (m *ReconnectManager) Run(ctx context.Context) error {
	backoff := m.cfg.InitialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.state = StateConnecting
		client := m.newClient()
		if err := client.Dial(ctx); err != nil {
			m.log.Warn("dial failed, backing off", "backoff", backoff, "error", err)
			m.state = StateReconnecting
			if !m.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = m.nextBackoff(backoff)
			continue
		}

		m.state = StateConnected
		backoff = m.cfg.InitialBackoff // reset on a successful connection, matching reconnect.py

		dispatcher := m.buildDisp(client)
		err := client.Run(dispatcher.Handle)
		if err != nil {
			m.log.Warn("tunnel lost", "error", err)
		}

		m.state = StateReconnecting
		if !m.sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = m.nextBackoff(backoff)
	}
}

func (m *ReconnectManager) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * m.cfg.BackoffFactor)
	if next > m.cfg.MaxBackoff {
		next = m.cfg.MaxBackoff
	}
	return next
}

func (m *ReconnectManager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// State reports the manager's current connection state.
func (m *ReconnectManager) State() ConnectionState {
	return m.state
}
