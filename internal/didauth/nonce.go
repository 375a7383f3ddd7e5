package didauth

import (
	"sync"
	"time"
)

// NonceCache is a global, write-heavy sliding-window one-shot nonce
// tracker: a nonce may be presented successfully at most once within
// window (plus a small grace period), per spec §4.6 step 2. Grounded on
// frame/dedup.go's DedupWindow shape — an ordered slice for eviction plus
// a map for O(1) duplicate lookup, here keyed by nonce string instead of
// a 16-byte message id.
type NonceCache struct {
	mu      sync.Mutex
	window  time.Duration
	grace   time.Duration
	maxSize int
	order   []nonceEntry
	seen    map[string]struct{}
}

type nonceEntry struct {
	nonce     string
	expiresAt time.Time
}

// DefaultNonceWindow matches spec §6's nonce_window default.
const DefaultNonceWindow = 300 * time.Second

// NewNonceCache creates a cache that single-use-tracks nonces for window
// (DefaultNonceWindow if <= 0) plus a small fixed grace period, bounded
// to maxSize entries (the oldest is evicted first once full, mirroring
// the teacher's dedup window cap).
func NewNonceCache(window time.Duration, maxSize int) *NonceCache {
	if window <= 0 {
		window = DefaultNonceWindow
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &NonceCache{
		window:  window,
		grace:   5 * time.Second,
		maxSize: maxSize,
		seen:    make(map[string]struct{}),
	}
}

// ErrReplayedNonce is returned by CheckAndMark when nonce has already
// been used within the window.
type ErrReplayedNonce struct{ Nonce string }

func (e *ErrReplayedNonce) Error() string { return "didauth: nonce already used: " + e.Nonce }

// CheckAndMark evicts expired entries, rejects nonce if already marked
// used, and otherwise marks it used. Safe for concurrent admission
// attempts.
func (c *NonceCache) CheckAndMark(nonce string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpired(time.Now())

	if _, dup := c.seen[nonce]; dup {
		return &ErrReplayedNonce{Nonce: nonce}
	}

	if len(c.order) >= c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest.nonce)
	}

	c.seen[nonce] = struct{}{}
	c.order = append(c.order, nonceEntry{nonce: nonce, expiresAt: time.Now().Add(c.window + c.grace)})
	return nil
}

func (c *NonceCache) evictExpired(now time.Time) {
	i := 0
	for i < len(c.order) && !c.order[i].expiresAt.After(now) {
		delete(c.seen, c.order[i].nonce)
		i++
	}
	if i > 0 {
		c.order = c.order[i:]
	}
}

// Len reports the number of currently tracked nonces, for diagnostics.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
