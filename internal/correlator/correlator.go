// Package correlator pairs inbound HTTP requests with their asynchronous
// ANPX responses. Grounded on gateway/response_handler.py's PendingRequest
// and ResponseHandler: a future-like slot per request_id, a per-slot
// timer instead of the source's call_later, and single-shot completion
// idempotent under repeated calls.
package correlator

import (
	"sync"
	"time"

	"github.com/anpxtunnel/gateway/anpx"
	"github.com/anpxtunnel/gateway/internal/apperr"
	"github.com/anpxtunnel/gateway/internal/registry"
)

// Outcome is what a waiter on a Slot eventually receives: either a
// decoded response Message or a terminal error.
type Outcome struct {
	Message *anpx.Message
	Err     error
}

// Slot is the correlator's entry for one in-flight HTTP request. It is
// mutated exactly twice in its lifetime: once at creation and once at
// completion (spec §3's pending-request-slot invariant).
type Slot struct {
	RequestID string
	Conn      *registry.Connection
	CreatedAt time.Time
	Deadline  time.Time

	ch    chan Outcome
	once  sync.Once
	timer *time.Timer
}

// Wait blocks until the slot completes, either by a matching response,
// a timeout, or the owning tunnel failing it on connection loss.
func (s *Slot) Wait() Outcome {
	return <-s.ch
}

// Done returns the channel Wait receives from, for callers that need to
// select against it alongside their own cancellation signal (e.g. the
// HTTP ingress selecting on the inbound request's context).
func (s *Slot) Done() <-chan Outcome {
	return s.ch
}

func (s *Slot) deliver(o Outcome) {
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.ch <- o
	})
}

// ErrDuplicateRequestID is returned by Register if request_id is already
// pending — never expected in practice since request ids are freshly
// generated UUIDs, but guarded against defensively per spec §4.4.
type ErrDuplicateRequestID struct{ RequestID string }

func (e *ErrDuplicateRequestID) Error() string {
	return "correlator: duplicate request_id " + e.RequestID
}

// Correlator is the gateway-wide table mapping request_id to pending
// Slot. One Correlator exists per gateway process; it is an explicit
// component with its own lifecycle, not a process-wide static (spec §5).
type Correlator struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// New creates an empty Correlator.
func New() *Correlator {
	return &Correlator{slots: make(map[string]*Slot)}
}

// Register creates a pending slot for requestID bound to conn, inserts it
// into the correlator table, and arms a timer that fails the slot with
// RequestTimeout at deadline. It does not touch conn's pending set: the
// router's Select has already added requestID there via AddPending.
func (c *Correlator) Register(requestID string, conn *registry.Connection, deadline time.Time) (*Slot, error) {
	c.mu.Lock()
	if _, exists := c.slots[requestID]; exists {
		c.mu.Unlock()
		return nil, &ErrDuplicateRequestID{RequestID: requestID}
	}
	slot := &Slot{
		RequestID: requestID,
		Conn:      conn,
		CreatedAt: time.Now(),
		Deadline:  deadline,
		ch:        make(chan Outcome, 1),
	}
	c.slots[requestID] = slot
	c.mu.Unlock()

	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	slot.timer = time.AfterFunc(d, func() {
		c.fail(requestID, apperr.New(apperr.KindRequestTimeout, "request %s timed out", requestID))
	})
	return slot, nil
}

// Complete delivers a successful response to the slot for requestID. A
// no-op if the slot is absent (e.g. already timed out) — completion is
// idempotent per spec §4.4.
func (c *Correlator) Complete(requestID string, msg *anpx.Message) {
	slot := c.remove(requestID)
	if slot == nil {
		return
	}
	slot.deliver(Outcome{Message: msg})
}

// Fail delivers a terminal error to the slot for requestID. Same
// atomicity and idempotence as Complete; used by the tunnel reader for
// Error frames and by the reassembly sweep for expired chunk buffers.
// Connection loss fails slots through FailAllForConnection instead. A
// non-fatal decode error (bad TLV, duplicate or out-of-range chunk index)
// fails no slot; that request ends when its timeout fires.
func (c *Correlator) Fail(requestID string, err error) {
	c.fail(requestID, err)
}

func (c *Correlator) fail(requestID string, err error) {
	slot := c.remove(requestID)
	if slot == nil {
		return
	}
	slot.deliver(Outcome{Err: err})
}

// remove atomically pops the slot from the correlator table and the
// connection's pending set, so no slot outlives its connection and no
// slot is ever completed twice.
func (c *Correlator) remove(requestID string) *Slot {
	c.mu.Lock()
	slot, ok := c.slots[requestID]
	if ok {
		delete(c.slots, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if slot.Conn != nil {
		slot.Conn.RemovePending(requestID)
	}
	return slot
}

// Cancel removes requestID's slot without delivering an outcome, used
// when the HTTP ingress task that created it is cancelled before any
// response or timeout occurs. The tunnel itself is not touched.
func (c *Correlator) Cancel(requestID string) {
	slot := c.remove(requestID)
	if slot != nil && slot.timer != nil {
		slot.timer.Stop()
	}
}

// FailAllForConnection fails every pending slot whose Conn is the given
// connection, used when a tunnel transitions to dead. requestIDs is the
// connection's pending-set snapshot (registry.Connection.PendingIDs).
func (c *Correlator) FailAllForConnection(requestIDs []string, err error) {
	for _, id := range requestIDs {
		c.fail(id, err)
	}
}

// Len reports the number of currently pending slots, for diagnostics.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
