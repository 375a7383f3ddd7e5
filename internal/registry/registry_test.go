package registry

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestConn(t *testing.T, id string) *Connection {
	t.Helper()
	client, _ := net.Pipe()
	return NewConnection(id, client, 8, 0, 0)
}

func TestConnectionLifecycle(t *testing.T) {
	c := newTestConn(t, "conn-1")
	if c.State() != StateHandshaking {
		t.Fatalf("got %v, want StateHandshaking", c.State())
	}

	c.SetAuthenticating()
	if c.State() != StateAuthenticating {
		t.Fatalf("got %v, want StateAuthenticating", c.State())
	}

	c.Authenticate("did:example:123", []string{"api.example.test/a"})
	if c.State() != StateHealthy || !c.IsHealthy() {
		t.Fatalf("got %v, want StateHealthy", c.State())
	}
	if c.DID() != "did:example:123" || !c.HasPath("api.example.test/a") {
		t.Fatalf("admission did not record DID/paths correctly")
	}

	c.SetDraining()
	if c.State() != StateDraining || c.IsHealthy() {
		t.Fatalf("got %v, want StateDraining and not healthy", c.State())
	}

	c.Close()
	if c.State() != StateDead {
		t.Fatalf("got %v, want StateDead", c.State())
	}
}

func TestPendingCapEnforced(t *testing.T) {
	c := newTestConn(t, "conn-1")
	for i := 0; i < 3; i++ {
		if err := c.AddPending(string(rune('a'+i)), 3); err != nil {
			t.Fatalf("AddPending %d: %v", i, err)
		}
	}
	if err := c.AddPending("overflow", 3); err == nil {
		t.Fatal("expected ErrPendingFull once at cap")
	}
	if c.PendingCount() != 3 {
		t.Fatalf("got %d pending, want 3", c.PendingCount())
	}

	c.RemovePending("a")
	if c.PendingCount() != 2 {
		t.Fatalf("got %d pending after removal, want 2", c.PendingCount())
	}
	if err := c.AddPending("d", 3); err != nil {
		t.Fatalf("AddPending after freeing a slot: %v", err)
	}
}

func TestSendRespectsWriteRateLimit(t *testing.T) {
	client, _ := net.Pipe()
	c := NewConnection("conn-1", client, 8, 2, 1) // 2 writes/sec, burst of 1

	if err := c.Send([]byte("a")); err != nil {
		t.Fatalf("first Send within burst: %v", err)
	}
	if err := c.Send([]byte("b")); err == nil {
		t.Fatal("expected ErrBackpressure once burst is exhausted")
	} else if _, ok := err.(*ErrBackpressure); !ok {
		t.Fatalf("got %T, want *ErrBackpressure", err)
	}
}

func TestRegistryAddRespectsMaxConnections(t *testing.T) {
	r := New(Config{MaxConnections: 1}, nil)
	if err := r.Add(newTestConn(t, "conn-1")); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := r.Add(newTestConn(t, "conn-2")); err == nil {
		t.Fatal("expected ErrLimitExceeded once at max_connections")
	}
}

func TestRegistryHealthyExcludesNonHealthy(t *testing.T) {
	r := New(Config{MaxConnections: 10}, nil)

	healthy := newTestConn(t, "conn-1")
	healthy.Authenticate("did:a", nil)
	draining := newTestConn(t, "conn-2")
	draining.Authenticate("did:b", nil)
	draining.SetDraining()

	r.Add(healthy)
	r.Add(draining)

	got := r.Healthy()
	if len(got) != 1 || got[0].ID != "conn-1" {
		t.Fatalf("expected only conn-1 healthy, got %v", got)
	}
}

func TestRegistryByPathOnlyMatchesHealthy(t *testing.T) {
	r := New(Config{MaxConnections: 10}, nil)

	c := newTestConn(t, "conn-1")
	c.Authenticate("did:a", []string{"api.example.test/svc"})
	r.Add(c)

	if got := r.ByPath("api.example.test/svc"); len(got) != 1 {
		t.Fatalf("expected a match while healthy, got %v", got)
	}

	c.SetDraining()
	if got := r.ByPath("api.example.test/svc"); len(got) != 0 {
		t.Fatalf("expected no match once draining, got %v", got)
	}
}

func TestRegistryRemoveReturnsConnectionAndClosesIt(t *testing.T) {
	r := New(Config{MaxConnections: 10}, nil)
	c := newTestConn(t, "conn-1")
	r.Add(c)

	removed := r.Remove("conn-1")
	if removed == nil || removed.ID != "conn-1" {
		t.Fatalf("expected Remove to return the connection")
	}
	if removed.State() != StateDead {
		t.Fatalf("expected Remove to close the connection, got state %v", removed.State())
	}
	if _, ok := r.Get("conn-1"); ok {
		t.Fatal("expected conn-1 to be gone from the registry")
	}

	if r.Remove("conn-1") != nil {
		t.Fatal("expected a second Remove to be a no-op")
	}
}

func TestRegistryDrainStopsEarlyOncePendingEmpties(t *testing.T) {
	r := New(Config{MaxConnections: 10}, nil)
	c := newTestConn(t, "conn-1")
	c.Authenticate("did:a", nil)
	c.AddPending("req-1", 10)
	r.Add(c)

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.RemovePending("req-1")
	}()

	start := time.Now()
	r.Drain(2 * time.Second)
	close(done)

	if c.State() != StateDraining {
		t.Fatalf("expected conn-1 marked draining, got %v", c.State())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Drain should have returned once pending emptied, took %s", elapsed)
	}
}

func TestRegistryDrainRespectsDeadlineWhenPendingNeverEmpties(t *testing.T) {
	r := New(Config{MaxConnections: 10}, nil)
	c := newTestConn(t, "conn-1")
	c.Authenticate("did:a", nil)
	c.AddPending("stuck", 10)
	r.Add(c)

	start := time.Now()
	r.Drain(50 * time.Millisecond)
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Fatalf("Drain returned before its deadline: %s", elapsed)
	}
}

func TestRegistryStatsCountsByState(t *testing.T) {
	r := New(Config{MaxConnections: 10}, nil)
	healthy := newTestConn(t, "conn-1")
	healthy.Authenticate("did:a", nil)
	r.Add(healthy)
	r.Add(newTestConn(t, "conn-2")) // left handshaking

	stats := r.Stats()
	if stats.Total != 2 || stats.Healthy != 1 {
		t.Fatalf("got %+v", stats)
	}
	if stats.StateCounts["healthy"] != 1 || stats.StateCounts["handshaking"] != 1 {
		t.Fatalf("got %+v", stats.StateCounts)
	}
}

func TestConnectionCloseWithCodeIsBounded(t *testing.T) {
	// The peer side of the pipe is intentionally never read, so the
	// close-frame write has nothing to drain into; CloseWithCode must
	// still return promptly instead of blocking forever.
	c := newTestConn(t, "conn-1")

	done := make(chan struct{})
	go func() {
		c.CloseWithCode(CloseCodeKeepaliveTimeout, "keepalive timeout")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CloseWithCode did not return within its write deadline")
	}
	if c.State() != StateDead {
		t.Fatalf("got %v, want StateDead", c.State())
	}
}

func TestRegistryRemoveWithCodeEvictsAndCloses(t *testing.T) {
	r := New(Config{MaxConnections: 10}, nil)
	c := newTestConn(t, "conn-1")
	r.Add(c)

	removed := r.RemoveWithCode("conn-1", CloseCodeShuttingDown, "gateway shutting down")
	if removed == nil || removed.State() != StateDead {
		t.Fatalf("expected RemoveWithCode to return a closed connection")
	}
	if _, ok := r.Get("conn-1"); ok {
		t.Fatal("expected conn-1 to be gone from the registry")
	}
}

func TestRegistrySweepEvictsOnPingFailure(t *testing.T) {
	r := New(Config{MaxConnections: 10, PingInterval: 10 * time.Millisecond}, nil)
	c := newTestConn(t, "conn-1")
	c.Authenticate("did:a", nil)
	r.Add(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx, func(*Connection) error { return net.ErrClosed })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("conn-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected conn-1 to be evicted after repeated ping failures")
}
