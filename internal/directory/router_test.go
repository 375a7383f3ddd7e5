package directory

import (
	"net"
	"testing"

	"github.com/anpxtunnel/gateway/internal/apperr"
	"github.com/anpxtunnel/gateway/internal/registry"
)

func newHealthyConn(t *testing.T, id string, paths []string) *registry.Connection {
	t.Helper()
	client, _ := net.Pipe()
	c := registry.NewConnection(id, client, 8, 0, 0)
	c.Authenticate("did:example:"+id, paths)
	return c
}

func TestRouterCandidatesExactMatch(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	c := newHealthyConn(t, "a", []string{"example.com/api"})
	if err := reg.Add(c); err != nil {
		t.Fatal(err)
	}

	r := NewRouter(reg)
	conns, err := r.Candidates("example.com", "/api")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(conns) != 1 || conns[0] != c {
		t.Fatalf("expected exact match to return the registered connection, got %v", conns)
	}
}

func TestRouterCandidatesLongestPrefix(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	c := newHealthyConn(t, "a", []string{"example.com/api/v1"})
	reg.Add(c)

	r := NewRouter(reg)
	conns, err := r.Candidates("example.com", "/api/v1/widgets/123")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(conns) != 1 || conns[0] != c {
		t.Fatalf("expected prefix match, got %v", conns)
	}
}

func TestRouterCandidatesHostOnly(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	c := newHealthyConn(t, "a", []string{"example.com"})
	reg.Add(c)

	r := NewRouter(reg)
	conns, err := r.Candidates("example.com", "/anything/at/all")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(conns) != 1 || conns[0] != c {
		t.Fatalf("expected host-only fallback match, got %v", conns)
	}
}

func TestRouterCandidatesNoRoute(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	r := NewRouter(reg)
	_, err := r.Candidates("example.com", "/nothing")
	ae, ok := err.(*apperr.Error)
	if !ok || ae.Kind != apperr.KindNoRoute {
		t.Fatalf("expected NoRoute error, got %v", err)
	}
}

func TestRouterSelectLeastLoaded(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	busy := newHealthyConn(t, "busy", []string{"example.com/api"})
	idle := newHealthyConn(t, "idle", []string{"example.com/api"})
	busy.AddPending("req-1", 100)
	reg.Add(busy)
	reg.Add(idle)

	r := NewRouter(reg)
	selected, err := r.Select([]*registry.Connection{busy, idle}, "req-2", 100)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if selected != idle {
		t.Fatalf("expected the idle connection to be selected")
	}
}

func TestRouterSelectNoCapacity(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	full := newHealthyConn(t, "full", []string{"example.com/api"})
	full.AddPending("req-1", 1)
	reg.Add(full)

	r := NewRouter(reg)
	_, err := r.Select([]*registry.Connection{full}, "req-2", 1)
	ae, ok := err.(*apperr.Error)
	if !ok || ae.Kind != apperr.KindNoCapacity {
		t.Fatalf("expected NoCapacity error, got %v", err)
	}
}
