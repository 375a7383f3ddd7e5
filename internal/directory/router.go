package directory

import (
	"sort"
	"strings"

	"github.com/anpxtunnel/gateway/internal/apperr"
	"github.com/anpxtunnel/gateway/internal/registry"
)

// Router chooses a healthy tunnel connection for an inbound HTTP
// request's canonical host+path, per spec §4.3's four-step resolution
// order, and performs the atomic selection+pending-increment the router
// and correlator share.
type Router struct {
	reg *registry.Registry
}

// NewRouter creates a Router over reg. The router never owns connection
// state itself — it only queries the registry's live view.
func NewRouter(reg *registry.Registry) *Router {
	return &Router{reg: reg}
}

// Candidates resolves host+path to the set of healthy connections
// eligible to serve it, in resolution order: exact canonical match,
// longest host+path-prefix match, host-only match. Returns an
// *apperr.Error of KindNoRoute if none of the three steps finds anything.
func (r *Router) Candidates(host, path string) ([]*registry.Connection, error) {
	canon := Canonicalize(host, path)

	if conns := r.reg.ByPath(canon); len(conns) > 0 {
		return conns, nil
	}

	if conns := r.longestPrefixMatch(canon); len(conns) > 0 {
		return conns, nil
	}

	hostOnly := strings.ToLower(host)
	if conns := r.reg.ByPath(hostOnly); len(conns) > 0 {
		return conns, nil
	}

	return nil, apperr.New(apperr.KindNoRoute, "no receiver for %s", canon)
}

// longestPrefixMatch walks canon's path segments from longest to
// shortest, trying each host+path_prefix as a directory key, stopping at
// the first (longest) prefix with at least one registered connection.
func (r *Router) longestPrefixMatch(canon string) []*registry.Connection {
	host, path := splitHostPath(canon)
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || (len(segments) == 1 && segments[0] == "") {
		return nil
	}
	for n := len(segments) - 1; n >= 1; n-- {
		prefix := host + "/" + strings.Join(segments[:n], "/")
		if conns := r.reg.ByPath(prefix); len(conns) > 0 {
			return conns
		}
	}
	return nil
}

func splitHostPath(canon string) (host, path string) {
	i := strings.IndexByte(canon, '/')
	if i < 0 {
		return canon, "/"
	}
	return canon[:i], canon[i:]
}

// Select picks the least-loaded candidate (ties broken by oldest
// connection first, stable under churn) and atomically registers
// requestID against it, retrying the next candidate if the chosen one
// reaches max_pending_per_connection between selection and registration.
// Returns an *apperr.Error of KindNoCapacity if every candidate is full.
func (r *Router) Select(candidates []*registry.Connection, requestID string, maxPending int) (*registry.Connection, error) {
	ordered := make([]*registry.Connection, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := ordered[i].PendingCount(), ordered[j].PendingCount()
		if pi != pj {
			return pi < pj
		}
		return ordered[i].Age() > ordered[j].Age() // older connection = larger Age
	})

	for _, conn := range ordered {
		if !conn.IsHealthy() {
			continue
		}
		if err := conn.AddPending(requestID, maxPending); err == nil {
			return conn, nil
		}
	}
	return nil, apperr.New(apperr.KindNoCapacity, "all %d candidate tunnels at capacity", len(candidates))
}
