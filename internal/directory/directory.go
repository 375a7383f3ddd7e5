// Package directory implements the service directory (the abstract,
// externally-backed DID -> service_url policy store queried at tunnel
// admission) and the router (live selection among healthy tunnels for an
// inbound HTTP request), per spec §4.3. Grounded on
// common/service_registry.py for the (did, service_url) entry shape and
// gateway/routing.py's PathRouter for longest-prefix matching, adapted
// from a path-only trie to the host+path canonical key spec §4.3 names.
package directory

import (
	"context"
	"strings"
	"sync"
)

// ServiceDirectory is the abstract, externally-backed policy store
// queried during DID-WBA admission (spec §4.6 step 5). The core never
// talks to a database directly — only through this interface.
type ServiceDirectory interface {
	// ServicesForDID returns the canonical service_url values a DID is
	// authorized to advertise. An empty result denies admission.
	ServicesForDID(ctx context.Context, did string) ([]string, error)
}

// StaticDirectory is an in-memory ServiceDirectory, suitable for tests
// and small deployments that don't need a database-backed policy store.
// Grounded on service_registry.py's did_proxy_path table, minus the
// database and its cache — here the whole map lives in memory already.
type StaticDirectory struct {
	mu    sync.RWMutex
	byDID map[string][]string
}

// NewStaticDirectory creates a StaticDirectory from a did -> service_urls
// map. The map is copied; callers may mutate their own copy afterward.
func NewStaticDirectory(entries map[string][]string) *StaticDirectory {
	d := &StaticDirectory{byDID: make(map[string][]string, len(entries))}
	for did, urls := range entries {
		cp := make([]string, len(urls))
		copy(cp, urls)
		d.byDID[did] = cp
	}
	return d
}

// ServicesForDID implements ServiceDirectory.
func (d *StaticDirectory) ServicesForDID(_ context.Context, did string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	urls := d.byDID[did]
	out := make([]string, len(urls))
	copy(out, urls)
	return out, nil
}

// Set replaces the service_url list for did, used by admin tooling or
// tests that need to provision a DID at runtime.
func (d *StaticDirectory) Set(did string, serviceURLs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]string, len(serviceURLs))
	copy(cp, serviceURLs)
	d.byDID[did] = cp
}

// Canonicalize computes the directory key spec §4.3 mandates:
// lower(host) + normalized_path, where normalized_path preserves its
// leading slash and has any trailing slash trimmed except for root.
// This is the sole authoritative rule — §9's Open Question notes the
// source doesn't always obey it, but implementations must.
func Canonicalize(host, path string) string {
	return strings.ToLower(host) + NormalizePath(path)
}

// NormalizePath ensures a leading slash and trims a trailing slash except
// on the root path. It does not strip a query or fragment; callers pass
// the path component alone.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	if len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	return path
}
