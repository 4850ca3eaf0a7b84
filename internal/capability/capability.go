// Package capability holds the per-peer capability sets used for
// capability-based routing, generalizing the teacher's mesh.Tracker
// per-node map bookkeeping (internal/mesh/tracker.go) from storage
// capacity to capability strings.
package capability

import (
	"sort"
	"strings"
	"sync"
)

// Registry maps deviceId -> set of capability strings, e.g.
// "channel:telegram", "skill:weather", "sensor:temperature:kitchen".
type Registry struct {
	mu   sync.RWMutex
	caps map[string]map[string]struct{}
}

// NewRegistry builds an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]map[string]struct{})}
}

// UpdatePeer replaces deviceId's entire capability set wholesale.
func (r *Registry) UpdatePeer(deviceID string, capabilities []string) {
	set := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		set[c] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[deviceID] = set
}

// RemovePeer clears a peer's capability set entirely, called on session
// end.
func (r *Registry) RemovePeer(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps, deviceID)
}

// FindPeerWithChannel returns one connected deviceId advertising
// "channel:<name>", with a stable ascending-deviceId tie-break.
func (r *Registry) FindPeerWithChannel(name string) (string, bool) {
	return r.findPeerWith("channel:" + name)
}

// FindPeerWithSkill returns one connected deviceId advertising
// "skill:<name>", with a stable ascending-deviceId tie-break.
func (r *Registry) FindPeerWithSkill(name string) (string, bool) {
	return r.findPeerWith("skill:" + name)
}

func (r *Registry) findPeerWith(capability string) (string, bool) {
	matches := r.FindPeersWithCapability(capability)
	if len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// FindPeersWithCapability returns every connected deviceId advertising the
// literal capability string, sorted ascending by deviceId. Capability
// strings match literally: no wildcards, no type coercion between
// "skill:x" and "channel:x".
func (r *Registry) FindPeersWithCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []string
	for deviceID, set := range r.caps {
		if _, ok := set[capability]; ok {
			matches = append(matches, deviceID)
		}
	}
	sort.Strings(matches)
	return matches
}

// Route is the outcome of ResolveRoute.
type Route struct {
	Kind         RouteKind
	PeerDeviceID string // set only when Kind == RouteMesh
}

// RouteKind enumerates where a channel should be dispatched.
type RouteKind string

const (
	RouteLocal       RouteKind = "local"
	RouteMesh        RouteKind = "mesh"
	RouteUnavailable RouteKind = "unavailable"
)

// ResolveRoute decides whether a named channel should be handled locally,
// forwarded to a mesh peer, or is unavailable. Local availability always
// wins over mesh (local-first); among mesh candidates the tie-break is
// ascending deviceId, stable across identical registry snapshots.
func ResolveRoute(channel string, registry *Registry, localCapabilities []string) Route {
	want := "channel:" + channel
	for _, c := range localCapabilities {
		if c == want {
			return Route{Kind: RouteLocal}
		}
	}

	if peer, ok := registry.FindPeerWithChannel(channel); ok {
		return Route{Kind: RouteMesh, PeerDeviceID: peer}
	}

	return Route{Kind: RouteUnavailable}
}

// ParseCapability splits a "type:name[:scope]" string into its type and the
// remainder, returning ok=false if it has no colon at all.
func ParseCapability(s string) (capType, rest string, ok bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
