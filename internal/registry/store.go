package registry

import "sync"

// Store holds exactly one self registry and a list of zero or more peer
// registries (spec §3). mu guards only the peers slice — self has its own
// lock (registry.go) — so a slow peer append never blocks a DNS read of
// self, and vice versa.
type Store struct {
	self *Registry

	mu    sync.RWMutex
	peers []*Registry
}

// NewStore creates a Store around an already-constructed self registry.
func NewStore(self *Registry) *Store {
	return &Store{self: self}
}

// Self returns the self registry. It is never destroyed or reassigned
// during a process lifetime, so returning the pointer directly is safe.
func (s *Store) Self() *Registry {
	return s.self
}

// Peers returns a snapshot of the peer list. The caller may traverse the
// returned slice and every *Registry in it without holding any store lock
// — each Registry guards its own state.
func (s *Store) Peers() []*Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Registry, len(s.peers))
	copy(out, s.peers)
	return out
}

// Find returns the peer registry with the given hostname, if any.
func (s *Store) Find(hostname string) (*Registry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		if p.Hostname() == hostname {
			return p, true
		}
	}
	return nil, false
}

// AddPeer appends a new peer registry unless its hostname is already
// present, in which case it reports false and does nothing. O(n) in the
// number of existing peers — acceptable for the small peer counts this
// system targets (spec §9).
func (s *Store) AddPeer(r *Registry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p.Hostname() == r.Hostname() {
			return false
		}
	}
	s.peers = append(s.peers, r)
	return true
}
