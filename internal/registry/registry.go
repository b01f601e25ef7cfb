// Package registry holds the self and peer registries shared by the
// harvester, the peer exchanger, the HTTP API, and the DNS resolver.
package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Registry is a single node's identity plus its advertised service sets.
// Hostname and URL are set at construction and never mutated afterward;
// the service sets are guarded by mu so readers (DNS lookups, HTTP GETs)
// never observe a partially-cleared or partially-populated set.
type Registry struct {
	hostname string
	url      *url.URL

	mu      sync.RWMutex
	public  map[string]struct{}
	private map[string]struct{}
}

// New constructs a Registry from an already-known hostname and a base URL
// string for reaching its HTTP API.
func New(hostname, rawURL string) (*Registry, error) {
	if hostname == "" {
		return nil, fmt.Errorf("registry: hostname must not be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("registry: parsing url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("registry: url %q has no host", rawURL)
	}
	return &Registry{
		hostname: hostname,
		url:      u,
		public:   make(map[string]struct{}),
		private:  make(map[string]struct{}),
	}, nil
}

// Parse builds a Registry from a bare URL string, deriving hostname from
// the URL's host component. Used to register an unknown peer that
// self-registers via PUT (spec §4.6).
func Parse(rawURL string) (*Registry, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("registry: parsing url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("registry: url %q has no host", rawURL)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return nil, fmt.Errorf("registry: url %q has no hostname", rawURL)
	}
	return &Registry{
		hostname: hostname,
		url:      u,
		public:   make(map[string]struct{}),
		private:  make(map[string]struct{}),
	}, nil
}

// Hostname returns the registry's DNS name.
func (r *Registry) Hostname() string {
	return r.hostname
}

// URL returns the registry's base HTTP API URL.
func (r *Registry) URL() *url.URL {
	return r.url
}

// PublicServices returns a sorted snapshot of the public service set.
func (r *Registry) PublicServices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.public)
}

// PrivateServices returns a sorted snapshot of the private service set.
func (r *Registry) PrivateServices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.private)
}

// HasPublic reports whether service is in the public set.
func (r *Registry) HasPublic(service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.public[service]
	return ok
}

// HasPrivate reports whether service is in the private set.
func (r *Registry) HasPrivate(service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.private[service]
	return ok
}

// AddPublic adds service to the public set.
func (r *Registry) AddPublic(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.public[service] = struct{}{}
}

// AddPrivate adds service to the private set.
func (r *Registry) AddPrivate(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.private[service] = struct{}{}
}

// ClearPublic empties the public set.
func (r *Registry) ClearPublic() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.public = make(map[string]struct{})
}

// ClearPrivate empties the private set.
func (r *Registry) ClearPrivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.private = make(map[string]struct{})
}

// ReplacePublic swaps the public set atomically. Used by the peer
// exchanger on a successful pull and by the HTTP API on a successful push.
func (r *Registry) ReplacePublic(services []string) {
	next := make(map[string]struct{}, len(services))
	for _, s := range services {
		next[s] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.public = next
}

// ReplacePrivate swaps the private set atomically. Used by the harvester so
// a re-harvest never exposes a reader to an empty or partially-rebuilt set
// (spec §5).
func (r *Registry) ReplacePrivate(services []string) {
	next := make(map[string]struct{}, len(services))
	for _, s := range services {
		next[s] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.private = next
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// jsonRegistry is the wire representation: {hostname, url, public_services,
// private_services}, per spec §4.1.
type jsonRegistry struct {
	Hostname        string   `json:"hostname"`
	URL             string   `json:"url"`
	PublicServices  []string `json:"public_services"`
	PrivateServices []string `json:"private_services"`
}

// MarshalJSON encodes the registry per spec §4.1.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonRegistry{
		Hostname:        r.Hostname(),
		URL:             r.url.String(),
		PublicServices:  r.PublicServices(),
		PrivateServices: r.PrivateServices(),
	})
}

// UnmarshalJSON decodes the registry per spec §4.1.
func (r *Registry) UnmarshalJSON(data []byte) error {
	var jr jsonRegistry
	if err := json.Unmarshal(data, &jr); err != nil {
		return fmt.Errorf("registry: decoding json: %w", err)
	}
	if strings.TrimSpace(jr.Hostname) == "" {
		return fmt.Errorf("registry: json has empty hostname")
	}
	u, err := url.Parse(jr.URL)
	if err != nil {
		return fmt.Errorf("registry: decoding url %q: %w", jr.URL, err)
	}
	r.hostname = jr.Hostname
	r.url = u
	r.public = make(map[string]struct{}, len(jr.PublicServices))
	for _, s := range jr.PublicServices {
		r.public[s] = struct{}{}
	}
	r.private = make(map[string]struct{}, len(jr.PrivateServices))
	for _, s := range jr.PrivateServices {
		r.private[s] = struct{}{}
	}
	return nil
}
