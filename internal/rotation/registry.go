// Package rotation distributes outbound calls across per-domain pools of
// upstream gateway endpoints: round-robin selection with a randomized phase,
// target URL rewriting, and a retrying dispatcher with adaptive timeouts.
package rotation

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// Endpoint is one gateway in a domain's pool. APIKey authenticates to that
// gateway only and is never forwarded to the origin.
type Endpoint struct {
	BaseURL string `json:"url"`
	APIKey  string `json:"api_key"`
}

// ParseEndpoints decodes the JSON endpoint map keyed by target domain:
//
//	{"api.example.com": [{"url": "https://gw1.example.net/prod", "api_key": "k1"}, ...]}
//
// Domain keys are lowercased and base URLs lose any trailing slash so the
// rewriter can concatenate paths directly.
func ParseEndpoints(raw string) (map[string][]Endpoint, error) {
	pools := make(map[string][]Endpoint)
	if strings.TrimSpace(raw) == "" {
		return pools, nil
	}
	var decoded map[string][]Endpoint
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode endpoint map: %w", err)
	}
	for domain, endpoints := range decoded {
		key := strings.ToLower(strings.TrimSpace(domain))
		if key == "" {
			return nil, fmt.Errorf("endpoint map contains an empty domain key")
		}
		cleaned := make([]Endpoint, 0, len(endpoints))
		for i, ep := range endpoints {
			base := strings.TrimRight(strings.TrimSpace(ep.BaseURL), "/")
			if base == "" {
				return nil, fmt.Errorf("endpoint %d for %s has an empty url", i, key)
			}
			cleaned = append(cleaned, Endpoint{BaseURL: base, APIKey: ep.APIKey})
		}
		pools[key] = cleaned
	}
	return pools, nil
}

// Registry holds the per-domain endpoint pools and their rotation cursors.
// Cursors are created lazily with a random phase so parallel deployments do
// not all hammer endpoint zero, and advance under a lock so rotation stays
// strictly round-robin within one process.
type Registry struct {
	mu      sync.Mutex
	pools   map[string][]Endpoint
	cursors map[string]int
	seed    func(n int) int
}

// NewRegistry builds a registry over the parsed endpoint pools.
func NewRegistry(pools map[string][]Endpoint) *Registry {
	owned := make(map[string][]Endpoint, len(pools))
	for domain, endpoints := range pools {
		owned[strings.ToLower(domain)] = append([]Endpoint(nil), endpoints...)
	}
	return &Registry{
		pools:   owned,
		cursors: make(map[string]int),
		seed:    rand.IntN,
	}
}

// Next returns the next endpoint for domain in round-robin order, seeding
// the domain's cursor with a random offset on first use. ok is false when
// the domain is unregistered or its pool is empty.
func (r *Registry) Next(domain string) (Endpoint, bool) {
	key := normalizeDomain(domain)

	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.pools[key]
	if len(pool) == 0 {
		return Endpoint{}, false
	}
	cursor, seeded := r.cursors[key]
	if !seeded {
		cursor = r.seed(len(pool))
	}
	r.cursors[key] = cursor + 1
	return pool[cursor%len(pool)], true
}

// PoolSize reports how many endpoints are registered for domain.
func (r *Registry) PoolSize(domain string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools[normalizeDomain(domain)])
}

// Domains lists the registered domains, mainly for startup logging.
func (r *Registry) Domains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	domains := make([]string, 0, len(r.pools))
	for domain := range r.pools {
		domains = append(domains, domain)
	}
	return domains
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
