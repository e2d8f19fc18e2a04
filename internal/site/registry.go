// Package site resolves the tenant context a batch pass runs under.
package site

import (
	"strings"
	"sync"

	"wakeworker/internal/contact"
)

// DefaultOperational is the site batch passes look up when none is configured.
const DefaultOperational = "analytics_operations"

// Fallback is used when no sites are configured at all.
var Fallback = contact.Site{Name: "default"}

// Registry holds configured sites. It is safe for concurrent use and can be
// replaced wholesale on config reload.
type Registry struct {
	mu    sync.RWMutex
	order []string
	sites map[string]contact.Site
}

func NewRegistry(sites []contact.Site) *Registry {
	r := &Registry{}
	r.Replace(sites)
	return r
}

// Replace swaps the configured sites. Names are matched case-insensitively.
// Later duplicates are ignored.
func (r *Registry) Replace(sites []contact.Site) {
	order := make([]string, 0, len(sites))
	m := make(map[string]contact.Site, len(sites))
	for _, s := range sites {
		k := key(s.Name)
		if k == "" {
			continue
		}
		if _, dup := m[k]; dup {
			continue
		}
		m[k] = s
		order = append(order, k)
	}
	r.mu.Lock()
	r.order, r.sites = order, m
	r.mu.Unlock()
}

func (r *Registry) Resolve(name string) (contact.Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[key(name)]
	return s, ok
}

// Current is the first configured site, or Fallback.
func (r *Registry) Current() contact.Site {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return Fallback
	}
	return r.sites[r.order[0]]
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
