package graph

import (
	"path"
	"sort"
	"strings"
	"sync"
)

// RouteEntry indexes one page or API module by its URL pattern.
type RouteEntry struct {
	// Path is the URL pattern, e.g. "/about" or "/blog/[slug]".
	Path string `json:"path"`
	// ModuleID is the graph key of the backing module.
	ModuleID string `json:"moduleId"`
	// OutputHash mirrors the module's current output hash for the manifest.
	OutputHash string `json:"outputHash"`
	// StyleDataDeps lists the module's style/data pseudo-dependency markers.
	StyleDataDeps []string `json:"styleOrDataDeps,omitempty"`
}

// RouteTable maps URL patterns to route entries, with a secondary index by
// module id so watch events can find the owning route.
type RouteTable struct {
	mu       sync.RWMutex
	entries  map[string]*RouteEntry
	byModule map[string]string
}

// NewRouteTable creates an empty route table.
func NewRouteTable() *RouteTable {
	return &RouteTable{
		entries:  make(map[string]*RouteEntry),
		byModule: make(map[string]string),
	}
}

// Set inserts or replaces the entry for its path.
func (t *RouteTable) Set(entry *RouteEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[entry.Path]; ok {
		delete(t.byModule, old.ModuleID)
	}
	t.entries[entry.Path] = entry
	t.byModule[entry.ModuleID] = entry.Path
}

// Get returns the entry for a URL pattern.
func (t *RouteTable) Get(routePath string) (*RouteEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[routePath]
	return e, ok
}

// GetByModule returns the entry owned by a module id.
func (t *RouteTable) GetByModule(moduleID string) (*RouteEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byModule[moduleID]
	if !ok {
		return nil, false
	}
	e, ok := t.entries[p]
	return e, ok
}

// Remove deletes the entry for a URL pattern.
func (t *RouteTable) Remove(routePath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[routePath]; ok {
		delete(t.byModule, e.ModuleID)
		delete(t.entries, routePath)
	}
}

// RemoveByModule deletes the entry owned by a module id and returns its path.
func (t *RouteTable) RemoveByModule(moduleID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byModule[moduleID]
	if !ok {
		return "", false
	}
	delete(t.byModule, moduleID)
	delete(t.entries, p)
	return p, true
}

// All returns the entries sorted by path.
func (t *RouteTable) All() []*RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*RouteEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len returns the number of entries.
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// RoutePath derives the URL pattern for a source file under the pages tree.
// "/pages/index.tsx" becomes "/", "/pages/docs/intro.md" becomes
// "/docs/intro". API files map under "/api".
func RoutePath(pageURL string) string {
	p := strings.TrimPrefix(pageURL, "/pages")
	p = strings.TrimSuffix(p, path.Ext(p))
	p = strings.TrimSuffix(p, "/index")
	if p == "" {
		return "/"
	}
	return p
}
