// Package graph implements the module graph: the central registry of
// compiled modules and their directed dependency edges.
//
// The graph may contain cycles (circular imports are legal), so every
// traversal carries a visited set. Hash propagation is a fixed-point walk
// that only proceeds while hashes actually differ, which guarantees
// termination even across cycles.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veloframe/velo/internal/hash"
	"github.com/veloframe/velo/internal/types"
)

// DependencyResolver compiles a module through the resolver/loader/cache
// pipeline. Implemented by the build compiler; injected so the graph stays
// free of pipeline dependencies.
type DependencyResolver interface {
	Compile(ctx context.Context, specifier, referrer string, force bool) (*types.Module, error)
}

// Graph is the mapping from module id to Module, plus the two derived route
// tables indexing page and API modules by URL pattern.
type Graph struct {
	mu       sync.RWMutex
	modules  map[string]*types.Module
	bySource map[string]string // source URL -> module id
	watchers []chan types.ModuleEvent

	pageRoutes *RouteTable
	apiRoutes  *RouteTable
}

// New creates an empty module graph.
func New() *Graph {
	return &Graph{
		modules:    make(map[string]*types.Module),
		bySource:   make(map[string]string),
		pageRoutes: NewRouteTable(),
		apiRoutes:  NewRouteTable(),
	}
}

// PageRoutes returns the page route table.
func (g *Graph) PageRoutes() *RouteTable { return g.pageRoutes }

// APIRoutes returns the API route table.
func (g *Graph) APIRoutes() *RouteTable { return g.apiRoutes }

// Upsert inserts or replaces a module. Replacement preserves referential
// identity: the existing Module struct is mutated in place so other holders
// of the pointer observe the update. Two different source URLs normalizing to
// the same id is a hard error.
func (g *Graph) Upsert(m *types.Module) (*types.Module, error) {
	g.mu.Lock()

	existing, ok := g.modules[m.ID]
	if ok && existing.SourceURL != m.SourceURL {
		g.mu.Unlock()
		return nil, fmt.Errorf("module id collision: %s claimed by both %s and %s",
			m.ID, existing.SourceURL, m.SourceURL)
	}

	eventType := types.EventTypeAdded
	canonical := m
	if ok {
		eventType = types.EventTypeUpdated
		*existing = *m
		canonical = existing
	} else {
		g.modules[m.ID] = m
	}
	g.bySource[m.SourceURL] = m.ID

	event := types.ModuleEvent{
		Type:      eventType,
		ModuleID:  canonical.ID,
		Hash:      canonical.OutputHash,
		Timestamp: time.Now(),
	}
	watchers := g.watchers
	g.mu.Unlock()

	g.notify(watchers, event)
	return canonical, nil
}

// Get retrieves a module by id.
func (g *Graph) Get(id string) (*types.Module, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.modules[id]
	return m, ok
}

// GetByURL retrieves a module by its source URL.
func (g *Graph) GetByURL(sourceURL string) (*types.Module, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.bySource[sourceURL]
	if !ok {
		return nil, false
	}
	m, ok := g.modules[id]
	return m, ok
}

// Modules returns a snapshot of all registered modules.
func (g *Graph) Modules() []*types.Module {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*types.Module, 0, len(g.modules))
	for _, m := range g.modules {
		out = append(out, m)
	}
	return out
}

// Count returns the number of registered modules.
func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.modules)
}

// Remove deletes a module and notifies watchers.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	m, ok := g.modules[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.modules, id)
	delete(g.bySource, m.SourceURL)
	event := types.ModuleEvent{
		Type:      types.EventTypeRemoved,
		ModuleID:  id,
		Timestamp: time.Now(),
	}
	watchers := g.watchers
	g.mu.Unlock()

	g.notify(watchers, event)
}

// ResolveDependency returns the module an edge points at, compiling it
// through the pipeline if it is not already tracked. External and style/data
// pseudo-edges are never resolved as modules.
func (g *Graph) ResolveDependency(ctx context.Context, edge types.DependencyEdge, r DependencyResolver) (*types.Module, error) {
	if edge.IsExternal || edge.IsStyleData {
		return nil, fmt.Errorf("edge %s is not a resolvable module", edge.TargetURL)
	}
	if m, ok := g.GetByURL(edge.TargetURL); ok {
		return m, nil
	}
	return r.Compile(ctx, edge.TargetURL, "", false)
}

// TransitiveDeps returns the ordered dependency closure of a module,
// deduplicated by target URL. Traversal is depth-first and cycle-safe: a
// module already visited in this call is not descended into again. External
// and style/data pseudo-edges are reported but never followed.
func (g *Graph) TransitiveDeps(id string) []types.DependencyEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []types.DependencyEdge
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	g.collectDeps(id, seen, visited, &out)
	return out
}

func (g *Graph) collectDeps(id string, seen, visited map[string]bool, out *[]types.DependencyEdge) {
	if visited[id] {
		return
	}
	visited[id] = true

	m, ok := g.modules[id]
	if !ok {
		return
	}
	for _, edge := range m.Deps {
		if !seen[edge.TargetURL] {
			seen[edge.TargetURL] = true
			*out = append(*out, edge)
		}
		if edge.IsExternal || edge.IsStyleData {
			continue
		}
		if targetID, ok := g.bySource[edge.TargetURL]; ok {
			g.collectDeps(targetID, seen, visited, out)
		}
	}
}

// Dependents returns the modules holding an edge on the given source URL.
func (g *Graph) Dependents(sourceURL string) []*types.Module {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*types.Module
	for _, m := range g.modules {
		for _, edge := range m.Deps {
			if edge.TargetURL == sourceURL {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// PropagateHash pushes a module's new output hash to every dependent. For
// each stale edge it rewrites the edge hash, patches the hashed import
// specifier embedded in the dependent's compiled text, recomputes the
// dependent's output hash, and recurses upward. A per-call visited set keeps
// the walk cycle-safe: each module is rewritten and returned at most once,
// and propagation only proceeds where a hash actually differs.
//
// It returns every module whose output hash changed, dependents before their
// own dependents, for the caller to persist and announce.
func (g *Graph) PropagateHash(id, newHash string) []*types.Module {
	g.mu.Lock()
	defer g.mu.Unlock()

	origin, ok := g.modules[id]
	if !ok {
		return nil
	}
	origin.OutputHash = newHash

	visited := map[string]bool{origin.ID: true}
	var updated []*types.Module
	g.propagate(origin.SourceURL, newHash, visited, &updated)
	return updated
}

func (g *Graph) propagate(sourceURL, newHash string, visited map[string]bool, updated *[]*types.Module) {
	for _, m := range g.modules {
		if visited[m.ID] {
			continue
		}
		changed := false
		for i := range m.Deps {
			edge := &m.Deps[i]
			if edge.TargetURL != sourceURL || edge.TargetHash == newHash {
				continue
			}
			m.CompiledText = RewriteHashSuffix(m.CompiledText, hash.Short(edge.TargetHash), hash.Short(newHash))
			edge.TargetHash = newHash
			changed = true
		}
		if !changed {
			continue
		}
		next := hash.Text(m.CompiledText)
		if next == m.OutputHash {
			continue
		}
		m.OutputHash = next
		visited[m.ID] = true
		*updated = append(*updated, m)
		g.propagate(m.SourceURL, next, visited, updated)
	}
}

// Watch returns a channel that receives module events.
func (g *Graph) Watch() <-chan types.ModuleEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan types.ModuleEvent, 100)
	g.watchers = append(g.watchers, ch)
	return ch
}

// UnWatch removes a watcher channel and closes it.
func (g *Graph) UnWatch(ch <-chan types.ModuleEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.watchers {
		if w == ch {
			close(w)
			g.watchers = append(g.watchers[:i], g.watchers[i+1:]...)
			break
		}
	}
}

func (g *Graph) notify(watchers []chan types.ModuleEvent, event types.ModuleEvent) {
	for _, w := range watchers {
		select {
		case w <- event:
		default:
			// Skip if channel is full
		}
	}
}
