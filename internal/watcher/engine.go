package watcher

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/veloframe/velo/internal/cache"
	"github.com/veloframe/velo/internal/config"
	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/graph"
	"github.com/veloframe/velo/internal/logging"
	"github.com/veloframe/velo/internal/plugins"
	"github.com/veloframe/velo/internal/renderer"
	"github.com/veloframe/velo/internal/resolver"
	"github.com/veloframe/velo/internal/types"
)

// Engine maps filesystem changes to module identities, recompiles what is
// affected, and invalidates route tables, the render cache, and anything
// downstream of the module graph. Irrelevant paths are discarded without
// touching the graph.
type Engine struct {
	cfg         *config.Config
	graph       *graph.Graph
	resolver    *resolver.Resolver
	compiler    graph.DependencyResolver
	plugins     *plugins.Registry
	renderCache *renderer.Cache
	store       *cache.Store
	collector   *veloerrors.Collector
	hasher      *cache.FileHasher
	debouncer   *Debouncer
	log         logging.Logger

	// onEntryStale fires when the application entry module must be
	// regenerated because its embedded route manifest may have changed.
	onEntryStale func(ctx context.Context)
}

// EngineOptions configures an invalidation engine.
type EngineOptions struct {
	Config      *config.Config
	Graph       *graph.Graph
	Resolver    *resolver.Resolver
	Compiler    graph.DependencyResolver
	Plugins     *plugins.Registry
	RenderCache *renderer.Cache
	Store       *cache.Store
	Collector   *veloerrors.Collector
	Logger      logging.Logger

	// OnEntryStale is invoked after a page or top-level module change.
	OnEntryStale func(ctx context.Context)
}

// NewEngine creates an invalidation engine.
func NewEngine(opts EngineOptions) *Engine {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	e := &Engine{
		cfg:          opts.Config,
		graph:        opts.Graph,
		resolver:     opts.Resolver,
		compiler:     opts.Compiler,
		plugins:      opts.Plugins,
		renderCache:  opts.RenderCache,
		store:        opts.Store,
		collector:    opts.Collector,
		hasher:       cache.NewFileHasher(),
		log:          log.WithComponent("invalidation"),
		onEntryStale: opts.OnEntryStale,
	}
	delay := time.Duration(opts.Config.Watch.DebounceMs) * time.Millisecond
	e.debouncer = NewDebouncer(delay, func(key string, event ChangeEvent) {
		e.process(context.Background(), key, event)
	})
	return e
}

// Debouncer exposes the timer table, mainly for shutdown.
func (e *Engine) Debouncer() *Debouncer { return e.debouncer }

// HandleChange classifies a raw change event and schedules recompilation for
// relevant modules. Bursts for the same module id collapse into one firing.
func (e *Engine) HandleChange(event ChangeEvent) {
	specifier, ok := e.specifierFor(event.Path)
	if !ok {
		return
	}
	if !e.isRelevant(specifier) {
		e.log.Debug(context.Background(), "ignoring irrelevant change", "path", specifier)
		return
	}

	key := specifier
	if res, err := e.resolver.Resolve(specifier, ""); err == nil {
		key = res.ID
	}
	e.debouncer.Schedule(key, event)
}

// specifierFor converts an absolute filesystem path into a root-relative
// specifier. Paths outside the source tree or under build output directories
// are discarded.
func (e *Engine) specifierFor(p string) (string, bool) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	for _, dir := range []string{e.cfg.CacheDir(), e.cfg.OutDir()} {
		if strings.HasPrefix(abs, filepath.Clean(dir)+string(os.PathSeparator)) {
			return "", false
		}
	}
	srcRoot := filepath.Join(e.cfg.RootDir, e.cfg.SrcDir)
	rel, err := filepath.Rel(srcRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return "/" + filepath.ToSlash(rel), true
}

// isRelevant reports whether a specifier can affect any tracked module: API
// routes, top-level custom pages, anything under the pages tree, a tracked
// dependency, or a file claimed by a plugin.
func (e *Engine) isRelevant(specifier string) bool {
	if strings.HasPrefix(specifier, "/pages/") {
		return true
	}
	if isTopLevelModule(specifier) {
		return true
	}
	if _, ok := e.graph.GetByURL(specifier); ok {
		return true
	}
	if len(e.graph.Dependents(specifier)) > 0 {
		return true
	}
	if e.plugins != nil && e.plugins.Match(specifier) {
		return true
	}
	return false
}

// isTopLevelModule reports whether a specifier names one of the custom
// top-level modules: app, 404 or loading at the source root.
func isTopLevelModule(specifier string) bool {
	dir, file := path.Split(specifier)
	if dir != "/" {
		return false
	}
	base := strings.TrimSuffix(file, path.Ext(file))
	return base == "app" || base == "404" || base == "loading"
}

func isAPIModule(specifier string) bool {
	return strings.HasPrefix(specifier, "/pages/api/")
}

// process runs after the debounce window closes: it recompiles or removes the
// module and pushes the change through route tables, the render cache, the
// graph and watch listeners.
func (e *Engine) process(ctx context.Context, key string, event ChangeEvent) {
	specifier, ok := e.specifierFor(event.Path)
	if !ok {
		return
	}

	if _, err := os.Stat(event.Path); err != nil {
		e.handleRemoval(ctx, specifier)
		return
	}

	if isAPIModule(specifier) {
		e.rehashAPIModule(ctx, specifier, event.Path)
		return
	}

	e.recompile(ctx, key, specifier)
}

// recompile forces the module through the pipeline, bypassing the cache-hit
// fast path, then updates its route entry, drops its render-cache entries and
// propagates the hash change to dependents.
func (e *Engine) recompile(ctx context.Context, key, specifier string) {
	m, err := e.compiler.Compile(ctx, specifier, "", true)
	if err != nil {
		// The watch loop survives any bad edit.
		e.log.Error(ctx, err, "recompilation failed", "module", specifier)
		if e.collector != nil {
			e.collector.Add(veloerrors.BuildError{
				ModuleID:  key,
				File:      specifier,
				Message:   err.Error(),
				Timestamp: time.Now(),
			})
		}
		return
	}
	if e.collector != nil {
		e.collector.ClearModule(m.ID)
	}

	e.refreshRoute(m.ID, m.OutputHash)

	updated := e.graph.PropagateHash(m.ID, m.OutputHash)
	for _, dep := range updated {
		e.refreshRoute(dep.ID, dep.OutputHash)
		e.persist(ctx, dep)
		// Re-upserting the mutated module emits the modify event HMR
		// clients key their re-fetch on.
		if _, err := e.graph.Upsert(dep); err != nil {
			e.log.Error(ctx, err, "failed to publish propagated update", "module", dep.ID)
		}
	}

	if e.affectsEntry(m.SourceURL) && e.onEntryStale != nil {
		e.onEntryStale(ctx)
	}
}

// rehashAPIModule recomputes only the module's hash. API modules are invoked
// directly per-request rather than graph-linked, so no propagation or render
// cache is involved.
func (e *Engine) rehashAPIModule(ctx context.Context, specifier, fsPath string) {
	m, ok := e.graph.GetByURL(specifier)
	if !ok {
		// A new API route still goes through full compilation once.
		e.recompile(ctx, specifier, specifier)
		return
	}

	h, err := e.hasher.Hash(fsPath)
	if err != nil {
		e.log.Error(ctx, err, "failed to rehash api module", "module", specifier)
		return
	}
	if h == m.SourceHash {
		return
	}
	m.SourceHash = h
	m.OutputHash = h
	if entry, ok := e.graph.APIRoutes().GetByModule(m.ID); ok {
		entry.OutputHash = h
	}
	if _, err := e.graph.Upsert(m); err != nil {
		e.log.Error(ctx, err, "failed to publish api rehash", "module", m.ID)
	}
}

// handleRemoval drops a deleted module from the graph, its route tables and
// the render cache, and notifies listeners with a remove event.
func (e *Engine) handleRemoval(ctx context.Context, specifier string) {
	m, ok := e.graph.GetByURL(specifier)
	if !ok {
		return
	}

	if route, ok := e.graph.PageRoutes().RemoveByModule(m.ID); ok {
		e.renderCache.InvalidateRoute(route)
	}
	e.graph.APIRoutes().RemoveByModule(m.ID)

	if e.store != nil {
		if res, err := e.resolver.Resolve(specifier, ""); err == nil {
			e.store.Remove(ctx, res.CachePath)
		}
	}

	e.graph.Remove(m.ID)
	e.log.Info(ctx, "module removed", "module", m.ID)

	if e.affectsEntry(specifier) && e.onEntryStale != nil {
		e.onEntryStale(ctx)
	}
}

// refreshRoute updates the owning page route entry's hash and invalidates the
// route's cached renders.
func (e *Engine) refreshRoute(moduleID, outputHash string) {
	entry, ok := e.graph.PageRoutes().GetByModule(moduleID)
	if !ok {
		return
	}
	entry.OutputHash = outputHash
	e.renderCache.InvalidateRoute(entry.Path)
}

// persist rewrites the on-disk artifact for a module whose compiled text was
// patched during hash propagation.
func (e *Engine) persist(ctx context.Context, m *types.Module) {
	if e.store == nil || m.IsRemote {
		return
	}
	res, err := e.resolver.Resolve(m.SourceURL, "")
	if err != nil {
		return
	}
	err = e.store.Put(ctx, res.CachePath, m.IsRemote, &cache.Artifact{
		SourceURL:    m.SourceURL,
		SourceHash:   m.SourceHash,
		OutputHash:   m.OutputHash,
		Deps:         m.Deps,
		CompiledText: m.CompiledText,
		SourceMap:    m.SourceMap,
	})
	if err != nil {
		e.log.Error(ctx, err, "failed to persist propagated artifact", "module", m.ID)
	}
}

// affectsEntry reports whether a change to the source URL requires the entry
// module's embedded route manifest to be regenerated.
func (e *Engine) affectsEntry(sourceURL string) bool {
	if isAPIModule(sourceURL) {
		return false
	}
	return strings.HasPrefix(sourceURL, "/pages/") || isTopLevelModule(sourceURL)
}
