package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloframe/velo/internal/config"
	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/graph"
	"github.com/veloframe/velo/internal/hash"
	"github.com/veloframe/velo/internal/renderer"
	"github.com/veloframe/velo/internal/resolver"
	"github.com/veloframe/velo/internal/types"
)

// fakeCompiler records compile requests and registers canned modules in the
// graph the way the real pipeline does.
type fakeCompiler struct {
	mu      sync.Mutex
	g       *graph.Graph
	results map[string]*types.Module
	failFor map[string]error
	calls   []string
	forced  []bool
}

func newFakeCompiler(g *graph.Graph) *fakeCompiler {
	return &fakeCompiler{
		g:       g,
		results: make(map[string]*types.Module),
		failFor: make(map[string]error),
	}
}

func (f *fakeCompiler) Compile(_ context.Context, specifier, _ string, force bool) (*types.Module, error) {
	f.mu.Lock()
	f.calls = append(f.calls, specifier)
	f.forced = append(f.forced, force)
	err := f.failFor[specifier]
	m := f.results[specifier]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("no canned result for %s", specifier)
	}
	return f.g.Upsert(m)
}

func (f *fakeCompiler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type engineFixture struct {
	cfg         *config.Config
	graph       *graph.Graph
	compiler    *fakeCompiler
	renderCache *renderer.Cache
	collector   *veloerrors.Collector
	engine      *Engine
	entryStale  chan struct{}
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pages", "api"), 0o755))

	cfg := &config.Config{
		RootDir:   root,
		SrcDir:    ".",
		OutputDir: "dist",
		Build:     config.BuildConfig{CacheDir: ".velo"},
		Watch:     config.WatchConfig{DebounceMs: 10},
	}

	g := graph.New()
	fx := &engineFixture{
		cfg:         cfg,
		graph:       g,
		compiler:    newFakeCompiler(g),
		renderCache: renderer.NewCache(nil),
		collector:   veloerrors.NewCollector(),
		entryStale:  make(chan struct{}, 8),
	}
	fx.engine = NewEngine(EngineOptions{
		Config:      cfg,
		Graph:       g,
		Resolver:    resolver.New(nil, nil),
		Compiler:    fx.compiler,
		RenderCache: fx.renderCache,
		Collector:   fx.collector,
		OnEntryStale: func(context.Context) {
			select {
			case fx.entryStale <- struct{}{}:
			default:
			}
		},
	})
	t.Cleanup(fx.engine.Debouncer().Stop)
	return fx
}

func (fx *engineFixture) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(fx.cfg.RootDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// register seeds the graph with a compiled module plus an optional page route.
func (fx *engineFixture) register(t *testing.T, m *types.Module, route string) {
	t.Helper()
	_, err := fx.graph.Upsert(m)
	require.NoError(t, err)
	if route != "" {
		fx.graph.PageRoutes().Set(&graph.RouteEntry{
			Path:       route,
			ModuleID:   m.ID,
			OutputHash: m.OutputHash,
		})
	}
}

func pageModule(id, sourceURL, text string, deps ...types.DependencyEdge) *types.Module {
	return &types.Module{
		ID:           id,
		SourceURL:    sourceURL,
		Loader:       types.LoaderScript,
		SourceHash:   hash.Text(sourceURL),
		OutputHash:   hash.Text(text),
		CompiledText: text,
		Deps:         deps,
	}
}

func TestEngine_IgnoresIrrelevantPaths(t *testing.T) {
	fx := newEngineFixture(t)
	p := fx.write(t, "README.md", "# project")

	fx.engine.HandleChange(ChangeEvent{Type: EventTypeModified, Path: p})
	assert.Equal(t, 0, fx.engine.Debouncer().Pending())
	assert.Equal(t, 0, fx.compiler.callCount())
}

func TestEngine_IgnoresBuildOutputDirs(t *testing.T) {
	fx := newEngineFixture(t)
	p := fx.write(t, ".velo/pages/index.11223344.js", "compiled")

	fx.engine.HandleChange(ChangeEvent{Type: EventTypeModified, Path: p})
	assert.Equal(t, 0, fx.engine.Debouncer().Pending())
}

func TestEngine_BurstCollapsesToOneRecompile(t *testing.T) {
	fx := newEngineFixture(t)
	p := fx.write(t, "pages/index.tsx", "export default () => null")
	fx.compiler.results["/pages/index.tsx"] = pageModule("/pages/index.js", "/pages/index.tsx", "v2")

	for i := 0; i < 6; i++ {
		fx.engine.HandleChange(ChangeEvent{Type: EventTypeModified, Path: p})
	}

	require.Eventually(t, func() bool {
		return fx.compiler.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fx.compiler.callCount())
	assert.True(t, fx.compiler.forced[0], "watch recompiles bypass the cache-hit fast path")
}

func TestEngine_RecompileRefreshesRouteAndDropsRenderCache(t *testing.T) {
	fx := newEngineFixture(t)
	p := fx.write(t, "pages/about.tsx", "export default () => null")

	old := pageModule("/pages/about.js", "/pages/about.tsx", "v1")
	fx.register(t, old, "/about")
	fx.renderCache.Put("/about", "", &renderer.Result{HTML: "stale"})
	fx.renderCache.Put("/", "", &renderer.Result{HTML: "fresh"})

	fresh := pageModule("/pages/about.js", "/pages/about.tsx", "v2")
	fx.compiler.results["/pages/about.tsx"] = fresh

	fx.engine.HandleChange(ChangeEvent{Type: EventTypeModified, Path: p})

	require.Eventually(t, func() bool {
		entry, ok := fx.graph.PageRoutes().Get("/about")
		return ok && entry.OutputHash == fresh.OutputHash
	}, time.Second, 5*time.Millisecond)

	_, ok := fx.renderCache.Get("/about", "")
	assert.False(t, ok, "changed route's render cache must drop")
	_, ok = fx.renderCache.Get("/", "")
	assert.True(t, ok, "unrelated route's render cache must survive")

	select {
	case <-fx.entryStale:
	case <-time.After(time.Second):
		t.Fatal("page change must mark the entry module stale")
	}
}

func TestEngine_StylesheetChangePropagatesToPage(t *testing.T) {
	fx := newEngineFixture(t)
	p := fx.write(t, "style/app.css", "body{color:blue}")

	style := pageModule("/style/app.css.js", "/style/app.css", "v1-style")
	style.Loader = types.LoaderStylesheet
	page := pageModule("/pages/index.js", "/pages/index.tsx",
		fmt.Sprintf("import %q;", "/style/app.css."+hash.Short(style.OutputHash)+".js"),
		types.DependencyEdge{TargetURL: "/style/app.css", TargetHash: style.OutputHash})
	other := pageModule("/pages/other.js", "/pages/other.tsx", "other page")

	fx.register(t, style, "")
	fx.register(t, page, "/")
	fx.register(t, other, "/other")
	fx.renderCache.Put("/", "", &renderer.Result{HTML: "home"})
	fx.renderCache.Put("/other", "", &renderer.Result{HTML: "other"})

	recompiled := pageModule("/style/app.css.js", "/style/app.css", "v2-style")
	recompiled.Loader = types.LoaderStylesheet
	fx.compiler.results["/style/app.css"] = recompiled

	fx.engine.HandleChange(ChangeEvent{Type: EventTypeModified, Path: p})

	require.Eventually(t, func() bool {
		entry, ok := fx.graph.PageRoutes().Get("/")
		return ok && entry.OutputHash == page.OutputHash && page.Deps[0].TargetHash == recompiled.OutputHash
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, page.CompiledText, "."+hash.Short(recompiled.OutputHash)+".js")

	_, ok := fx.renderCache.Get("/", "")
	assert.False(t, ok, "dependent route's render cache must drop")
	_, ok = fx.renderCache.Get("/other", "")
	assert.True(t, ok, "unrelated route's render cache must survive")

	// A stylesheet is not a page or top-level module.
	select {
	case <-fx.entryStale:
		t.Fatal("stylesheet change must not mark the entry module stale")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngine_DeletionRemovesModuleRouteAndCache(t *testing.T) {
	fx := newEngineFixture(t)

	about := pageModule("/pages/about.js", "/pages/about.tsx", "about page")
	fx.register(t, about, "/about")
	fx.renderCache.Put("/about", "", &renderer.Result{HTML: "about"})

	events := fx.graph.Watch()
	defer fx.graph.UnWatch(events)

	// The path never existed on disk, so processing treats it as deleted.
	p := filepath.Join(fx.cfg.RootDir, "pages", "about.tsx")
	fx.engine.HandleChange(ChangeEvent{Type: EventTypeDeleted, Path: p})

	require.Eventually(t, func() bool {
		return fx.graph.Count() == 0
	}, time.Second, 5*time.Millisecond)

	_, ok := fx.graph.PageRoutes().Get("/about")
	assert.False(t, ok)
	_, ok = fx.renderCache.Get("/about", "")
	assert.False(t, ok)

	select {
	case e := <-events:
		assert.Equal(t, types.EventTypeRemoved, e.Type)
		assert.Equal(t, "/pages/about.js", e.ModuleID)
	case <-time.After(time.Second):
		t.Fatal("no remove event emitted")
	}

	select {
	case <-fx.entryStale:
	case <-time.After(time.Second):
		t.Fatal("page deletion must mark the entry module stale")
	}
}

func TestEngine_APIModuleOnlyRehashes(t *testing.T) {
	fx := newEngineFixture(t)
	content := "export default function handler(req) { return {status: 200} }"
	p := fx.write(t, "pages/api/user.ts", content)

	api := pageModule("/pages/api/user.js", "/pages/api/user.ts", "old")
	api.SourceHash = "stale"
	api.OutputHash = "stale"
	fx.register(t, api, "")
	fx.graph.APIRoutes().Set(&graph.RouteEntry{
		Path:       "/api/user",
		ModuleID:   api.ID,
		OutputHash: "stale",
	})

	fx.engine.HandleChange(ChangeEvent{Type: EventTypeModified, Path: p})

	want := hash.Bytes([]byte(content))
	require.Eventually(t, func() bool {
		return api.SourceHash == want
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, want, api.OutputHash)
	entry, ok := fx.graph.APIRoutes().Get("/api/user")
	require.True(t, ok)
	assert.Equal(t, want, entry.OutputHash)

	// API modules never go through the full pipeline on change.
	assert.Equal(t, 0, fx.compiler.callCount())
}

func TestEngine_CompileErrorIsCollectedAndWatchContinues(t *testing.T) {
	fx := newEngineFixture(t)
	p := fx.write(t, "pages/broken.tsx", "export default =>")
	fx.compiler.failFor["/pages/broken.tsx"] = fmt.Errorf("unexpected token")

	fx.engine.HandleChange(ChangeEvent{Type: EventTypeModified, Path: p})

	require.Eventually(t, func() bool {
		return fx.collector.HasErrors()
	}, time.Second, 5*time.Millisecond)

	// A later good edit clears the module's errors.
	fixed := pageModule("/pages/broken.js", "/pages/broken.tsx", "fixed")
	fx.compiler.mu.Lock()
	delete(fx.compiler.failFor, "/pages/broken.tsx")
	fx.compiler.results["/pages/broken.tsx"] = fixed
	fx.compiler.mu.Unlock()

	fx.engine.HandleChange(ChangeEvent{Type: EventTypeModified, Path: p})
	require.Eventually(t, func() bool {
		return !fx.collector.HasErrors()
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_TrackedDependencyIsRelevant(t *testing.T) {
	fx := newEngineFixture(t)

	page := pageModule("/pages/index.js", "/pages/index.tsx", "page",
		types.DependencyEdge{TargetURL: "/lib/util.ts", TargetHash: "h"})
	fx.register(t, page, "/")

	assert.True(t, fx.engine.isRelevant("/lib/util.ts"))
	assert.False(t, fx.engine.isRelevant("/lib/unused.ts"))
	assert.True(t, fx.engine.isRelevant("/app.tsx"))
	assert.True(t, fx.engine.isRelevant("/404.tsx"))
	assert.True(t, fx.engine.isRelevant("/pages/anything.tsx"))
}
