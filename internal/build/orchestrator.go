package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/veloframe/velo/internal/config"
	"github.com/veloframe/velo/internal/graph"
	"github.com/veloframe/velo/internal/logging"
	"github.com/veloframe/velo/internal/renderer"
	"github.com/veloframe/velo/internal/types"
)

var scriptExts = map[string]bool{
	".js": true, ".mjs": true, ".jsx": true, ".ts": true, ".tsx": true,
}

var pageExts = map[string]bool{
	".js": true, ".mjs": true, ".jsx": true, ".ts": true, ".tsx": true,
	".md": true, ".markdown": true,
}

// Orchestrator sequences a full project build.
type Orchestrator struct {
	cfg      *config.Config
	compiler *Compiler
	graph    *graph.Graph
	renderer renderer.Renderer
	minifier Minifier
	log      logging.Logger
	dev      bool
}

// OrchestratorOptions wires an orchestrator. Renderer and Minifier are only
// consulted for production builds.
type OrchestratorOptions struct {
	Config   *config.Config
	Compiler *Compiler
	Graph    *graph.Graph
	Renderer renderer.Renderer
	Minifier Minifier
	Logger   logging.Logger
	Dev      bool
}

// NewOrchestrator creates a build orchestrator.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{
		cfg:      opts.Config,
		compiler: opts.Compiler,
		graph:    opts.Graph,
		renderer: opts.Renderer,
		minifier: opts.Minifier,
		log:      log.WithComponent("build"),
		dev:      opts.Dev,
	}
}

// Build runs the full build. Phases are strictly ordered; a missing pages
// directory is fatal before any phase starts. In development mode the static
// generation, bundling and asset phases are skipped.
func (o *Orchestrator) Build(ctx context.Context) error {
	if _, err := os.Stat(o.cfg.PagesDir()); err != nil {
		return fmt.Errorf("pages directory is required: %w", err)
	}

	if err := o.buildAPIRoutes(ctx); err != nil {
		return err
	}
	if err := o.buildTopLevel(ctx); err != nil {
		return err
	}
	if err := o.buildPages(ctx); err != nil {
		return err
	}
	if err := o.buildRuntime(ctx); err != nil {
		return err
	}
	if err := o.BuildEntry(ctx); err != nil {
		return err
	}

	if o.dev {
		return nil
	}

	if err := o.generateStatic(ctx); err != nil {
		return err
	}
	if err := o.writeBundles(ctx); err != nil {
		return err
	}
	return o.copyAssets(ctx)
}

// buildAPIRoutes compiles every module under pages/api and registers it in
// the API route table.
func (o *Orchestrator) buildAPIRoutes(ctx context.Context) error {
	apiDir := o.cfg.APIDir()
	if _, err := os.Stat(apiDir); err != nil {
		return nil // API routes are optional.
	}
	return filepath.Walk(apiDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !scriptExts[strings.ToLower(filepath.Ext(p))] {
			return err
		}
		specifier := o.specifierFor(p)
		m, err := o.compiler.Compile(ctx, specifier, "", false)
		if err != nil {
			return err
		}
		o.graph.APIRoutes().Set(&graph.RouteEntry{
			Path:       graph.RoutePath(m.SourceURL),
			ModuleID:   m.ID,
			OutputHash: m.OutputHash,
		})
		return nil
	})
}

// buildTopLevel compiles the custom app, 404 and loading modules when
// present.
func (o *Orchestrator) buildTopLevel(ctx context.Context) error {
	srcRoot := filepath.Join(o.cfg.RootDir, o.cfg.SrcDir)
	for _, base := range []string{"app", "404", "loading"} {
		for ext := range scriptExts {
			p := filepath.Join(srcRoot, base+ext)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if _, err := o.compiler.Compile(ctx, "/"+base+ext, "", false); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// buildPages walks the pages tree and compiles and registers each page
// module, including markdown pages. The api subtree is handled separately.
func (o *Orchestrator) buildPages(ctx context.Context) error {
	apiDir := o.cfg.APIDir()
	return filepath.Walk(o.cfg.PagesDir(), func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if p == apiDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !pageExts[strings.ToLower(filepath.Ext(p))] {
			return nil
		}

		specifier := o.specifierFor(p)
		m, err := o.compiler.Compile(ctx, specifier, "", false)
		if err != nil {
			return err
		}
		o.graph.PageRoutes().Set(&graph.RouteEntry{
			Path:          graph.RoutePath(m.SourceURL),
			ModuleID:      m.ID,
			OutputHash:    m.OutputHash,
			StyleDataDeps: styleDataDeps(m),
		})
		return nil
	})
}

// buildRuntime compiles the framework-internal modules needed at runtime.
func (o *Orchestrator) buildRuntime(ctx context.Context) error {
	sources := RuntimeSources()
	urls := make([]string, 0, len(sources))
	for sourceURL := range sources {
		urls = append(urls, sourceURL)
	}
	sort.Strings(urls)
	for _, sourceURL := range urls {
		o.compiler.RegisterVirtual(sourceURL, sources[sourceURL])
		if _, err := o.compiler.Compile(ctx, sourceURL, "", false); err != nil {
			return err
		}
	}
	return nil
}

// BuildEntry synthesizes and compiles the application entry module with the
// current route manifest embedded as literal configuration. The watch engine
// re-invokes it whenever a page or top-level module changes.
func (o *Orchestrator) BuildEntry(ctx context.Context) error {
	src, err := EntrySource(o.cfg, o.graph.PageRoutes(), PreloadModuleIDs(o.graph))
	if err != nil {
		return err
	}
	o.compiler.RegisterVirtual(EntrySourceURL, src)
	_, err = o.compiler.Compile(ctx, EntrySourceURL, "", true)
	return err
}

// generateStatic renders every route in the page route table, plus declared
// extra static paths, into the output tree. Routes excluded by the SSR
// include/exclude patterns are emitted as client-rendered shells. A single
// page's render failure degrades to a 500 body without aborting the rest.
func (o *Orchestrator) generateStatic(ctx context.Context) error {
	targets := make(map[string]string) // concrete path -> route pattern
	for _, entry := range o.graph.PageRoutes().All() {
		if strings.Contains(entry.Path, "[") {
			// Dynamic routes render only through declared static paths.
			continue
		}
		targets[entry.Path] = entry.Path
	}
	for _, p := range o.cfg.SSR.StaticPaths {
		targets[p] = o.routeFor(p)
	}

	paths := make([]string, 0, len(targets))
	for p := range targets {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, p := range paths {
		p, route := p, targets[p]
		g.Go(func() error {
			return o.renderStaticPath(gctx, p, route)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) renderStaticPath(ctx context.Context, concretePath, route string) error {
	if !o.ssrIncluded(concretePath) {
		return o.writeStaticFile(concretePath, o.clientShell(), nil)
	}

	result, err := o.renderer.Render(ctx, renderer.ExecContext{
		Route:    route,
		Path:     concretePath,
		BasePath: o.cfg.BasePath,
		Locale:   o.cfg.DefaultLocale,
		Env:      o.cfg.Env,
	})
	if err != nil {
		// Best-effort page instead of failing the whole build.
		o.log.Warn(ctx, err, "static render degraded to error page", "path", concretePath)
		if result == nil {
			result = renderer.ErrorResult(route, err, false)
		}
	}

	doc, err := o.decorateStatic(result.HTML)
	if err != nil {
		return err
	}
	return o.writeStaticFile(concretePath, doc, result.Data)
}

// ssrIncluded applies the include/exclude patterns to a concrete path.
func (o *Orchestrator) ssrIncluded(p string) bool {
	if len(o.cfg.SSR.Include) > 0 {
		matched := false
		for _, pattern := range o.cfg.SSR.Include {
			if ok, _ := path.Match(pattern, p); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pattern := range o.cfg.SSR.Exclude {
		if ok, _ := path.Match(pattern, p); ok {
			return false
		}
	}
	return true
}

// routeFor maps a concrete static path back to the dynamic route pattern
// owning it, defaulting to the path itself.
func (o *Orchestrator) routeFor(p string) string {
	if _, ok := o.graph.PageRoutes().Get(p); ok {
		return p
	}
	for _, entry := range o.graph.PageRoutes().All() {
		if !strings.Contains(entry.Path, "[") {
			continue
		}
		re := routePatternToRegexp(entry.Path)
		if re.MatchString(p) {
			return entry.Path
		}
	}
	return p
}

var dynamicSegmentRe = regexp.MustCompile(`\\\[[^/]+?\\\]`)

// routePatternToRegexp turns a route pattern like "/blog/[slug]" into a
// matcher for concrete paths.
func routePatternToRegexp(pattern string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(pattern)
	escaped = dynamicSegmentRe.ReplaceAllString(escaped, "[^/]+")
	return regexp.MustCompile("^" + escaped + "$")
}

// decorateStatic injects the entry module script and preload hints into a
// rendered document.
func (o *Orchestrator) decorateStatic(doc string) (string, error) {
	entry, ok := o.graph.GetByURL(EntrySourceURL)
	if !ok {
		return doc, nil
	}
	scripts := []ScriptTag{{Src: ArtifactURLForModule(entry), Module: true}}

	var preloads []PreloadLink
	for _, id := range PreloadModuleIDs(o.graph) {
		if m, ok := o.graph.Get(id); ok {
			preloads = append(preloads, PreloadLink{Href: ArtifactURLForModule(m)})
		}
	}
	return InjectTags(doc, preloads, scripts)
}

// clientShell is the document emitted for SSR-excluded routes: an empty root
// the entry module renders into on the client.
func (o *Orchestrator) clientShell() string {
	doc := `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body><div id="root"></div></body>
</html>`
	out, err := o.decorateStatic(doc)
	if err != nil {
		return doc
	}
	return out
}

// writeStaticFile writes a rendered document (and its data payload when
// present) under the output tree. "/" maps to index.html, "/about" to
// about/index.html.
func (o *Orchestrator) writeStaticFile(routePath, doc string, data []byte) error {
	dir := filepath.Join(o.cfg.OutDir(), filepath.FromSlash(strings.TrimPrefix(routePath, "/")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(doc), 0o644); err != nil {
		return err
	}
	if len(data) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "data.json"), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// writeBundles computes and emits the production bundles.
func (o *Orchestrator) writeBundles(ctx context.Context) error {
	set := ComputeBundles(o.graph, o.entryPointIDs())
	outDir := filepath.Join(o.cfg.OutDir(), strings.Trim(ModulePrefix, "/"))

	if name, err := WriteBundle(ctx, outDir, "remote", set.Remote, o.minifier); err != nil {
		return err
	} else if name != "" {
		o.log.Info(ctx, "wrote remote bundle", "file", name, "modules", len(set.Remote))
	}
	if name, err := WriteBundle(ctx, outDir, "shared", set.Shared, o.minifier); err != nil {
		return err
	} else if name != "" {
		o.log.Info(ctx, "wrote shared bundle", "file", name, "modules", len(set.Shared))
	}
	return nil
}

// entryPointIDs lists the modules that anchor bundle reference counting:
// every page, the top-level custom modules, and the entry module.
func (o *Orchestrator) entryPointIDs() []string {
	var ids []string
	for _, entry := range o.graph.PageRoutes().All() {
		ids = append(ids, entry.ModuleID)
	}
	for _, sourceURL := range []string{"/app.tsx", "/app.ts", "/404.tsx", "/404.ts", "/loading.tsx", "/loading.ts", EntrySourceURL} {
		if m, ok := o.graph.GetByURL(sourceURL); ok {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// copyAssets copies compiled artifacts and static public assets into the
// output tree.
func (o *Orchestrator) copyAssets(ctx context.Context) error {
	if err := copyTree(o.cfg.CacheDir(), filepath.Join(o.cfg.OutDir(), strings.Trim(ModulePrefix, "/"))); err != nil {
		return err
	}

	publicDir := o.cfg.PublicDir()
	if _, err := os.Stat(publicDir); err != nil {
		return nil // Public assets are optional.
	}
	o.log.Debug(ctx, "copying public assets", "dir", publicDir)
	return copyTree(publicDir, o.cfg.OutDir())
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}

// specifierFor converts an absolute path under the source root into a
// root-relative specifier.
func (o *Orchestrator) specifierFor(p string) string {
	srcRoot := filepath.Join(o.cfg.RootDir, o.cfg.SrcDir)
	rel, err := filepath.Rel(srcRoot, p)
	if err != nil {
		return p
	}
	return "/" + filepath.ToSlash(rel)
}

// styleDataDeps extracts a module's synthetic style/data markers for the
// route manifest.
func styleDataDeps(m *types.Module) []string {
	var out []string
	for _, edge := range m.Deps {
		if edge.IsStyleData {
			out = append(out, edge.TargetURL)
		}
	}
	sort.Strings(out)
	return out
}

// ArtifactURLForModule derives the browser-facing artifact path of a graph
// module.
func ArtifactURLForModule(m *types.Module) string {
	cachePath := strings.TrimSuffix(strings.TrimPrefix(m.ID, "/"), ".js")
	return ArtifactURL(cachePath, m.OutputHash, m.IsRemote)
}
