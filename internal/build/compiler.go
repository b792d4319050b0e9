// Package build drives compilation: it resolves specifiers, runs sources
// through the loader chain, fans out dependency compilation, rewrites hashed
// imports into compiled text, and persists artifacts through the
// content-addressed store. The orchestrator on top sequences full project
// builds.
package build

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/veloframe/velo/internal/cache"
	"github.com/veloframe/velo/internal/config"
	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/fetch"
	"github.com/veloframe/velo/internal/graph"
	"github.com/veloframe/velo/internal/hash"
	"github.com/veloframe/velo/internal/loader"
	"github.com/veloframe/velo/internal/logging"
	"github.com/veloframe/velo/internal/resolver"
	"github.com/veloframe/velo/internal/types"
)

// ModulePrefix is the URL prefix compiled artifacts are served and imported
// under. Rewritten import specifiers in compiled text point below it.
const ModulePrefix = "/_velo/"

// Compiler implements the module compilation pipeline. It satisfies
// graph.DependencyResolver so the graph and watch engine can re-enter it.
type Compiler struct {
	cfg      *config.Config
	resolver *resolver.Resolver
	chain    *loader.Chain
	store    *cache.Store
	graph    *graph.Graph
	fetcher  *fetch.Fetcher
	hasher   *cache.FileHasher
	log      logging.Logger

	mu       sync.Mutex
	inflight map[string]bool

	virtualMu sync.RWMutex
	virtual   map[string][]byte
}

// CompilerOptions wires a compiler's collaborators.
type CompilerOptions struct {
	Config   *config.Config
	Resolver *resolver.Resolver
	Chain    *loader.Chain
	Store    *cache.Store
	Graph    *graph.Graph
	Fetcher  *fetch.Fetcher
	Logger   logging.Logger
}

// NewCompiler creates a compiler.
func NewCompiler(opts CompilerOptions) *Compiler {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Compiler{
		cfg:      opts.Config,
		resolver: opts.Resolver,
		chain:    opts.Chain,
		store:    opts.Store,
		graph:    opts.Graph,
		fetcher:  opts.Fetcher,
		hasher:   cache.NewFileHasher(),
		log:      log.WithComponent("compiler"),
		inflight: make(map[string]bool),
		virtual:  make(map[string][]byte),
	}
}

// RegisterVirtual installs an in-memory source for a synthesized module (the
// application entry and framework runtime modules). Virtual sources go
// through the same pipeline as files.
func (c *Compiler) RegisterVirtual(sourceURL string, source []byte) {
	c.virtualMu.Lock()
	defer c.virtualMu.Unlock()
	c.virtual[sourceURL] = source
}

func (c *Compiler) virtualSource(sourceURL string) ([]byte, bool) {
	c.virtualMu.RLock()
	defer c.virtualMu.RUnlock()
	data, ok := c.virtual[sourceURL]
	return data, ok
}

// Compile resolves and compiles one module, registering it and its
// dependency closure in the graph. force bypasses the cache-hit fast path
// for this module (dependencies still compile incrementally).
func (c *Compiler) Compile(ctx context.Context, specifier, referrer string, force bool) (*types.Module, error) {
	res, err := c.resolver.Resolve(specifier, referrer)
	if err != nil {
		return nil, err
	}

	// Mutual imports are legal: a module already on the compile stack is
	// returned as-is (or as a shell) instead of recursing forever. The edge
	// hash settles through propagation once the cycle closes.
	c.mu.Lock()
	if c.inflight[res.ID] {
		c.mu.Unlock()
		if m, ok := c.graph.Get(res.ID); ok {
			return m, nil
		}
		return &types.Module{
			ID:        res.ID,
			SourceURL: res.SourceURL,
			Loader:    res.Loader,
			IsRemote:  res.IsRemote,
		}, nil
	}
	c.inflight[res.ID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, res.ID)
		c.mu.Unlock()
	}()

	source, sourceHash, err := c.readSource(ctx, res, force)
	if err != nil {
		return nil, err
	}
	if source == nil {
		// Remote fetch failed but a previously cached artifact keeps serving.
		art, ok := c.store.Lookup(ctx, res.CachePath, res.IsRemote)
		if !ok {
			return nil, &veloerrors.FetchError{
				URL: res.SourceURL,
				Err: fmt.Errorf("remote fetch failed and no cached artifact remains"),
			}
		}
		return c.restore(ctx, res, art)
	}

	if !force {
		if art, ok := c.store.Lookup(ctx, res.CachePath, res.IsRemote); ok && art.SourceHash == sourceHash {
			if m, ok := c.restoreIfFresh(ctx, res, art); ok {
				return m, nil
			}
		}
	}

	return c.compile(ctx, res, source, sourceHash)
}

// readSource loads and hashes the module source. For a remote module whose
// fetch fails while a cached artifact exists, it returns (nil, "", nil) to
// signal best-effort restoration; without a cached artifact the fetch error
// is fatal to the module.
func (c *Compiler) readSource(ctx context.Context, res *resolver.Resolution, force bool) ([]byte, string, error) {
	if res.IsRemote {
		data, err := c.fetcher.Fetch(ctx, res.SourceURL)
		if err != nil {
			if _, ok := c.store.Lookup(ctx, res.CachePath, true); ok && !force {
				c.log.Warn(ctx, err, "remote fetch failed, serving cached artifact", "url", res.SourceURL)
				return nil, "", nil
			}
			return nil, "", err
		}
		return data, hash.Bytes(data), nil
	}

	if data, ok := c.virtualSource(res.SourceURL); ok {
		return data, hash.Bytes(data), nil
	}

	p := filepath.Join(c.cfg.RootDir, c.cfg.SrcDir, filepath.FromSlash(res.SourceURL))
	sourceHash, data, err := c.hasher.HashAndRead(p)
	if err != nil {
		return nil, "", err
	}
	return data, sourceHash, nil
}

// restoreIfFresh rebuilds a module from its cached artifact, provided every
// real dependency still carries the recorded hash. A stale edge forces a full
// recompile so no stale output is ever served.
func (c *Compiler) restoreIfFresh(ctx context.Context, res *resolver.Resolution, art *cache.Artifact) (*types.Module, bool) {
	for _, edge := range art.Deps {
		if edge.IsExternal || edge.IsStyleData {
			continue
		}
		dep, err := c.Compile(ctx, edge.TargetURL, res.SourceURL, false)
		if err != nil {
			return nil, false
		}
		if dep.OutputHash != edge.TargetHash {
			return nil, false
		}
	}
	m, err := c.restore(ctx, res, art)
	if err != nil {
		return nil, false
	}
	return m, true
}

// restore registers a module straight from its cached artifact.
func (c *Compiler) restore(_ context.Context, res *resolver.Resolution, art *cache.Artifact) (*types.Module, error) {
	m := &types.Module{
		ID:           res.ID,
		SourceURL:    res.SourceURL,
		Loader:       res.Loader,
		IsRemote:     res.IsRemote,
		SourceHash:   art.SourceHash,
		OutputHash:   art.OutputHash,
		CompiledText: art.CompiledText,
		SourceMap:    art.SourceMap,
		Deps:         append([]types.DependencyEdge(nil), art.Deps...),
	}
	return c.graph.Upsert(m)
}

type importRewrite struct {
	from string
	to   string
}

// compile runs the full pipeline: loader chain, dependency fan-out, hashed
// import rewriting, output hashing, persistence and graph registration.
func (c *Compiler) compile(ctx context.Context, res *resolver.Resolution, source []byte, sourceHash string) (*types.Module, error) {
	out, err := c.chain.Load(ctx, res.SourceURL, source, res.Loader)
	if err != nil {
		// The prior cached artifact, if any, stays untouched and keeps being
		// served until the source is fixed.
		return nil, err
	}

	edges := make([]types.DependencyEdge, len(out.Deps))
	rewrites := make([]importRewrite, len(out.Deps))

	// Sibling dependencies resolve independently and are awaited jointly
	// before the importing module's rewrite step.
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range out.Deps {
		if types.IsSyntheticSpecifier(d.Specifier) {
			payload := d.Specifier
			if style, ok := out.InlineStyles[d.Specifier]; ok {
				payload = style.Payload()
			}
			edges[i] = types.DependencyEdge{
				TargetURL:   d.Specifier,
				TargetHash:  hash.Text(payload),
				IsStyleData: true,
			}
			continue
		}

		i, d := i, d
		g.Go(func() error {
			depRes, err := c.resolver.Resolve(d.Specifier, res.SourceURL)
			if err != nil {
				return err
			}
			dep, err := c.Compile(gctx, d.Specifier, res.SourceURL, false)
			if err != nil {
				return err
			}
			edges[i] = types.DependencyEdge{
				TargetURL:  dep.SourceURL,
				TargetHash: dep.OutputHash,
				IsDynamic:  d.IsDynamic,
			}
			rewrites[i] = importRewrite{
				from: d.Specifier,
				to:   ArtifactURL(depRes.CachePath, dep.OutputHash, depRes.IsRemote),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	code := rewriteImports(out.Code, rewrites)

	m := &types.Module{
		ID:           res.ID,
		SourceURL:    res.SourceURL,
		Loader:       out.Loader,
		IsRemote:     res.IsRemote,
		SourceHash:   sourceHash,
		OutputHash:   hash.Text(code),
		CompiledText: code,
		SourceMap:    out.SourceMap,
		Deps:         edges,
	}

	if err := c.store.Put(ctx, res.CachePath, res.IsRemote, &cache.Artifact{
		SourceURL:    m.SourceURL,
		SourceHash:   m.SourceHash,
		OutputHash:   m.OutputHash,
		Deps:         m.Deps,
		CompiledText: m.CompiledText,
		SourceMap:    m.SourceMap,
	}); err != nil {
		return nil, err
	}

	return c.graph.Upsert(m)
}

// ArtifactURL is the browser-facing path of a compiled artifact. Local
// artifacts embed the truncated output hash; remote artifacts omit it since
// their URL already encodes a version.
func ArtifactURL(cachePath, outputHash string, isRemote bool) string {
	if isRemote {
		return ModulePrefix + cachePath + ".js"
	}
	return ModulePrefix + cachePath + "." + hash.Short(outputHash) + ".js"
}

// rewriteImports patches raw import specifiers embedded in compiled text to
// their hashed artifact paths.
func rewriteImports(code string, rewrites []importRewrite) string {
	for _, rw := range rewrites {
		if rw.from == "" || rw.from == rw.to {
			continue
		}
		code = strings.ReplaceAll(code, `"`+rw.from+`"`, `"`+rw.to+`"`)
		code = strings.ReplaceAll(code, `'`+rw.from+`'`, `'`+rw.to+`'`)
	}
	return code
}
