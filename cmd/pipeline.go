package cmd

import (
	"github.com/veloframe/velo/internal/bridge"
	"github.com/veloframe/velo/internal/build"
	"github.com/veloframe/velo/internal/cache"
	"github.com/veloframe/velo/internal/config"
	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/fetch"
	"github.com/veloframe/velo/internal/graph"
	"github.com/veloframe/velo/internal/loader"
	"github.com/veloframe/velo/internal/logging"
	"github.com/veloframe/velo/internal/plugins"
	"github.com/veloframe/velo/internal/renderer"
	"github.com/veloframe/velo/internal/resolver"
)

// pipeline bundles the collaborators a build or serve session shares.
type pipeline struct {
	cfg         *config.Config
	graph       *graph.Graph
	store       *cache.Store
	resolver    *resolver.Resolver
	plugins     *plugins.Registry
	compiler    *build.Compiler
	renderCache *renderer.Cache
	renderer    *renderer.CachingRenderer
	artifacts   renderer.ArtifactLoader
	collector   *veloerrors.Collector
	log         logging.Logger
}

// newPipeline wires the compilation pipeline from project configuration.
func newPipeline(cfg *config.Config, log logging.Logger, dev bool) (*pipeline, error) {
	if cfg.Tools.Transform == "" {
		return nil, &veloerrors.ConfigError{
			Field:  "tools.transform",
			Reason: "a syntax-transform command is required",
		}
	}

	importMap, err := config.LoadImportMap(cfg.RootDir)
	if err != nil {
		return nil, err
	}

	reg := plugins.NewRegistry()
	res := resolver.New(importMap, reg)
	g := graph.New()
	store := cache.NewStore(cfg.CacheDir(), log)

	chain := loader.NewChain(
		bridge.NewTransformer(cfg.Tools.Transform, cfg.RootDir),
		bridge.NewCSSProcessor(cfg.Tools.CSS, cfg.RootDir),
		reg,
		loader.Options{
			ImportMap: importMap,
			Target:    cfg.Build.Target,
			SourceMap: cfg.Build.SourceMap,
			Dev:       dev,
		},
	)

	compiler := build.NewCompiler(build.CompilerOptions{
		Config:   cfg,
		Resolver: res,
		Chain:    chain,
		Store:    store,
		Graph:    g,
		Fetcher:  fetch.New(nil, log),
		Logger:   log,
	})

	var inner renderer.Renderer
	if cfg.Tools.Render != "" {
		inner = bridge.NewRenderer(cfg.Tools.Render, cfg.RootDir)
	} else {
		inner = bridge.ShellRenderer{}
	}
	renderCache := renderer.NewCache(log)

	return &pipeline{
		cfg:         cfg,
		graph:       g,
		store:       store,
		resolver:    res,
		plugins:     reg,
		compiler:    compiler,
		renderCache: renderCache,
		renderer:    renderer.NewCachingRenderer(inner, renderCache, dev, log),
		artifacts:   bridge.NewArtifactLoader(cfg.Tools.Exec, cfg.RootDir),
		collector:   veloerrors.NewCollector(),
		log:         log,
	}, nil
}
