// Package loader implements the transform chain that turns raw module source
// into executable output plus a raw dependency list.
//
// Exactly one transform applies per module: script sources go through the
// external syntax transform, stylesheets through CSS preprocessing plus a
// generated injection wrapper, markdown through front-matter parsing and
// rendering, and plugin-claimed specifiers through the matching plugin. The
// chain never touches the module graph or disk.
package loader

import (
	"context"
	"fmt"
	"sort"
	"strings"

	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/plugins"
	"github.com/veloframe/velo/internal/types"
)

// TransformOptions configures one syntax-transform invocation.
type TransformOptions struct {
	Specifier          string
	ImportMap          map[string]string
	Target             string
	JSXFactory         string
	JSXFragmentFactory string
	SourceMap          bool
	Dev                bool
	Bundle             bool
}

// RawDependency is a dependency specifier reported by the syntax transform.
type RawDependency struct {
	Specifier string
	IsDynamic bool
}

// InlineStyle is a style block extracted from inline syntax inside a script
// module. Segments and Exprs alternate: literal text, interpolated
// expression, literal text, and so on.
type InlineStyle struct {
	Kind     string
	Segments []string
	Exprs    []string
}

// Payload returns the canonical content of the style block, hashed to detect
// inline-content changes.
func (s *InlineStyle) Payload() string {
	var b strings.Builder
	b.WriteString(s.Kind)
	for i, seg := range s.Segments {
		b.WriteByte(0)
		b.WriteString(seg)
		if i < len(s.Exprs) {
			b.WriteByte(0)
			b.WriteString(s.Exprs[i])
		}
	}
	return b.String()
}

// TransformResult is the output of the syntax-transform collaborator.
type TransformResult struct {
	Code         string
	SourceMap    string
	Deps         []RawDependency
	InlineStyles map[string]InlineStyle
}

// Transformer is the external syntax transform, invoked as an opaque
// compiler for typed/untyped script sources with optional component markup.
type Transformer interface {
	Transform(ctx context.Context, source string, opts TransformOptions) (*TransformResult, error)
}

// CSSProcessor is the style-preprocessing collaborator.
type CSSProcessor interface {
	Process(ctx context.Context, source string, isLess bool) (string, error)
}

// Output is the compiled artifact produced by the chain for one module.
type Output struct {
	Code      string
	SourceMap string
	// Deps lists raw dependency specifiers, including synthetic
	// inline-style and data markers.
	Deps []RawDependency
	// InlineStyles carries the extracted style payloads keyed by the same
	// synthetic keys referenced from Deps.
	InlineStyles map[string]InlineStyle
	// Loader is the final kind after any plugin reassignment.
	Loader types.LoaderKind
}

// Options configures the chain for a project.
type Options struct {
	ImportMap map[string]string
	Target    string
	SourceMap bool
	Dev       bool
	Bundle    bool
}

// Chain dispatches each module to exactly one transform.
type Chain struct {
	transformer Transformer
	css         CSSProcessor
	plugins     *plugins.Registry
	opts        Options
}

// NewChain creates a loader chain. plugins may be nil.
func NewChain(transformer Transformer, css CSSProcessor, reg *plugins.Registry, opts Options) *Chain {
	if opts.Target == "" {
		opts.Target = "es2020"
	}
	return &Chain{transformer: transformer, css: css, plugins: reg, opts: opts}
}

// Load applies the transform selected by kind to source.
func (c *Chain) Load(ctx context.Context, specifier string, source []byte, kind types.LoaderKind) (*Output, error) {
	return c.load(ctx, specifier, source, kind, 0)
}

func (c *Chain) load(ctx context.Context, specifier string, source []byte, kind types.LoaderKind, depth int) (*Output, error) {
	if depth > 1 {
		return nil, &veloerrors.TransformError{
			Specifier: specifier,
			Err:       fmt.Errorf("plugin transform did not reassign to a concrete loader kind"),
		}
	}

	switch kind {
	case types.LoaderScript:
		return c.loadScript(ctx, specifier, source)
	case types.LoaderStylesheet:
		return c.loadStylesheet(ctx, specifier, source)
	case types.LoaderMarkdown:
		return c.loadMarkdown(ctx, specifier, source)
	case types.LoaderPlugin:
		return c.loadPlugin(ctx, specifier, source, depth)
	default:
		return nil, &veloerrors.TransformError{
			Specifier: specifier,
			Err:       fmt.Errorf("unknown loader kind %q", kind),
		}
	}
}

func (c *Chain) loadScript(ctx context.Context, specifier string, source []byte) (*Output, error) {
	result, err := c.transformer.Transform(ctx, string(source), TransformOptions{
		Specifier:          specifier,
		ImportMap:          c.opts.ImportMap,
		Target:             c.opts.Target,
		JSXFactory:         "React.createElement",
		JSXFragmentFactory: "React.Fragment",
		SourceMap:          c.opts.SourceMap,
		Dev:                c.opts.Dev,
		Bundle:             c.opts.Bundle,
	})
	if err != nil {
		return nil, &veloerrors.TransformError{Specifier: specifier, Err: err}
	}

	deps := append([]RawDependency(nil), result.Deps...)

	// Synthesize marker dependencies for inline style blocks the transform
	// extracted but did not already report.
	seen := make(map[string]bool, len(deps))
	for _, d := range deps {
		seen[d.Specifier] = true
	}
	keys := make([]string, 0, len(result.InlineStyles))
	for key := range result.InlineStyles {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	styles := make(map[string]InlineStyle, len(result.InlineStyles))
	for _, key := range keys {
		marker := key
		if !types.IsSyntheticSpecifier(marker) {
			marker = types.MarkerInlineStyle + key
		}
		styles[marker] = result.InlineStyles[key]
		if !seen[marker] {
			deps = append(deps, RawDependency{Specifier: marker})
		}
	}

	return &Output{
		Code:         result.Code,
		SourceMap:    result.SourceMap,
		Deps:         deps,
		InlineStyles: styles,
		Loader:       types.LoaderScript,
	}, nil
}

func (c *Chain) loadPlugin(ctx context.Context, specifier string, source []byte, depth int) (*Output, error) {
	if c.plugins == nil {
		return nil, &veloerrors.TransformError{
			Specifier: specifier,
			Err:       fmt.Errorf("no plugin registered for specifier"),
		}
	}
	p, ok := c.plugins.Find(specifier)
	if !ok {
		return nil, &veloerrors.TransformError{
			Specifier: specifier,
			Err:       fmt.Errorf("no plugin matches specifier"),
		}
	}

	result, err := p.Transform(ctx, source, specifier)
	if err != nil {
		return nil, &veloerrors.TransformError{
			Specifier: specifier,
			Err:       fmt.Errorf("plugin %s: %w", p.Name, err),
		}
	}

	// The plugin reassigns the loader kind; its output re-enters the chain.
	out, err := c.load(ctx, specifier, []byte(result.Code), result.Loader, depth+1)
	if err != nil {
		return nil, err
	}
	out.Loader = result.Loader
	return out, nil
}
