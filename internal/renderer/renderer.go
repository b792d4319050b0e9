// Package renderer defines the server-side rendering collaborators and the
// per-route render-result cache.
//
// The rendering model itself lives outside this module: pages are rendered by
// an injected Renderer working on compiled artifacts loaded through an
// ArtifactLoader. Each render call receives its own ExecContext, so render
// calls stay independently testable and never share ambient global state.
package renderer

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/logging"
)

// ExecContext carries the per-render execution environment: the values a
// server-side render of browser-targeted code needs, scoped to one call.
type ExecContext struct {
	// Route is the URL pattern being rendered, e.g. "/blog/[slug]".
	Route string
	// Path is the concrete request path, e.g. "/blog/intro".
	Path string
	// Query is the raw query string without the leading "?".
	Query string
	// BasePath is the application base path from configuration.
	BasePath string
	// Locale is the active locale for this render.
	Locale string
	// Dev marks a development-mode render.
	Dev bool
	// Env exposes build-time environment values to the render.
	Env map[string]string
}

// Executable is a compiled artifact loaded into executable form.
type Executable interface {
	// Invoke runs the unit's default export with the given execution context.
	Invoke(ctx context.Context, ec ExecContext) (any, error)
}

// ArtifactLoader turns a compiled-artifact location into an executable unit.
type ArtifactLoader interface {
	Load(ctx context.Context, artifactPath string) (Executable, error)
}

// Result is one rendered page: document markup plus the data payload the
// client hydrates from.
type Result struct {
	// HTML is the full rendered document.
	HTML string
	// Data is the serialized SSR data payload, empty when the page loads none.
	Data []byte
	// Status is the HTTP status the page should be served with.
	Status int
	// RenderedAt records when the result was computed.
	RenderedAt time.Time
}

// Renderer renders one route to a Result. Implementations execute the
// compiled page module server-side; failures surface as RenderError.
type Renderer interface {
	Render(ctx context.Context, ec ExecContext) (*Result, error)
}

// Cache is the render-result cache: route path -> query key -> Result.
// Entries for a route are invalidated wholesale; a dropped entry is never
// served again.
type Cache struct {
	mu      sync.RWMutex
	byRoute map[string]map[string]*Result
	log     logging.Logger
}

// NewCache creates an empty render cache.
func NewCache(log logging.Logger) *Cache {
	if log == nil {
		log = logging.Nop()
	}
	return &Cache{
		byRoute: make(map[string]map[string]*Result),
		log:     log.WithComponent("render-cache"),
	}
}

// Get returns the cached result for a route and query key.
func (c *Cache) Get(route, query string) (*Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries, ok := c.byRoute[route]
	if !ok {
		return nil, false
	}
	r, ok := entries[query]
	return r, ok
}

// Put stores a result under a route and query key.
func (c *Cache) Put(route, query string, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, ok := c.byRoute[route]
	if !ok {
		entries = make(map[string]*Result)
		c.byRoute[route] = entries
	}
	entries[query] = r
}

// InvalidateRoute drops every cached result for a route, across all query
// keys. Returns the number of entries dropped.
func (c *Cache) InvalidateRoute(route string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.byRoute[route])
	if n > 0 {
		delete(c.byRoute, route)
		c.log.Debug(context.Background(), "invalidated route", "route", route, "entries", n)
	}
	return n
}

// Clear drops the entire cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRoute = make(map[string]map[string]*Result)
}

// Len returns the total number of cached results.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, entries := range c.byRoute {
		n += len(entries)
	}
	return n
}

// Routes returns the routes that currently hold cached entries.
func (c *Cache) Routes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byRoute))
	for route := range c.byRoute {
		out = append(out, route)
	}
	return out
}

// CachingRenderer wraps a Renderer with the render cache. A render failure is
// downgraded to a 500 result for that single route and never cached, so the
// next request retries.
type CachingRenderer struct {
	inner Renderer
	cache *Cache
	dev   bool
	log   logging.Logger
}

// NewCachingRenderer wraps inner with cache.
func NewCachingRenderer(inner Renderer, cache *Cache, dev bool, log logging.Logger) *CachingRenderer {
	if log == nil {
		log = logging.Nop()
	}
	return &CachingRenderer{
		inner: inner,
		cache: cache,
		dev:   dev,
		log:   log.WithComponent("renderer"),
	}
}

// Cache exposes the underlying render cache for invalidation.
func (r *CachingRenderer) Cache() *Cache { return r.cache }

// Render returns the cached result for the route and query when present,
// otherwise renders through the inner Renderer and caches the result.
func (r *CachingRenderer) Render(ctx context.Context, ec ExecContext) (*Result, error) {
	if cached, ok := r.cache.Get(ec.Route, ec.Query); ok {
		return cached, nil
	}

	result, err := r.inner.Render(ctx, ec)
	if err != nil {
		r.log.Error(ctx, err, "render failed", "route", ec.Route)
		return ErrorResult(ec.Route, err, r.dev), &veloerrors.RenderError{Route: ec.Route, Err: err}
	}
	if result.Status == 0 {
		result.Status = 200
	}
	if result.RenderedAt.IsZero() {
		result.RenderedAt = time.Now()
	}
	r.cache.Put(ec.Route, ec.Query, result)
	return result, nil
}

// ErrorResult builds the 500 response body for a failed page render. In
// development the failure detail is included; in production the body stays
// generic.
func ErrorResult(route string, err error, dev bool) *Result {
	detail := ""
	if dev && err != nil {
		detail = fmt.Sprintf("<pre>%s</pre>", html.EscapeString(err.Error()))
	}
	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>500 - Internal Server Error</title></head>
<body>
<h1>500 - Internal Server Error</h1>
<p>Failed to render %s.</p>
%s
</body>
</html>`, html.EscapeString(route), detail)

	return &Result{
		HTML:       body,
		Status:     500,
		RenderedAt: time.Now(),
	}
}
