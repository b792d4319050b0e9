// Package server implements the development HTTP server: it serves compiled
// module artifacts, renders pages on demand, exposes API routes, and pushes
// HMR events to connected clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/veloframe/velo/internal/build"
	"github.com/veloframe/velo/internal/cache"
	"github.com/veloframe/velo/internal/config"
	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/graph"
	"github.com/veloframe/velo/internal/logging"
	"github.com/veloframe/velo/internal/renderer"
)

// modulePrefix is the URL prefix compiled artifacts are served under.
const modulePrefix = build.ModulePrefix

// DevServer serves a project in development mode.
type DevServer struct {
	cfg       *config.Config
	graph     *graph.Graph
	store     *cache.Store
	renderer  *renderer.CachingRenderer
	artifacts renderer.ArtifactLoader
	collector *veloerrors.Collector
	hub       *Hub
	log       logging.Logger

	httpServer *http.Server
}

// Options configures a DevServer.
type Options struct {
	Config    *config.Config
	Graph     *graph.Graph
	Store     *cache.Store
	Renderer  *renderer.CachingRenderer
	Artifacts renderer.ArtifactLoader
	Collector *veloerrors.Collector
	Logger    logging.Logger
}

// NewDevServer creates a development server.
func NewDevServer(opts Options) *DevServer {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	s := &DevServer{
		cfg:       opts.Config,
		graph:     opts.Graph,
		store:     opts.Store,
		renderer:  opts.Renderer,
		artifacts: opts.Artifacts,
		collector: opts.Collector,
		log:       log.WithComponent("server"),
	}
	s.hub = NewHub(AllowedDevHosts(opts.Config.Server.Host, opts.Config.Server.Port), log)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Config.Server.Host, opts.Config.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the HMR hub.
func (s *DevServer) Hub() *Hub { return s.hub }

// Handler builds the request router.
func (s *DevServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/-/hmr", s.handleHMRSocket)
	mux.HandleFunc(modulePrefix, s.handleModule)
	mux.HandleFunc("/", s.handleRequest)
	return mux
}

// Start runs the hub, subscribes it to graph events, and serves HTTP until
// the context is canceled.
func (s *DevServer) Start(ctx context.Context) error {
	events := s.graph.Watch()
	go s.hub.Run(ctx)
	go s.hub.ListenModuleEvents(ctx, events)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "dev server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.graph.UnWatch(events)
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *DevServer) handleHMRSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWebSocket(w, r)
}

// handleModule serves one compiled artifact from the cache directory.
func (s *DevServer) handleModule(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, modulePrefix)
	rel = path.Clean("/" + rel)
	if rel == "/" || strings.Contains(rel, "..") {
		http.NotFound(w, r)
		return
	}

	if rel == "/hmr.js" {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		_, _ = w.Write([]byte(hmrClientJS))
		return
	}

	fsPath := filepath.Join(s.store.Dir(), filepath.FromSlash(rel))
	data, err := os.ReadFile(fsPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch path.Ext(rel) {
	case ".map", ".json":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	}
	// Hashed artifact names are immutable, so aggressive caching is safe.
	if strings.HasSuffix(rel, ".js") && !strings.HasPrefix(rel, "/-/") {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	_, _ = w.Write(data)
}

// handleRequest dispatches API routes, static assets and page renders.
func (s *DevServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if s.cfg.BasePath != "/" {
		trimmed := strings.TrimPrefix(p, strings.TrimSuffix(s.cfg.BasePath, "/"))
		if trimmed == p && p != s.cfg.BasePath {
			http.NotFound(w, r)
			return
		}
		p = trimmed
		if p == "" {
			p = "/"
		}
	}

	if strings.HasPrefix(p, "/api/") || p == "/api" {
		s.handleAPI(w, r, p)
		return
	}

	if s.servePublicAsset(w, r, p) {
		return
	}

	s.handlePage(w, r, p)
}

// handleAPI invokes the API module owning the route through the artifact
// loader. API modules execute per-request and never graph-link.
func (s *DevServer) handleAPI(w http.ResponseWriter, r *http.Request, routePath string) {
	entry, ok := s.graph.APIRoutes().Get(routePath)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if s.artifacts == nil {
		http.Error(w, "api execution unavailable", http.StatusNotImplemented)
		return
	}

	m, ok := s.graph.Get(entry.ModuleID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	unit, err := s.artifacts.Load(r.Context(), m.SourceURL)
	if err != nil {
		s.log.Error(r.Context(), err, "failed to load api module", "module", entry.ModuleID)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	result, err := unit.Invoke(r.Context(), renderer.ExecContext{
		Route:    entry.Path,
		Path:     r.URL.Path,
		Query:    r.URL.RawQuery,
		BasePath: s.cfg.BasePath,
		Locale:   s.cfg.DefaultLocale,
		Dev:      true,
		Env:      s.cfg.Env,
	})
	if err != nil {
		s.log.Error(r.Context(), err, "api handler failed", "route", entry.Path)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.log.Error(r.Context(), err, "failed to encode api response", "route", entry.Path)
	}
}

// servePublicAsset serves a file from the public directory when one exists.
func (s *DevServer) servePublicAsset(w http.ResponseWriter, r *http.Request, p string) bool {
	if p == "/" {
		return false
	}
	clean := path.Clean(p)
	if strings.Contains(clean, "..") {
		return false
	}
	fsPath := filepath.Join(s.cfg.PublicDir(), filepath.FromSlash(clean))
	info, err := os.Stat(fsPath)
	if err != nil || info.IsDir() {
		return false
	}
	http.ServeFile(w, r, fsPath)
	return true
}

// handlePage renders the route owning the request path, falling back to the
// custom 404 page's route when no route matches.
func (s *DevServer) handlePage(w http.ResponseWriter, r *http.Request, p string) {
	routePath := strings.TrimSuffix(p, "/")
	if routePath == "" {
		routePath = "/"
	}

	entry, ok := s.graph.PageRoutes().Get(routePath)
	status := http.StatusOK
	if !ok {
		entry, ok = s.graph.PageRoutes().Get("/404")
		status = http.StatusNotFound
		if !ok {
			http.NotFound(w, r)
			return
		}
	}

	result, err := s.renderer.Render(r.Context(), renderer.ExecContext{
		Route:    entry.Path,
		Path:     p,
		Query:    r.URL.RawQuery,
		BasePath: s.cfg.BasePath,
		Locale:   s.cfg.DefaultLocale,
		Dev:      true,
		Env:      s.cfg.Env,
	})
	if err != nil && result == nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if result.Status != 0 && result.Status != http.StatusOK {
		status = result.Status
	}

	doc := s.decorateDev(result.HTML)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(doc))
}

// decorateDev injects the entry module script, preload hints, the HMR client
// and, when compilation errors are pending, the error overlay. Shell-rendered
// pages depend on the entry script to boot the client runtime.
func (s *DevServer) decorateDev(doc string) string {
	var scripts []build.ScriptTag
	var preloads []build.PreloadLink
	if entry, ok := s.graph.GetByURL(build.EntrySourceURL); ok {
		scripts = append(scripts, build.ScriptTag{Src: build.ArtifactURLForModule(entry), Module: true})
		for _, id := range build.PreloadModuleIDs(s.graph) {
			if m, ok := s.graph.Get(id); ok {
				preloads = append(preloads, build.PreloadLink{Href: build.ArtifactURLForModule(m)})
			}
		}
	}
	scripts = append(scripts, build.ScriptTag{Src: modulePrefix + "hmr.js", Module: true})
	if s.collector != nil && s.collector.HasErrors() {
		scripts = append(scripts, build.ScriptTag{
			Inline: fmt.Sprintf("document.body.insertAdjacentHTML('beforeend', %s);", jsString(s.collector.Overlay())),
		})
	}
	out, err := build.InjectTags(doc, preloads, scripts)
	if err != nil {
		// Serve the undecorated document rather than failing the request.
		return doc
	}
	return out
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// hmrClientJS is the development client: it listens for module events and
// re-fetches changed modules, falling back to a full reload.
const hmrClientJS = `// velo hmr client
(() => {
  const proto = location.protocol === 'https:' ? 'wss' : 'ws';
  const url = proto + '://' + location.host + '/-/hmr';
  let backoff = 250;

  const connect = () => {
    const ws = new WebSocket(url);
    ws.onopen = () => { backoff = 250; };
    ws.onmessage = (e) => {
      let msg;
      try { msg = JSON.parse(e.data); } catch { return; }
      if (msg.type === 'remove') {
        location.reload();
        return;
      }
      const current = window.__VELO_MODULES && window.__VELO_MODULES[msg.moduleId];
      if (!current || current !== msg.hash) {
        location.reload();
      }
    };
    ws.onclose = () => {
      setTimeout(connect, backoff);
      backoff = Math.min(backoff * 2, 5000);
    };
  };
  connect();
})();
`
