package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloframe/velo/internal/build"
	"github.com/veloframe/velo/internal/cache"
	"github.com/veloframe/velo/internal/config"
	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/graph"
	"github.com/veloframe/velo/internal/hash"
	"github.com/veloframe/velo/internal/renderer"
	"github.com/veloframe/velo/internal/types"
)

type stubRenderer struct {
	fail bool
}

func (s *stubRenderer) Render(_ context.Context, ec renderer.ExecContext) (*renderer.Result, error) {
	if s.fail {
		return nil, fmt.Errorf("boom")
	}
	return &renderer.Result{
		HTML: fmt.Sprintf("<html><head><title>%s</title></head><body><div id=\"root\">%s</div></body></html>", ec.Route, ec.Path),
	}, nil
}

type stubExecutable struct {
	payload any
}

func (s *stubExecutable) Invoke(context.Context, renderer.ExecContext) (any, error) {
	return s.payload, nil
}

type stubArtifacts struct {
	payload any
	loaded  []string
}

func (s *stubArtifacts) Load(_ context.Context, artifactPath string) (renderer.Executable, error) {
	s.loaded = append(s.loaded, artifactPath)
	return &stubExecutable{payload: s.payload}, nil
}

type serverFixture struct {
	cfg       *config.Config
	graph     *graph.Graph
	store     *cache.Store
	collector *veloerrors.Collector
	artifacts *stubArtifacts
	rendering *stubRenderer
	ts        *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		RootDir:       root,
		SrcDir:        ".",
		OutputDir:     "dist",
		BasePath:      "/",
		DefaultLocale: "en",
		Server:        config.ServerConfig{Host: "localhost", Port: 8080},
		Build:         config.BuildConfig{CacheDir: ".velo"},
		Env:           map[string]string{},
	}

	fx := &serverFixture{
		cfg:       cfg,
		graph:     graph.New(),
		store:     cache.NewStore(cfg.CacheDir(), nil),
		collector: veloerrors.NewCollector(),
		artifacts: &stubArtifacts{payload: map[string]any{"status": "ok"}},
		rendering: &stubRenderer{},
	}

	s := NewDevServer(Options{
		Config:    cfg,
		Graph:     fx.graph,
		Store:     fx.store,
		Renderer:  renderer.NewCachingRenderer(fx.rendering, renderer.NewCache(nil), true, nil),
		Artifacts: fx.artifacts,
		Collector: fx.collector,
	})
	fx.ts = httptest.NewServer(s.Handler())
	t.Cleanup(fx.ts.Close)
	return fx
}

func (fx *serverFixture) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fx.ts.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func TestDevServer_ServesCompiledModule(t *testing.T) {
	fx := newServerFixture(t)

	outputHash := hash.Text("export default 1")
	err := fx.store.Put(context.Background(), "pages/index", false, &cache.Artifact{
		SourceURL:    "/pages/index.tsx",
		SourceHash:   hash.Text("src"),
		OutputHash:   outputHash,
		CompiledText: "export default 1",
	})
	require.NoError(t, err)

	resp, body := fx.get(t, fmt.Sprintf("/_velo/pages/index.%s.js", hash.Short(outputHash)))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "export default 1", body)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.Contains(t, resp.Header.Get("Cache-Control"), "immutable")
}

func TestDevServer_MissingModuleIs404(t *testing.T) {
	fx := newServerFixture(t)
	resp, _ := fx.get(t, "/_velo/pages/missing.11223344.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDevServer_ServesHMRClient(t *testing.T) {
	fx := newServerFixture(t)
	resp, body := fx.get(t, "/_velo/hmr.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "WebSocket")
}

func TestDevServer_RendersPageWithHMRInjection(t *testing.T) {
	fx := newServerFixture(t)
	fx.graph.PageRoutes().Set(&graph.RouteEntry{Path: "/about", ModuleID: "/pages/about.js"})

	resp, body := fx.get(t, "/about")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "/about")
	assert.Contains(t, body, "/_velo/hmr.js")
}

func TestDevServer_InjectsEntryModuleScript(t *testing.T) {
	fx := newServerFixture(t)
	fx.graph.PageRoutes().Set(&graph.RouteEntry{Path: "/", ModuleID: "/pages/index.js"})

	entryHash := hash.Text("entry source")
	_, err := fx.graph.Upsert(&types.Module{
		ID:         "/main.js",
		SourceURL:  build.EntrySourceURL,
		Loader:     types.LoaderScript,
		OutputHash: entryHash,
	})
	require.NoError(t, err)

	resp, body := fx.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, fmt.Sprintf("/_velo/main.%s.js", hash.Short(entryHash)))
	assert.Contains(t, body, "/_velo/hmr.js")
}

func TestDevServer_UnknownRouteFallsBackTo404Page(t *testing.T) {
	fx := newServerFixture(t)
	fx.graph.PageRoutes().Set(&graph.RouteEntry{Path: "/404", ModuleID: "/404.js"})

	resp, body := fx.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "/404")
}

func TestDevServer_UnknownRouteWithout404Page(t *testing.T) {
	fx := newServerFixture(t)
	resp, _ := fx.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDevServer_RenderFailureServes500Body(t *testing.T) {
	fx := newServerFixture(t)
	fx.rendering.fail = true
	fx.graph.PageRoutes().Set(&graph.RouteEntry{Path: "/", ModuleID: "/pages/index.js"})

	resp, body := fx.get(t, "/")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "500")
	assert.Contains(t, body, "boom")
}

func TestDevServer_ErrorOverlayInjected(t *testing.T) {
	fx := newServerFixture(t)
	fx.graph.PageRoutes().Set(&graph.RouteEntry{Path: "/", ModuleID: "/pages/index.js"})
	fx.collector.Add(veloerrors.BuildError{
		ModuleID:  "/pages/index.js",
		File:      "/pages/index.tsx",
		Message:   "unexpected token",
		Timestamp: time.Now(),
	})

	resp, body := fx.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "unexpected token")
}

func TestDevServer_InvokesAPIRoute(t *testing.T) {
	fx := newServerFixture(t)

	m := &types.Module{
		ID:         "/pages/api/user.js",
		SourceURL:  "/pages/api/user.ts",
		Loader:     types.LoaderScript,
		OutputHash: hash.Text("api"),
	}
	_, err := fx.graph.Upsert(m)
	require.NoError(t, err)
	fx.graph.APIRoutes().Set(&graph.RouteEntry{Path: "/api/user", ModuleID: m.ID, OutputHash: m.OutputHash})

	resp, body := fx.get(t, "/api/user?id=1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, []string{"/pages/api/user.ts"}, fx.artifacts.loaded)
}

func TestDevServer_UnknownAPIRouteIs404(t *testing.T) {
	fx := newServerFixture(t)
	resp, _ := fx.get(t, "/api/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDevServer_ServesPublicAssets(t *testing.T) {
	fx := newServerFixture(t)
	publicDir := filepath.Join(fx.cfg.RootDir, "public")
	require.NoError(t, os.MkdirAll(publicDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(publicDir, "robots.txt"), []byte("User-agent: *\n"), 0o644))

	resp, body := fx.get(t, "/robots.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "User-agent")
}
