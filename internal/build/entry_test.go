package build

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloframe/velo/internal/config"
	"github.com/veloframe/velo/internal/graph"
	"github.com/veloframe/velo/internal/types"
)

func TestEntrySource(t *testing.T) {
	cfg := &config.Config{BasePath: "/", DefaultLocale: "en", Locales: []string{"en", "de"}}
	routes := graph.NewRouteTable()
	routes.Set(&graph.RouteEntry{
		Path:       "/",
		ModuleID:   "/pages/index.js",
		OutputHash: "aaaaaaaabbbbbbbb",
	})
	routes.Set(&graph.RouteEntry{
		Path:          "/blog/[slug]",
		ModuleID:      "/pages/blog/[slug].js",
		OutputHash:    "ccccccccdddddddd",
		StyleDataDeps: []string{types.MarkerInlineStyle + "s1"},
	})

	src, err := EntrySource(cfg, routes, []string{"/app.js"})
	require.NoError(t, err)
	text := string(src)

	assert.True(t, strings.HasPrefix(text, `import { bootstrap } from "/velo/bootstrap.ts";`))

	// The embedded manifest is literal JSON the runtime consumes directly.
	start := strings.Index(text, "bootstrap(")
	require.Greater(t, start, 0)
	literal := strings.TrimSuffix(strings.TrimSpace(text[start+len("bootstrap("):]), ");")

	var manifest struct {
		BasePath      string   `json:"basePath"`
		DefaultLocale string   `json:"defaultLocale"`
		Locales       []string `json:"locales"`
		Routes        map[string]struct {
			ModuleID      string   `json:"moduleId"`
			OutputHash    string   `json:"outputHash"`
			StyleDataDeps []string `json:"styleOrDataDeps"`
		} `json:"routes"`
		Preload []string `json:"preload"`
	}
	require.NoError(t, json.Unmarshal([]byte(literal), &manifest))

	assert.Equal(t, "/", manifest.BasePath)
	assert.Equal(t, "en", manifest.DefaultLocale)
	assert.Equal(t, []string{"en", "de"}, manifest.Locales)
	assert.Equal(t, []string{"/app.js"}, manifest.Preload)
	require.Len(t, manifest.Routes, 2)
	assert.Equal(t, "/pages/index.js", manifest.Routes["/"].ModuleID)
	assert.Equal(t, []string{types.MarkerInlineStyle + "s1"}, manifest.Routes["/blog/[slug]"].StyleDataDeps)
}

func TestPreloadModuleIDs(t *testing.T) {
	g := graph.New()
	_, err := g.Upsert(&types.Module{ID: "/app.js", SourceURL: "/app.tsx", OutputHash: "h1"})
	require.NoError(t, err)
	_, err = g.Upsert(&types.Module{ID: "/404.js", SourceURL: "/404.tsx", OutputHash: "h2"})
	require.NoError(t, err)
	_, err = g.Upsert(&types.Module{ID: "/pages/index.js", SourceURL: "/pages/index.tsx", OutputHash: "h3"})
	require.NoError(t, err)

	assert.Equal(t, []string{"/404.js", "/app.js"}, PreloadModuleIDs(g))
}

func TestPreloadModuleIDs_EmptyWithoutTopLevelModules(t *testing.T) {
	assert.Empty(t, PreloadModuleIDs(graph.New()))
}

func TestRuntimeSources(t *testing.T) {
	sources := RuntimeSources()
	require.Len(t, sources, 3)
	assert.Contains(t, string(sources[BootstrapSourceURL]), "matchRoute")
	assert.Contains(t, string(sources[HMRSourceURL]), "WebSocket")
	assert.Contains(t, string(sources[NoModuleSourceURL]), "ES module")
}
