package build

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/veloframe/velo/internal/config"
	"github.com/veloframe/velo/internal/graph"
)

// Synthesized module identities. They live outside /pages so they never
// collide with user routes.
const (
	EntrySourceURL     = "/main.ts"
	BootstrapSourceURL = "/velo/bootstrap.ts"
	HMRSourceURL       = "/velo/hmr.ts"
	NoModuleSourceURL  = "/velo/nomodule.ts"
)

// routeManifestEntry mirrors graph.RouteEntry in the shape the client
// runtime consumes.
type routeManifestEntry struct {
	ModuleID      string   `json:"moduleId"`
	OutputHash    string   `json:"outputHash"`
	StyleDataDeps []string `json:"styleOrDataDeps,omitempty"`
}

// routeManifest is the literal configuration object embedded in the entry
// module.
type routeManifest struct {
	BasePath      string                        `json:"basePath"`
	DefaultLocale string                        `json:"defaultLocale"`
	Locales       []string                      `json:"locales"`
	Routes        map[string]routeManifestEntry `json:"routes"`
	Preload       []string                      `json:"preload,omitempty"`
}

// EntrySource synthesizes the application entry module: it embeds the current
// page route table as literal configuration and boots the runtime. preload
// lists the module ids loaded before first navigation (app and 404 when
// present).
func EntrySource(cfg *config.Config, routes *graph.RouteTable, preload []string) ([]byte, error) {
	manifest := routeManifest{
		BasePath:      cfg.BasePath,
		DefaultLocale: cfg.DefaultLocale,
		Locales:       cfg.Locales,
		Routes:        make(map[string]routeManifestEntry),
		Preload:       preload,
	}
	for _, entry := range routes.All() {
		manifest.Routes[entry.Path] = routeManifestEntry{
			ModuleID:      entry.ModuleID,
			OutputHash:    entry.OutputHash,
			StyleDataDeps: entry.StyleDataDeps,
		}
	}

	literal, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing route manifest: %w", err)
	}

	src := fmt.Sprintf(`import { bootstrap } from %q;

bootstrap(%s);
`, BootstrapSourceURL, literal)
	return []byte(src), nil
}

// PreloadModuleIDs derives the preload list from the registered top-level
// modules, in stable order.
func PreloadModuleIDs(g *graph.Graph) []string {
	var out []string
	for _, sourceURL := range []string{"/app.tsx", "/app.ts", "/app.jsx", "/app.js", "/404.tsx", "/404.ts", "/404.jsx", "/404.js"} {
		if m, ok := g.GetByURL(sourceURL); ok {
			out = append(out, m.ID)
		}
	}
	sort.Strings(out)
	return out
}

// bootstrapSource is the framework runtime: route matching, module loading
// and render mounting on the client.
const bootstrapSource = `const loaded = {};
window.__VELO_MODULES = loaded;

export async function bootstrap(manifest) {
  const prefix = manifest.basePath === "/" ? "" : manifest.basePath;
  const route = matchRoute(manifest.routes, location.pathname.slice(prefix.length) || "/");
  if (!route) {
    return;
  }
  const mod = await loadModule(route.moduleId, route.outputHash);
  loaded[route.moduleId] = route.outputHash;
  if (mod && typeof mod.default === "function") {
    mod.default(document.getElementById("root"));
  }
}

export function matchRoute(routes, pathname) {
  if (routes[pathname]) {
    return routes[pathname];
  }
  for (const pattern of Object.keys(routes)) {
    if (!pattern.includes("[")) continue;
    const re = new RegExp("^" + pattern.replace(/\[([^\]]+)\]/g, "([^/]+)") + "$");
    if (re.test(pathname)) {
      return routes[pattern];
    }
  }
  return routes["/404"];
}

export function loadModule(moduleId, outputHash) {
  const base = moduleId.replace(/\.js$/, "");
  const url = "/_velo" + base + "." + outputHash.slice(0, 8) + ".js";
  return import(url);
}
`

// hmrRuntimeSource connects to the dev server's event socket; module-level
// wiring beyond reload lives in the served hmr client.
const hmrRuntimeSource = `export function connect(onEvent) {
  const proto = location.protocol === "https:" ? "wss" : "ws";
  const ws = new WebSocket(proto + "://" + location.host + "/-/hmr");
  ws.onmessage = (e) => {
    try {
      onEvent(JSON.parse(e.data));
    } catch {
      // Malformed event, ignore.
    }
  };
  return ws;
}
`

// noModuleSource is served to browsers without ES module support.
const noModuleSource = `document.getElementById("root").innerHTML =
  "<p>This application requires a browser with ES module support.</p>";
`

// RuntimeSources returns the framework-internal modules compiled during
// phase four of a build, keyed by source URL.
func RuntimeSources() map[string][]byte {
	return map[string][]byte{
		BootstrapSourceURL: []byte(bootstrapSource),
		HMRSourceURL:       []byte(hmrRuntimeSource),
		NoModuleSourceURL:  []byte(noModuleSource),
	}
}
