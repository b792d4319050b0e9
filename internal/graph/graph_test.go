package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloframe/velo/internal/hash"
	"github.com/veloframe/velo/internal/types"
)

// compiled builds a module whose text imports each dependency through its
// hashed artifact name, the way the build pipeline emits it.
func compiled(id, sourceURL string, deps ...*types.Module) *types.Module {
	text := "// module " + id + "\n"
	edges := make([]types.DependencyEdge, 0, len(deps))
	for _, d := range deps {
		text += fmt.Sprintf("import %q;\n", artifactRef(d))
		edges = append(edges, types.DependencyEdge{TargetURL: d.SourceURL, TargetHash: d.OutputHash})
	}
	m := &types.Module{
		ID:           id,
		SourceURL:    sourceURL,
		Loader:       types.LoaderScript,
		SourceHash:   hash.Text(sourceURL),
		CompiledText: text,
		Deps:         edges,
	}
	m.OutputHash = hash.Text(m.CompiledText)
	return m
}

func artifactRef(m *types.Module) string {
	base := m.ID[:len(m.ID)-len(".js")]
	return fmt.Sprintf("%s.%s.js", base, hash.Short(m.OutputHash))
}

func TestGraph_UpsertAndGet(t *testing.T) {
	g := New()

	m := compiled("/pages/index.js", "/pages/index.tsx")
	got, err := g.Upsert(m)
	require.NoError(t, err)
	assert.Same(t, m, got)
	assert.Equal(t, 1, g.Count())

	byID, ok := g.Get("/pages/index.js")
	require.True(t, ok)
	assert.Same(t, m, byID)

	byURL, ok := g.GetByURL("/pages/index.tsx")
	require.True(t, ok)
	assert.Same(t, m, byURL)
}

func TestGraph_UpsertPreservesIdentity(t *testing.T) {
	g := New()

	first := compiled("/pages/index.js", "/pages/index.tsx")
	canonical, err := g.Upsert(first)
	require.NoError(t, err)

	second := compiled("/pages/index.js", "/pages/index.tsx")
	second.CompiledText = "// updated"
	second.OutputHash = hash.Text(second.CompiledText)

	replaced, err := g.Upsert(second)
	require.NoError(t, err)

	// The original pointer observes the update.
	assert.Same(t, canonical, replaced)
	assert.Equal(t, "// updated", canonical.CompiledText)
}

func TestGraph_UpsertCollisionIsHardError(t *testing.T) {
	g := New()

	_, err := g.Upsert(compiled("/components/logo.js", "/components/logo.tsx"))
	require.NoError(t, err)

	_, err = g.Upsert(compiled("/components/logo.js", "/components/logo.jsx"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collision")
}

func TestGraph_Remove(t *testing.T) {
	g := New()
	m := compiled("/pages/about.js", "/pages/about.tsx")
	_, err := g.Upsert(m)
	require.NoError(t, err)

	ch := g.Watch()
	defer g.UnWatch(ch)

	g.Remove("/pages/about.js")
	assert.Equal(t, 0, g.Count())
	_, ok := g.GetByURL("/pages/about.tsx")
	assert.False(t, ok)

	event := <-ch
	assert.Equal(t, types.EventTypeRemoved, event.Type)
	assert.Equal(t, "/pages/about.js", event.ModuleID)
}

func TestGraph_TransitiveDeps(t *testing.T) {
	g := New()

	logo := compiled("/components/logo.js", "/components/logo.tsx")
	header := compiled("/components/header.js", "/components/header.tsx", logo)
	page := compiled("/pages/index.js", "/pages/index.tsx", header)
	page.Deps = append(page.Deps, types.DependencyEdge{
		TargetURL:   types.MarkerInlineStyle + "s1",
		TargetHash:  hash.Text("style payload"),
		IsStyleData: true,
	})

	for _, m := range []*types.Module{logo, header, page} {
		_, err := g.Upsert(m)
		require.NoError(t, err)
	}

	deps := g.TransitiveDeps("/pages/index.js")
	urls := make([]string, len(deps))
	for i, d := range deps {
		urls[i] = d.TargetURL
	}
	assert.Equal(t, []string{
		"/components/header.tsx",
		"/components/logo.tsx",
		types.MarkerInlineStyle + "s1",
	}, urls)
}

func TestGraph_TransitiveDeps_CycleSafe(t *testing.T) {
	g := New()

	// Mutual import: a -> b -> a.
	a := compiled("/lib/a.js", "/lib/a.tsx")
	b := compiled("/lib/b.js", "/lib/b.tsx")
	a.Deps = []types.DependencyEdge{{TargetURL: b.SourceURL, TargetHash: b.OutputHash}}
	b.Deps = []types.DependencyEdge{{TargetURL: a.SourceURL, TargetHash: a.OutputHash}}

	for _, m := range []*types.Module{a, b} {
		_, err := g.Upsert(m)
		require.NoError(t, err)
	}

	deps := g.TransitiveDeps("/lib/a.js")
	require.Len(t, deps, 2)
	assert.Equal(t, "/lib/b.tsx", deps[0].TargetURL)
	assert.Equal(t, "/lib/a.tsx", deps[1].TargetURL)
}

func TestGraph_Dependents(t *testing.T) {
	g := New()

	logo := compiled("/components/logo.js", "/components/logo.tsx")
	index := compiled("/pages/index.js", "/pages/index.tsx", logo)
	about := compiled("/pages/about.js", "/pages/about.tsx", logo)
	other := compiled("/pages/other.js", "/pages/other.tsx")

	for _, m := range []*types.Module{logo, index, about, other} {
		_, err := g.Upsert(m)
		require.NoError(t, err)
	}

	deps := g.Dependents("/components/logo.tsx")
	assert.Len(t, deps, 2)
}

func TestGraph_PropagateHash(t *testing.T) {
	g := New()

	style := compiled("/style/app.css.js", "/style/app.css")
	page := compiled("/pages/index.js", "/pages/index.tsx", style)
	unrelated := compiled("/pages/other.js", "/pages/other.tsx")

	for _, m := range []*types.Module{style, page, unrelated} {
		_, err := g.Upsert(m)
		require.NoError(t, err)
	}

	oldPageHash := page.OutputHash
	oldStyleShort := hash.Short(style.OutputHash)
	unrelatedHash := unrelated.OutputHash

	newStyleHash := hash.Text("body{color:red}")
	updated := g.PropagateHash("/style/app.css.js", newStyleHash)

	// Exactly the page depending on the stylesheet recompiled.
	require.Len(t, updated, 1)
	assert.Same(t, page, updated[0])
	assert.NotEqual(t, oldPageHash, page.OutputHash)
	assert.Equal(t, newStyleHash, page.Deps[0].TargetHash)

	// The embedded import specifier now names the new artifact.
	assert.NotContains(t, page.CompiledText, "."+oldStyleShort+".js")
	assert.Contains(t, page.CompiledText, "."+hash.Short(newStyleHash)+".js")

	// Unrelated modules untouched.
	assert.Equal(t, unrelatedHash, unrelated.OutputHash)
}

func TestGraph_PropagateHash_Transitive(t *testing.T) {
	g := New()

	leaf := compiled("/lib/leaf.js", "/lib/leaf.ts")
	mid := compiled("/lib/mid.js", "/lib/mid.ts", leaf)
	top := compiled("/pages/index.js", "/pages/index.tsx", mid)

	for _, m := range []*types.Module{leaf, mid, top} {
		_, err := g.Upsert(m)
		require.NoError(t, err)
	}

	oldTop := top.OutputHash
	updated := g.PropagateHash("/lib/leaf.js", hash.Text("new leaf output"))

	require.Len(t, updated, 2)
	assert.NotEqual(t, oldTop, top.OutputHash)
	assert.Equal(t, mid.OutputHash, top.Deps[0].TargetHash)
}

func TestGraph_PropagateHash_TerminatesOnCycle(t *testing.T) {
	g := New()

	a := compiled("/lib/a.js", "/lib/a.ts")
	b := compiled("/lib/b.js", "/lib/b.ts")
	a.CompiledText = fmt.Sprintf("import %q;", artifactRef(b))
	a.OutputHash = hash.Text(a.CompiledText)
	a.Deps = []types.DependencyEdge{{TargetURL: b.SourceURL, TargetHash: b.OutputHash}}
	b.CompiledText = fmt.Sprintf("import %q;", artifactRef(a))
	b.OutputHash = hash.Text(b.CompiledText)
	b.Deps = []types.DependencyEdge{{TargetURL: a.SourceURL, TargetHash: a.OutputHash}}

	for _, m := range []*types.Module{a, b} {
		_, err := g.Upsert(m)
		require.NoError(t, err)
	}

	// Must reach a fixed point rather than looping forever.
	updated := g.PropagateHash("/lib/a.js", hash.Text("changed a"))
	assert.NotEmpty(t, updated)
}

func TestGraph_PropagateHash_NoChangeNoWork(t *testing.T) {
	g := New()

	dep := compiled("/lib/dep.js", "/lib/dep.ts")
	page := compiled("/pages/index.js", "/pages/index.tsx", dep)
	for _, m := range []*types.Module{dep, page} {
		_, err := g.Upsert(m)
		require.NoError(t, err)
	}

	updated := g.PropagateHash("/lib/dep.js", dep.OutputHash)
	assert.Empty(t, updated)
}

func TestGraph_WatchEvents(t *testing.T) {
	g := New()
	ch := g.Watch()
	defer g.UnWatch(ch)

	m := compiled("/pages/index.js", "/pages/index.tsx")
	_, err := g.Upsert(m)
	require.NoError(t, err)

	event := <-ch
	assert.Equal(t, types.EventTypeAdded, event.Type)
	assert.Equal(t, m.OutputHash, event.Hash)

	_, err = g.Upsert(compiled("/pages/index.js", "/pages/index.tsx"))
	require.NoError(t, err)
	event = <-ch
	assert.Equal(t, types.EventTypeUpdated, event.Type)
}
