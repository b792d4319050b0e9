package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/veloframe/velo/internal/graph"
	"github.com/veloframe/velo/internal/hash"
	"github.com/veloframe/velo/internal/types"
)

// Minifier is the production JS minifier, invoked as an opaque external
// tool.
type Minifier interface {
	Minify(ctx context.Context, code string) (string, error)
}

// BundleSet is the production bundle assignment: every remote module lands in
// the remote bundle, and local modules imported by more than one entry point
// land in the shared bundle.
type BundleSet struct {
	Remote []*types.Module
	Shared []*types.Module
}

// ComputeBundles reference-counts module usage across entry points. A module
// counts once per entry point whose transitive closure contains it.
func ComputeBundles(g *graph.Graph, entryIDs []string) *BundleSet {
	counts := make(map[string]int)
	for _, entryID := range entryIDs {
		seen := make(map[string]bool)
		for _, edge := range g.TransitiveDeps(entryID) {
			if edge.IsExternal || edge.IsStyleData || seen[edge.TargetURL] {
				continue
			}
			seen[edge.TargetURL] = true
			counts[edge.TargetURL]++
		}
	}

	set := &BundleSet{}
	for _, m := range g.Modules() {
		switch {
		case m.IsRemote && counts[m.SourceURL] > 0:
			set.Remote = append(set.Remote, m)
		case !m.IsRemote && counts[m.SourceURL] > 1:
			set.Shared = append(set.Shared, m)
		}
	}
	sort.Slice(set.Remote, func(i, j int) bool { return set.Remote[i].ID < set.Remote[j].ID })
	sort.Slice(set.Shared, func(i, j int) bool { return set.Shared[i].ID < set.Shared[j].ID })
	return set
}

// WriteBundle concatenates the modules' compiled text in id order, minifies
// the result and writes it under dir as bundle.<name>.<hash8>.js. It returns
// the written filename; an empty module list writes nothing.
func WriteBundle(ctx context.Context, dir, name string, mods []*types.Module, minifier Minifier) (string, error) {
	if len(mods) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, m := range mods {
		b.WriteString("// ")
		b.WriteString(m.ID)
		b.WriteByte('\n')
		b.WriteString(m.CompiledText)
		if !strings.HasSuffix(m.CompiledText, "\n") {
			b.WriteByte('\n')
		}
	}
	code := b.String()

	if minifier != nil {
		minified, err := minifier.Minify(ctx, code)
		if err != nil {
			return "", fmt.Errorf("minifying %s bundle: %w", name, err)
		}
		code = minified
	}

	filename := fmt.Sprintf("bundle.%s.%s.js", name, hash.Short(hash.Text(code)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(code), 0o644); err != nil {
		return "", err
	}
	return filename, nil
}
