// Package cache persists compiled artifacts keyed by source and dependency
// hashes, serving cache hits without recompilation.
//
// Each module stores a pair of files under the build directory mirroring its
// canonical path: <name>.<hash8>.js holding the compiled text (remote modules
// omit the hash suffix since their URL already encodes a version) and a
// sibling <name>.meta.json holding {sourceUrl, sourceHash, outputHash,
// dependencies}. A .js.map sibling holds the source map when enabled.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/veloframe/velo/internal/hash"
	"github.com/veloframe/velo/internal/logging"
	"github.com/veloframe/velo/internal/types"
)

// Artifact is the persisted compilation result for one module.
type Artifact struct {
	SourceURL  string                 `json:"sourceUrl"`
	SourceHash string                 `json:"sourceHash"`
	OutputHash string                 `json:"outputHash"`
	Deps       []types.DependencyEdge `json:"dependencies"`

	CompiledText string `json:"-"`
	SourceMap    string `json:"-"`
}

// Store is the on-disk content-addressed artifact cache.
type Store struct {
	dir string
	log logging.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, log logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{dir: dir, log: log.WithComponent("cache")}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// CompiledPath returns the absolute path of the compiled text file for a
// module, embedding the truncated output hash for local modules.
func (s *Store) CompiledPath(cachePath, outputHash string, isRemote bool) string {
	return filepath.Join(s.dir, compiledName(cachePath, outputHash, isRemote))
}

func compiledName(cachePath, outputHash string, isRemote bool) string {
	if isRemote {
		return cachePath + ".js"
	}
	return fmt.Sprintf("%s.%s.js", cachePath, hash.Short(outputHash))
}

func (s *Store) metaPath(cachePath string) string {
	return filepath.Join(s.dir, cachePath+".meta.json")
}

// Lookup returns the cached artifact for cachePath. A hit is valid only when
// the metadata parses, all hashes and the dependency list are present, and
// the compiled-text file named by the current output hash still exists; any
// inconsistency is a miss that forces recompilation, never an error.
func (s *Store) Lookup(ctx context.Context, cachePath string, isRemote bool) (*Artifact, bool) {
	raw, err := os.ReadFile(s.metaPath(cachePath))
	if err != nil {
		return nil, false
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		s.log.Debug(ctx, "discarding unreadable artifact metadata", "path", cachePath, "error", err.Error())
		return nil, false
	}
	if a.SourceHash == "" || a.OutputHash == "" || a.SourceURL == "" {
		return nil, false
	}

	compiled, err := os.ReadFile(s.CompiledPath(cachePath, a.OutputHash, isRemote))
	if err != nil {
		// Metadata without its compiled file is treated as a plain miss.
		s.log.Debug(ctx, "artifact metadata present but compiled file missing", "path", cachePath)
		return nil, false
	}
	a.CompiledText = string(compiled)

	if m, err := os.ReadFile(s.CompiledPath(cachePath, a.OutputHash, isRemote) + ".map"); err == nil {
		a.SourceMap = string(m)
	}
	return &a, true
}

// Put persists an artifact, then deletes previously written compiled files
// for the same logical module whose hash suffix is now stale. The cache holds
// at most one artifact generation per logical module.
func (s *Store) Put(ctx context.Context, cachePath string, isRemote bool, a *Artifact) error {
	target := s.CompiledPath(cachePath, a.OutputHash, isRemote)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(target, []byte(a.CompiledText), 0o644); err != nil {
		return err
	}
	if a.SourceMap != "" {
		if err := os.WriteFile(target+".map", []byte(a.SourceMap), 0o644); err != nil {
			return err
		}
	}

	meta, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.metaPath(cachePath), meta, 0o644); err != nil {
		return err
	}

	if !isRemote {
		s.removeStaleSiblings(ctx, cachePath, a.OutputHash)
	}
	return nil
}

var hashSuffixRe = regexp.MustCompile(`\.([0-9a-f]{8})\.js$`)

func (s *Store) removeStaleSiblings(ctx context.Context, cachePath, outputHash string) {
	matches, err := filepath.Glob(filepath.Join(s.dir, cachePath+".*.js"))
	if err != nil {
		return
	}
	keep := compiledName(cachePath, outputHash, false)
	base := filepath.Base(cachePath)
	for _, m := range matches {
		name := filepath.Base(m)
		sub := hashSuffixRe.FindStringSubmatch(name)
		if sub == nil || name == filepath.Base(keep) {
			continue
		}
		// Only touch files whose basename matches this logical module.
		if name != fmt.Sprintf("%s.%s.js", base, sub[1]) {
			continue
		}
		if err := os.Remove(m); err == nil {
			s.log.Debug(ctx, "evicted stale artifact", "file", name)
			_ = os.Remove(m + ".map")
		}
	}
}

// Remove deletes every artifact file for cachePath.
func (s *Store) Remove(ctx context.Context, cachePath string) {
	_ = os.Remove(s.metaPath(cachePath))
	matches, _ := filepath.Glob(filepath.Join(s.dir, cachePath+".*.js"))
	for _, m := range matches {
		_ = os.Remove(m)
		_ = os.Remove(m + ".map")
	}
	_ = os.Remove(filepath.Join(s.dir, cachePath+".js"))
}
